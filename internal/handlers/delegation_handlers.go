package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyphera/delegation-server/internal/executor"
	"github.com/cyphera/delegation-server/internal/permissions"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// DelegationHandler handles delegation grant lifecycle and delegated
// execution requests.
type DelegationHandler struct {
	common *CommonServices
}

// NewDelegationHandler creates a new DelegationHandler instance
func NewDelegationHandler(common *CommonServices) *DelegationHandler {
	return &DelegationHandler{common: common}
}

// CreateDelegationRequest is the payload for granting a delegation.
type CreateDelegationRequest struct {
	UserAddress    string   `json:"user_address" binding:"required"`
	AllowedActions []string `json:"allowed_actions" binding:"required"`
	MaxOperations  int64    `json:"max_operations"`
	DurationHours  float64  `json:"duration_hours"`
}

// DelegationResponse describes a grant's current state.
type DelegationResponse struct {
	UserAddress         string   `json:"user_address"`
	DelegateAddress     string   `json:"delegate_address"`
	AllowedActions      []string `json:"allowed_actions"`
	MaxOperations       int64    `json:"max_operations"`
	OperationsUsed      int64    `json:"operations_used"`
	RemainingOperations int64    `json:"remaining_operations"`
	CreatedAt           string   `json:"created_at"`
	ExpiresAt           string   `json:"expires_at"`
	Active              bool     `json:"active"`
}

// ExecuteRequest is the payload for a delegated action.
type ExecuteRequest struct {
	Action string                 `json:"action" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

// ExecuteResponse reports the outcome of an execution attempt.
type ExecuteResponse struct {
	OperationHash   string `json:"operation_hash"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Success         bool   `json:"success"`
	Pending         bool   `json:"pending,omitempty"`
	GasSource       string `json:"gas_source"`
	DurationMs      int64  `json:"duration_ms"`
}

func delegationResponse(grant *permissions.DelegationGrant) DelegationResponse {
	return DelegationResponse{
		UserAddress:         grant.UserAddress,
		DelegateAddress:     grant.DelegateAddress,
		AllowedActions:      grant.AllowedActions,
		MaxOperations:       grant.MaxOperations,
		OperationsUsed:      grant.OperationsUsed,
		RemainingOperations: grant.RemainingOperations(),
		CreatedAt:           grant.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:           grant.ExpiresAt.UTC().Format(time.RFC3339),
		Active:              grant.IsValid(time.Now()),
	}
}

// CreateDelegation godoc
// @Summary Grant a delegation
// @Description Creates a time-boxed, quota-bounded delegation grant for a user's smart account
// @Tags delegations
// @Accept json
// @Produce json
// @Param request body CreateDelegationRequest true "Grant parameters"
// @Success 201 {object} DelegationResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /delegations [post]
func (h *DelegationHandler) CreateDelegation(c *gin.Context) {
	var req CreateDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		sendError(c, http.StatusBadRequest, "Invalid user address", nil)
		return
	}
	if req.MaxOperations <= 0 {
		sendError(c, http.StatusBadRequest, "max_operations must be positive", nil)
		return
	}
	if req.DurationHours < 0 {
		sendError(c, http.StatusBadRequest, "duration_hours must not be negative", nil)
		return
	}
	if len(req.AllowedActions) == 0 {
		sendError(c, http.StatusBadRequest, "allowed_actions must not be empty", nil)
		return
	}
	for _, action := range req.AllowedActions {
		if !h.knownAction(action) {
			sendError(c, http.StatusBadRequest, "Unknown action in allowed_actions: "+action, nil)
			return
		}
	}

	grant, err := h.common.grants.Grant(c.Request.Context(), req.UserAddress, permissions.GrantConfig{
		DelegateAddress: h.common.delegateAddress,
		AllowedActions:  req.AllowedActions,
		MaxOperations:   req.MaxOperations,
		Duration:        time.Duration(req.DurationHours * float64(time.Hour)),
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to store delegation grant", err)
		return
	}

	sendSuccess(c, http.StatusCreated, delegationResponse(grant))
}

// GetDelegation godoc
// @Summary Get a delegation grant
// @Description Returns the current state of a user's delegation grant
// @Tags delegations
// @Produce json
// @Param user_address path string true "User smart account address"
// @Success 200 {object} DelegationResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /delegations/{user_address} [get]
func (h *DelegationHandler) GetDelegation(c *gin.Context) {
	userAddress := c.Param("user_address")
	if !common.IsHexAddress(userAddress) {
		sendError(c, http.StatusBadRequest, "Invalid user address", nil)
		return
	}

	grant, err := h.common.grants.Get(c.Request.Context(), userAddress)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load delegation grant", err)
		return
	}
	if grant == nil {
		sendError(c, http.StatusNotFound, "No delegation grant for user", nil)
		return
	}

	sendSuccess(c, http.StatusOK, delegationResponse(grant))
}

// RevokeDelegation godoc
// @Summary Revoke a delegation grant
// @Description Removes a user's delegation grant immediately
// @Tags delegations
// @Produce json
// @Param user_address path string true "User smart account address"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /delegations/{user_address} [delete]
func (h *DelegationHandler) RevokeDelegation(c *gin.Context) {
	userAddress := c.Param("user_address")
	if !common.IsHexAddress(userAddress) {
		sendError(c, http.StatusBadRequest, "Invalid user address", nil)
		return
	}

	if err := h.common.grants.Revoke(c.Request.Context(), userAddress); err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to revoke delegation grant", err)
		return
	}

	sendSuccessMessage(c, http.StatusOK, "Delegation revoked")
}

// Execute godoc
// @Summary Execute a delegated action
// @Description Runs an allow-listed action through the user's smart account via the execution pipeline
// @Tags delegations
// @Accept json
// @Produce json
// @Param user_address path string true "User smart account address"
// @Param request body ExecuteRequest true "Action and parameters"
// @Success 200 {object} ExecuteResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /delegations/{user_address}/execute [post]
func (h *DelegationHandler) Execute(c *gin.Context) {
	userAddress := c.Param("user_address")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.common.pipeline.Execute(c.Request.Context(), executor.Request{
		UserAddress: userAddress,
		Action:      req.Action,
		Params:      req.Params,
	})
	if err != nil {
		var pipelineErr *executor.PipelineError
		if errors.As(err, &pipelineErr) && pipelineErr.Code == executor.CodeConfirmationTimeout && result != nil {
			// Submitted but unconfirmed: report pending with the hash so
			// the caller can check later.
			sendSuccess(c, http.StatusAccepted, executeResponse(result))
			return
		}
		sendPipelineError(c, err)
		return
	}

	sendSuccess(c, http.StatusOK, executeResponse(result))
}

func executeResponse(result *executor.Result) ExecuteResponse {
	return ExecuteResponse{
		OperationHash:   result.OperationHash,
		TransactionHash: result.TransactionHash,
		Success:         result.Success,
		Pending:         result.Pending,
		GasSource:       string(result.GasSource),
		DurationMs:      result.DurationMs,
	}
}

func (h *DelegationHandler) knownAction(name string) bool {
	for _, action := range h.common.knownActions {
		if action == name {
			return true
		}
	}
	return false
}
