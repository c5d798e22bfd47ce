package handlers

import (
	"context"
	"net/http"

	"github.com/cyphera/delegation-server/internal/executor"
	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/permissions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pipeline runs action requests through the delegation pipeline.
type Pipeline interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// GrantStore manages delegation grant lifecycle.
type GrantStore interface {
	Grant(ctx context.Context, userAddress string, cfg permissions.GrantConfig) (*permissions.DelegationGrant, error)
	Get(ctx context.Context, userAddress string) (*permissions.DelegationGrant, error)
	Revoke(ctx context.Context, userAddress string) error
}

// CommonServices holds common dependencies used across handlers
type CommonServices struct {
	pipeline        Pipeline
	grants          GrantStore
	knownActions    []string
	delegateAddress string
}

// NewCommonServices creates a new instance of CommonServices
func NewCommonServices(pipeline Pipeline, grants GrantStore, knownActions []string, delegateAddress string) *CommonServices {
	return &CommonServices{
		pipeline:        pipeline,
		grants:          grants,
		knownActions:    knownActions,
		delegateAddress: delegateAddress,
	}
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// sendError is a helper function that combines logging and error response
// It logs the error with the given message and sends a JSON error response
func sendError(c *gin.Context, statusCode int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// sendPipelineError maps a halted pipeline onto the HTTP surface using
// the stable error codes.
func sendPipelineError(c *gin.Context, err error) {
	code := executor.ErrorCode(err)
	logger.Error("Execution pipeline halted",
		zap.String("code", string(code)),
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
	)
	c.JSON(statusForCode(code), ErrorResponse{
		Error: executor.ErrorReason(err),
		Code:  string(code),
	})
}

func statusForCode(code executor.Code) int {
	switch code {
	case executor.CodeUnauthorized, executor.CodeActionNotAllowed:
		return http.StatusForbidden
	case executor.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case executor.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case executor.CodeUnknownAction, executor.CodeInvalidParams:
		return http.StatusBadRequest
	case executor.CodeSubmissionRejected:
		return http.StatusBadGateway
	case executor.CodeExecutionReverted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendSuccess is a helper function that sends a success response
func sendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// sendSuccessMessage is a helper function that sends a success message
func sendSuccessMessage(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, SuccessResponse{Message: message})
}
