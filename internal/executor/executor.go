// Package executor drives an authorized action request through the full
// delegated execution pipeline: permission gate, operation construction,
// funding check, gas estimation, signing, submission and confirmation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cyphera/delegation-server/internal/actions"
	"github.com/cyphera/delegation-server/internal/bundler"
	"github.com/cyphera/delegation-server/internal/gas"
	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/permissions"
	"github.com/cyphera/delegation-server/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Code is a stable, machine-readable error code returned to callers.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeActionNotAllowed    Code = "ACTION_NOT_ALLOWED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeUnknownAction       Code = "UNKNOWN_ACTION"
	CodeInvalidParams       Code = "INVALID_PARAMS"
	CodeSigningFailed       Code = "SIGNING_FAILED"
	CodeSubmissionRejected  Code = "SUBMISSION_REJECTED"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeExecutionReverted   Code = "EXECUTION_REVERTED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// State names the pipeline stage a request has reached, for logging and
// failure reports.
type State string

const (
	StateRequested         State = "requested"
	StatePermissionChecked State = "permission_checked"
	StateBuilt             State = "built"
	StateFundingChecked    State = "funding_checked"
	StateGasEstimated      State = "gas_estimated"
	StateSigned            State = "signed"
	StateSubmitted         State = "submitted"
	StateConfirmed         State = "confirmed"
)

// PipelineError carries the stable code plus a human-readable reason for
// a halted pipeline. The wrapped cause is preserved for logs.
type PipelineError struct {
	Code   Code
	State  State
	Reason string
	cause  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.State, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	return e.cause
}

// Request is an inbound execution request.
type Request struct {
	UserAddress string
	Action      string
	Params      map[string]interface{}
}

// Result reports the outcome of one execution attempt. Pending is set
// when confirmation timed out: the operation may still land, so the
// outcome is unknown rather than failed.
type Result struct {
	OperationHash   string
	TransactionHash string
	Success         bool
	Pending         bool
	GasSource       gas.Source
	DurationMs      int64
}

// PermissionStore is the grant surface the pipeline needs.
type PermissionStore interface {
	Get(ctx context.Context, userAddress string) (*permissions.DelegationGrant, error)
	RecordUsage(ctx context.Context, userAddress string) error
}

// Builder resolves action names into contract calls.
type Builder interface {
	Build(actionName string, params map[string]interface{}) (*actions.CallSpec, error)
}

// ChainReader covers the funding and nonce reads.
type ChainReader interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error)
}

// GasEstimator fills gas fields, degrading internally on failure.
type GasEstimator interface {
	Estimate(ctx context.Context, op *userop.UserOperation, action string) (userop.GasFields, gas.Source)
}

// OperationSigner authorizes an operation for a specific sender.
type OperationSigner interface {
	Sign(op *userop.UserOperation, authorizedSender common.Address) error
}

// Relayer submits signed operations and waits for their receipts.
type Relayer interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error)
	PollReceipt(ctx context.Context, opHash string) (*userop.Receipt, error)
}

// Executor is the execution orchestrator. It holds no per-request state;
// concurrent requests proceed independently, and quota enforcement is
// delegated to the permission store's atomic counter.
type Executor struct {
	permissions PermissionStore
	builder     Builder
	chain       ChainReader
	estimator   GasEstimator
	signer      OperationSigner
	relayer     Relayer
	logger      *zap.Logger
}

// New wires the pipeline's collaborators together.
func New(
	permissionStore PermissionStore,
	builder Builder,
	chainReader ChainReader,
	estimator GasEstimator,
	operationSigner OperationSigner,
	relayer Relayer,
) *Executor {
	return &Executor{
		permissions: permissionStore,
		builder:     builder,
		chain:       chainReader,
		estimator:   estimator,
		signer:      operationSigner,
		relayer:     relayer,
		logger:      logger.Log,
	}
}

func fail(code Code, state State, reason string, cause error) *PipelineError {
	return &PipelineError{Code: code, State: state, Reason: reason, cause: cause}
}

// Execute runs one request through the pipeline. Component failures halt
// the pipeline with the component's specific error; there is no retry of
// earlier stages, and a submitted operation cannot be retracted. Quota is
// consumed only after a confirmed, successful receipt.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := e.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("user_address", req.UserAddress),
		zap.String("action", req.Action),
	)
	log.Info("Execution requested")

	if !common.IsHexAddress(req.UserAddress) {
		return nil, fail(CodeInvalidParams, StateRequested, "user address is not a valid address", nil)
	}
	sender := common.HexToAddress(req.UserAddress)

	// Permission gate.
	grant, err := e.permissions.Get(ctx, req.UserAddress)
	if err != nil {
		return nil, fail(CodeInternal, StateRequested, "failed to load delegation grant", err)
	}
	now := time.Now()
	switch {
	case grant == nil:
		return nil, fail(CodeUnauthorized, StateRequested, "no delegation grant for user", nil)
	case now.After(grant.ExpiresAt) || now.Equal(grant.ExpiresAt):
		return nil, fail(CodeUnauthorized, StateRequested, "delegation grant has expired", nil)
	case !grant.AllowsAction(req.Action):
		return nil, fail(CodeActionNotAllowed, StatePermissionChecked,
			fmt.Sprintf("action %q is not in the grant's allow-list", req.Action), nil)
	case grant.RemainingOperations() == 0:
		return nil, fail(CodeQuotaExceeded, StatePermissionChecked, "delegation grant quota is exhausted", nil)
	}
	log.Debug("Permission check passed",
		zap.Int64("remaining_operations", grant.RemainingOperations()),
	)

	// Build the call. The funding gate needs the operation's value, so
	// construction precedes it.
	spec, err := e.builder.Build(req.Action, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, actions.ErrUnknownAction):
			return nil, fail(CodeUnknownAction, StatePermissionChecked, err.Error(), err)
		case errors.Is(err, actions.ErrInvalidParams):
			return nil, fail(CodeInvalidParams, StatePermissionChecked, err.Error(), err)
		default:
			return nil, fail(CodeInternal, StatePermissionChecked, "failed to build operation", err)
		}
	}

	// Funding gate: fail fast before any signing or submission round-trip.
	balance, err := e.chain.Balance(ctx, sender)
	if err != nil {
		return nil, fail(CodeInternal, StateBuilt, "failed to check account balance", err)
	}
	if balance.Cmp(spec.Value) < 0 {
		return nil, fail(CodeInsufficientFunds, StateBuilt,
			fmt.Sprintf("account balance %s is below required value %s", balance, spec.Value), nil)
	}

	nonce, err := e.chain.AccountNonce(ctx, sender)
	if err != nil {
		return nil, fail(CodeInternal, StateFundingChecked, "failed to fetch account nonce", err)
	}

	callData, err := userop.PackExecute(spec.Target, spec.Value, spec.CallData)
	if err != nil {
		return nil, fail(CodeInternal, StateFundingChecked, "failed to pack execute call", err)
	}

	op := &userop.UserOperation{
		Sender:           sender,
		Nonce:            hexutil.EncodeBig(nonce),
		InitCode:         "0x",
		CallData:         hexutil.Encode(callData),
		PaymasterAndData: "0x",
		Signature:        "0x",
	}

	// Gas estimation never halts the pipeline; degraded runs proceed on
	// fallback values.
	fields, source := e.estimator.Estimate(ctx, op, req.Action)
	fields.ApplyTo(op)

	if err := e.signer.Sign(op, sender); err != nil {
		// A signing failure implies a configuration or key problem and is
		// never retried.
		return nil, fail(CodeSigningFailed, StateGasEstimated, "failed to sign operation", err)
	}

	opHash, err := e.relayer.SendUserOperation(ctx, op)
	if err != nil {
		return nil, fail(CodeSubmissionRejected, StateSigned, "relayer rejected the operation", err)
	}
	log.Info("Operation submitted",
		zap.String("op_hash", opHash),
		zap.String("gas_source", string(source)),
	)

	receipt, err := e.relayer.PollReceipt(ctx, opHash)
	if err != nil {
		if errors.Is(err, bundler.ErrConfirmationTimeout) {
			// Outcome unknown: the operation may still confirm. No quota
			// is consumed and the caller is told to check later.
			return &Result{
				OperationHash: opHash,
				Pending:       true,
				GasSource:     source,
				DurationMs:    time.Since(start).Milliseconds(),
			}, fail(CodeConfirmationTimeout, StateSubmitted, "operation is pending, check later", err)
		}
		return nil, fail(CodeInternal, StateSubmitted, "failed while waiting for confirmation", err)
	}

	if !receipt.Success {
		return nil, fail(CodeExecutionReverted, StateSubmitted,
			fmt.Sprintf("operation reverted on chain in tx %s", receipt.Receipt.TransactionHash), nil)
	}

	// Confirmed. Quota accounting is tied strictly to this point: a
	// confirmed action is always counted, an unconfirmed one never is.
	if err := e.permissions.RecordUsage(ctx, req.UserAddress); err != nil {
		// The on-chain action already happened; usage bookkeeping
		// failures must not convert a confirmed execution into an error.
		log.Error("Failed to record usage for confirmed execution",
			zap.Error(err),
		)
	}

	result := &Result{
		OperationHash:   opHash,
		TransactionHash: receipt.Receipt.TransactionHash,
		Success:         true,
		GasSource:       source,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	log.Info("Execution confirmed",
		zap.String("tx_hash", result.TransactionHash),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// ErrorCode extracts the stable code from a pipeline error, falling back
// to CodeInternal for unexpected errors.
func ErrorCode(err error) Code {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Code
	}
	return CodeInternal
}

// ErrorReason extracts the human-readable reason from a pipeline error.
func ErrorReason(err error) string {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Reason
	}
	return "internal error"
}
