// Package gas fills a user operation's gas fields, preferring a live
// relayer estimate and degrading to conservative static values when the
// relayer cannot answer. A too-low estimate guarantees an on-chain
// revert; an inflated one only wastes refundable margin, so availability
// wins over precision here.
package gas

import (
	"context"
	"math/big"
	"time"

	"github.com/cyphera/delegation-server/internal/bundler"
	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/userop"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// Source records which branch produced the gas fields, so degraded runs
// stay observable and testable.
type Source string

const (
	// SourceEstimated marks gas fields from a live relayer estimate.
	SourceEstimated Source = "estimated"
	// SourceFallback marks static fallback values after a failed estimate.
	SourceFallback Source = "fallback"
)

// Relayer is the slice of the bundler client the estimator needs.
type Relayer interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*bundler.GasEstimate, error)
}

// Config tunes the estimator. Fallback limits are tunable per action;
// actions without an override use Default.
type Config struct {
	Timeout   time.Duration
	Default   userop.GasFields
	PerAction map[string]userop.GasFields
}

// DefaultFallback returns static limits generous enough for any
// registered action.
func DefaultFallback() userop.GasFields {
	return userop.GasFields{
		CallGasLimit:         big.NewInt(500_000),
		VerificationGasLimit: big.NewInt(1_500_000),
		PreVerificationGas:   big.NewInt(100_000),
		MaxFeePerGas:         big.NewInt(150_000_000_000), // 150 gwei
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),   // 2 gwei
	}
}

// Estimator queries the relayer for gas parameters with a bounded
// timeout, well below the pipeline's own budget.
type Estimator struct {
	relayer Relayer
	cfg     Config
	logger  *zap.Logger
}

// NewEstimator creates an estimator over the given relayer.
func NewEstimator(relayer Relayer, cfg Config) *Estimator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Default.CallGasLimit == nil {
		cfg.Default = DefaultFallback()
	}
	return &Estimator{
		relayer: relayer,
		cfg:     cfg,
		logger:  logger.Log,
	}
}

// Estimate returns gas fields for op, never an error: any relayer failure
// selects the fallback branch. The action name selects per-action
// fallback overrides.
func (e *Estimator) Estimate(ctx context.Context, op *userop.UserOperation, action string) (userop.GasFields, Source) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	estimate, err := e.relayer.EstimateUserOperationGas(ctx, op)
	if err != nil {
		e.logger.Warn("Gas estimation degraded to static fallback",
			zap.String("action", action),
			zap.String("sender", op.Sender.Hex()),
			zap.Error(err),
		)
		return e.fallback(action), SourceFallback
	}

	fields, err := e.parse(estimate, action)
	if err != nil {
		e.logger.Warn("Gas estimation returned malformed values, using static fallback",
			zap.String("action", action),
			zap.Error(err),
		)
		return e.fallback(action), SourceFallback
	}

	e.logger.Debug("Gas estimation succeeded",
		zap.String("action", action),
		zap.String("call_gas_limit", fields.CallGasLimit.String()),
	)
	return fields, SourceEstimated
}

func (e *Estimator) fallback(action string) userop.GasFields {
	if override, ok := e.cfg.PerAction[action]; ok {
		return override
	}
	return e.cfg.Default
}

// parse converts the relayer's hex quantities. Fee fields are optional in
// the estimate response; missing ones are filled from the fallback set.
func (e *Estimator) parse(estimate *bundler.GasEstimate, action string) (userop.GasFields, error) {
	fallback := e.fallback(action)

	callGas, err := requiredQuantity(estimate.CallGasLimit)
	if err != nil {
		return userop.GasFields{}, err
	}
	verificationGas, err := requiredQuantity(estimate.VerificationGasLimit)
	if err != nil {
		return userop.GasFields{}, err
	}
	preVerificationGas, err := requiredQuantity(estimate.PreVerificationGas)
	if err != nil {
		return userop.GasFields{}, err
	}
	maxFee, err := optionalQuantity(estimate.MaxFeePerGas, fallback.MaxFeePerGas)
	if err != nil {
		return userop.GasFields{}, err
	}
	maxPriorityFee, err := optionalQuantity(estimate.MaxPriorityFeePerGas, fallback.MaxPriorityFeePerGas)
	if err != nil {
		return userop.GasFields{}, err
	}

	return userop.GasFields{
		CallGasLimit:         callGas,
		VerificationGasLimit: verificationGas,
		PreVerificationGas:   preVerificationGas,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriorityFee,
	}, nil
}

func requiredQuantity(s string) (*big.Int, error) {
	return hexutil.DecodeBig(s)
}

func optionalQuantity(s string, fallback *big.Int) (*big.Int, error) {
	if s == "" {
		return fallback, nil
	}
	return hexutil.DecodeBig(s)
}
