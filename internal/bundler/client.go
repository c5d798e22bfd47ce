// Package bundler is the JSON-RPC client for the external relayer that
// accepts user operations and eventually lands them on chain.
package bundler

import (
	"context"
	"time"

	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrSubmissionRejected is returned when the relayer refuses an
	// operation outright.
	ErrSubmissionRejected = pkgerrors.New("bundler rejected user operation")

	// ErrConfirmationTimeout is returned when polling exhausts its attempt
	// budget. The operation may still confirm later; the outcome is
	// unknown, not failed.
	ErrConfirmationTimeout = pkgerrors.New("user operation confirmation timed out")
)

// GasEstimate is the relayer's response to eth_estimateUserOperationGas.
// Fee fields are optional; not every bundler returns them.
type GasEstimate struct {
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// Config controls the confirmation polling loop. Both values are
// injectable so tests can run the loop on a fast clock.
type Config struct {
	PollInterval time.Duration
	PollAttempts int
}

// Client talks to a single bundler endpoint.
type Client struct {
	rpc        *rpc.Client
	entryPoint common.Address
	cfg        Config
	logger     *zap.Logger
}

// Dial connects to the bundler's JSON-RPC endpoint.
func Dial(ctx context.Context, url string, entryPoint common.Address, cfg Config) (*Client, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to bundler")
	}
	return NewClient(client, entryPoint, cfg), nil
}

// NewClient wraps an established RPC connection.
func NewClient(client *rpc.Client, entryPoint common.Address, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	return &Client{
		rpc:        client,
		entryPoint: entryPoint,
		cfg:        cfg,
		logger:     logger.Log,
	}
}

// EstimateUserOperationGas asks the relayer to simulate the operation and
// return gas parameters.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	var estimate GasEstimate
	err := c.rpc.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, c.entryPoint)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "gas estimation failed")
	}
	return &estimate, nil
}

// SendUserOperation submits a signed operation and returns the relayer's
// operation hash.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error) {
	var opHash string
	err := c.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", op, c.entryPoint)
	if err != nil {
		return "", pkgerrors.Wrap(ErrSubmissionRejected, err.Error())
	}

	c.logger.Info("Submitted user operation",
		zap.String("op_hash", opHash),
		zap.String("sender", op.Sender.Hex()),
	)
	return opHash, nil
}

// GetUserOperationReceipt fetches the receipt for opHash, returning nil
// while the operation is still pending.
func (c *Client) GetUserOperationReceipt(ctx context.Context, opHash string) (*userop.Receipt, error) {
	var receipt *userop.Receipt
	err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch operation receipt")
	}
	return receipt, nil
}

// PollReceipt polls for the operation's receipt at a fixed interval up to
// the configured attempt budget. Exhausting the budget returns
// ErrConfirmationTimeout: the operation's fate is unknown, and callers
// must report it as pending rather than failed.
func (c *Client) PollReceipt(ctx context.Context, opHash string) (*userop.Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		receipt, err := c.GetUserOperationReceipt(ctx, opHash)
		if err != nil {
			c.logger.Warn("Receipt poll failed",
				zap.String("op_hash", opHash),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if receipt != nil {
			c.logger.Info("User operation confirmed",
				zap.String("op_hash", opHash),
				zap.String("tx_hash", receipt.Receipt.TransactionHash),
				zap.Bool("success", receipt.Success),
				zap.Int("attempts", attempt),
			)
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return nil, pkgerrors.Wrapf(ErrConfirmationTimeout, "op %s after %d attempts", opHash, c.cfg.PollAttempts)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}
