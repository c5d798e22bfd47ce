// Package chain provides the read-only blockchain access the execution
// pipeline needs: account balances for the funding gate and entry-point
// nonces for operation construction.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	getNonceSelector = crypto.Keccak256([]byte("getNonce(address,uint192)"))[:4]
	getNonceArgs     = mustArgs("address", "uint192")
	nonceResultArgs  = mustArgs("uint256")
)

func mustArgs(names ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(names))
	for _, name := range names {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}

// Client wraps an ethclient connection to a single network.
type Client struct {
	eth        *ethclient.Client
	entryPoint common.Address
	logger     *zap.Logger
}

// Dial connects to the chain's read RPC endpoint.
func Dial(ctx context.Context, rpcURL string, entryPoint common.Address) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
	}

	return &Client{
		eth:        eth,
		entryPoint: entryPoint,
		logger:     logger.Log,
	}, nil
}

// Balance returns the native balance of account at the latest block.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// AccountNonce reads the sender's operation nonce from the entry point
// contract (getNonce with the default key).
func (c *Client) AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	packed, err := getNonceArgs.Pack(sender, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.entryPoint,
		Data: append(append([]byte{}, getNonceSelector...), packed...),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("entry point getNonce call failed: %w", err)
	}

	values, err := nonceResultArgs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode getNonce result: %w", err)
	}

	nonce := values[0].(*big.Int)
	c.logger.Debug("Fetched account nonce",
		zap.String("sender", sender.Hex()),
		zap.String("nonce", nonce.String()),
	)
	return nonce, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
