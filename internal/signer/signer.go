// Package signer produces the authorization signature the controlled
// account's verifier checks. The signing key is injected once at
// construction and never leaves this package; callers cannot supply or
// override it per request.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/cyphera/delegation-server/internal/userop"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSenderMismatch is returned when an operation's sender is not the
// account the delegate is authorized to control for this request.
var ErrSenderMismatch = errors.New("operation sender does not match authorized account")

// Signer signs user operations with the delegate's key.
type Signer struct {
	key        *ecdsa.PrivateKey
	address    common.Address
	entryPoint common.Address
	chainID    *big.Int
}

// New creates a Signer from a hex-encoded private key. The key comes from
// process configuration, never from request input.
func New(privateKeyHex string, entryPoint common.Address, chainID int64) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	return &Signer{
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		entryPoint: entryPoint,
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the delegate signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign computes the operation hash, applies the EIP-191 prefix and signs
// with the delegate key, writing the signature onto op. It refuses any
// operation whose sender differs from authorizedSender: the grant check
// decides which account the delegate may control, and the signer enforces
// that decision structurally.
func (s *Signer) Sign(op *userop.UserOperation, authorizedSender common.Address) error {
	if op.Sender != authorizedSender {
		return fmt.Errorf("%w: sender %s, authorized %s",
			ErrSenderMismatch, op.Sender.Hex(), authorizedSender.Hex())
	}

	opHash, err := op.Hash(s.entryPoint, s.chainID)
	if err != nil {
		return fmt.Errorf("failed to hash operation: %w", err)
	}

	// The account's validation contract recovers over the prefixed hash.
	signature, err := crypto.Sign(accounts.TextHash(opHash.Bytes()), s.key)
	if err != nil {
		return fmt.Errorf("failed to sign operation: %w", err)
	}

	// Recovery id to Ethereum convention.
	signature[64] += 27

	op.Signature = hexutil.Encode(signature)
	return nil
}
