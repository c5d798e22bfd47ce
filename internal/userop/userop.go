// Package userop defines the account-abstraction operation structure
// exchanged with the bundler, plus the packing and hashing rules the
// controlled account's verification logic expects.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the EIP-4337 operation submitted to the bundler.
// Numeric fields travel as hex quantity strings, matching the bundler's
// JSON-RPC wire format.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                string         `json:"nonce"`
	InitCode             string         `json:"initCode"`
	CallData             string         `json:"callData"`
	CallGasLimit         string         `json:"callGasLimit"`
	VerificationGasLimit string         `json:"verificationGasLimit"`
	PreVerificationGas   string         `json:"preVerificationGas"`
	MaxFeePerGas         string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string         `json:"paymasterAndData"`
	Signature            string         `json:"signature"`
}

// GasFields holds the gas parameters of an operation in native form.
type GasFields struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ApplyTo writes the gas fields onto op in wire format.
func (g GasFields) ApplyTo(op *UserOperation) {
	op.CallGasLimit = hexutil.EncodeBig(g.CallGasLimit)
	op.VerificationGasLimit = hexutil.EncodeBig(g.VerificationGasLimit)
	op.PreVerificationGas = hexutil.EncodeBig(g.PreVerificationGas)
	op.MaxFeePerGas = hexutil.EncodeBig(g.MaxFeePerGas)
	op.MaxPriorityFeePerGas = hexutil.EncodeBig(g.MaxPriorityFeePerGas)
}

// Receipt is the bundler's record of an operation that made it on chain.
type Receipt struct {
	UserOpHash    string             `json:"userOpHash"`
	Sender        string             `json:"sender"`
	Nonce         string             `json:"nonce"`
	Success       bool               `json:"success"`
	ActualGasCost string             `json:"actualGasCost"`
	ActualGasUsed string             `json:"actualGasUsed"`
	Reason        string             `json:"reason,omitempty"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// TransactionReceipt is the inner on-chain transaction the bundler's batch
// landed in.
type TransactionReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
}

var (
	addressType = mustNewType("address")
	uint256Type = mustNewType("uint256")
	bytesType   = mustNewType("bytes")
	bytes32Type = mustNewType("bytes32")

	executeArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytesType},
	}

	packArgs = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // keccak(initCode)
		{Type: bytes32Type}, // keccak(callData)
		{Type: uint256Type}, // callGasLimit
		{Type: uint256Type}, // verificationGasLimit
		{Type: uint256Type}, // preVerificationGas
		{Type: uint256Type}, // maxFeePerGas
		{Type: uint256Type}, // maxPriorityFeePerGas
		{Type: bytes32Type}, // keccak(paymasterAndData)
	}

	hashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}

	executeSelector = crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4]
)

func mustNewType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// PackExecute wraps a target call into the controlled account's
// execute(address,uint256,bytes) entry point.
func PackExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	packed, err := executeArgs.Pack(target, value, data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute call: %w", err)
	}
	return append(append([]byte{}, executeSelector...), packed...), nil
}

// UnpackExecute recovers the target, value and inner call data from
// execute(address,uint256,bytes) call data.
func UnpackExecute(callData []byte) (common.Address, *big.Int, []byte, error) {
	if len(callData) < 4 {
		return common.Address{}, nil, nil, fmt.Errorf("call data too short")
	}
	if string(callData[:4]) != string(executeSelector) {
		return common.Address{}, nil, nil, fmt.Errorf("not an execute call")
	}

	values, err := executeArgs.Unpack(callData[4:])
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("failed to unpack execute call: %w", err)
	}

	target := values[0].(common.Address)
	value := values[1].(*big.Int)
	data := values[2].([]byte)
	return target, value, data, nil
}

// Hash computes the operation hash the account's verifier checks:
// keccak(abi.encode(packed-op-hash, entryPoint, chainID)), where the
// packed hash covers every field except the signature.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	nonce, err := quantity(op.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid nonce: %w", err)
	}
	callGas, err := quantity(op.CallGasLimit)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid callGasLimit: %w", err)
	}
	verificationGas, err := quantity(op.VerificationGasLimit)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid verificationGasLimit: %w", err)
	}
	preVerificationGas, err := quantity(op.PreVerificationGas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid preVerificationGas: %w", err)
	}
	maxFee, err := quantity(op.MaxFeePerGas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid maxFeePerGas: %w", err)
	}
	maxPriorityFee, err := quantity(op.MaxPriorityFeePerGas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
	}

	packed, err := packArgs.Pack(
		op.Sender,
		nonce,
		crypto.Keccak256Hash(common.FromHex(op.InitCode)),
		crypto.Keccak256Hash(common.FromHex(op.CallData)),
		callGas,
		verificationGas,
		preVerificationGas,
		maxFee,
		maxPriorityFee,
		crypto.Keccak256Hash(common.FromHex(op.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack operation: %w", err)
	}

	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode operation hash: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// quantity parses a hex quantity string, treating empty and "0x" as zero.
func quantity(s string) (*big.Int, error) {
	if s == "" || s == "0x" {
		return big.NewInt(0), nil
	}
	return hexutil.DecodeBig(s)
}
