// Package actions maps allow-listed action names onto concrete contract
// calls. Building is pure and deterministic; the registry performs no I/O.
package actions

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrUnknownAction is returned for action names outside the registry.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidParams is returned when a required parameter is missing or
	// malformed. Parameters never silently default to zero values.
	ErrInvalidParams = errors.New("invalid action parameters")
)

// CallSpec is the resolved on-chain call for an action: the contract to
// call, the native value to attach and the encoded arguments.
type CallSpec struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// RegistryConfig carries the target contracts for actions whose target is
// fixed by deployment rather than by caller parameters.
type RegistryConfig struct {
	PassportContract common.Address
	SwapRouter       common.Address
}

// Registry holds the static action table. Construct once at startup.
type Registry struct {
	actions map[string]actionDef
}

type actionDef struct {
	selector []byte
	args     abi.Arguments

	// encode validates params and produces the target, value and ABI
	// argument list for this action.
	encode func(params map[string]interface{}) (common.Address, *big.Int, []interface{}, error)

	// decode maps unpacked ABI values (plus the call target) back to the
	// action's parameter map.
	decode func(target common.Address, values []interface{}) map[string]interface{}
}

var (
	addressType = mustNewType("address")
	uint256Type = mustNewType("uint256")
	stringType  = mustNewType("string")
)

func mustNewType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func selectorFor(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// NewRegistry builds the action table for the given deployment.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{actions: make(map[string]actionDef)}

	// mint_passport(recipient, token_uri?) -> passport contract.
	// token_uri is the one parameter with an explicit default; an optional
	// mint_fee (wei) becomes the operation's native value.
	r.actions["mint_passport"] = actionDef{
		selector: selectorFor("mintPassport(address,string)"),
		args:     abi.Arguments{{Type: addressType}, {Type: stringType}},
		encode: func(params map[string]interface{}) (common.Address, *big.Int, []interface{}, error) {
			recipient, err := addressParam(params, "recipient")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			tokenURI, err := optionalStringParam(params, "token_uri", "")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			value, err := optionalAmountParam(params, "mint_fee")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			return cfg.PassportContract, value, []interface{}{recipient, tokenURI}, nil
		},
		decode: func(_ common.Address, values []interface{}) map[string]interface{} {
			return map[string]interface{}{
				"recipient": values[0].(common.Address).Hex(),
				"token_uri": values[1].(string),
			}
		},
	}

	// swap(token_in, token_out, amount_in, min_amount_out) -> router.
	r.actions["swap"] = actionDef{
		selector: selectorFor("swapExactTokens(address,address,uint256,uint256)"),
		args: abi.Arguments{
			{Type: addressType}, {Type: addressType},
			{Type: uint256Type}, {Type: uint256Type},
		},
		encode: func(params map[string]interface{}) (common.Address, *big.Int, []interface{}, error) {
			tokenIn, err := addressParam(params, "token_in")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			tokenOut, err := addressParam(params, "token_out")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			amountIn, err := amountParam(params, "amount_in")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			minOut, err := amountParam(params, "min_amount_out")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			return cfg.SwapRouter, big.NewInt(0), []interface{}{tokenIn, tokenOut, amountIn, minOut}, nil
		},
		decode: func(_ common.Address, values []interface{}) map[string]interface{} {
			return map[string]interface{}{
				"token_in":       values[0].(common.Address).Hex(),
				"token_out":      values[1].(common.Address).Hex(),
				"amount_in":      values[2].(*big.Int).String(),
				"min_amount_out": values[3].(*big.Int).String(),
			}
		},
	}

	// transfer_token(token, to, amount): the target is the token contract
	// itself, resolved from the parameters rather than the registry.
	r.actions["transfer_token"] = actionDef{
		selector: selectorFor("transfer(address,uint256)"),
		args:     abi.Arguments{{Type: addressType}, {Type: uint256Type}},
		encode: func(params map[string]interface{}) (common.Address, *big.Int, []interface{}, error) {
			token, err := addressParam(params, "token")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			to, err := addressParam(params, "to")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			amount, err := amountParam(params, "amount")
			if err != nil {
				return common.Address{}, nil, nil, err
			}
			return token, big.NewInt(0), []interface{}{to, amount}, nil
		},
		decode: func(target common.Address, values []interface{}) map[string]interface{} {
			return map[string]interface{}{
				"token":  target.Hex(),
				"to":     values[0].(common.Address).Hex(),
				"amount": values[1].(*big.Int).String(),
			}
		},
	}

	return r
}

// Actions returns the registered action names.
func (r *Registry) Actions() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

// Known reports whether actionName is registered.
func (r *Registry) Known(actionName string) bool {
	_, ok := r.actions[actionName]
	return ok
}

// Build resolves actionName and params into a concrete contract call.
func (r *Registry) Build(actionName string, params map[string]interface{}) (*CallSpec, error) {
	def, ok := r.actions[actionName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionName)
	}

	target, value, args, err := def.encode(params)
	if err != nil {
		return nil, err
	}

	packed, err := def.args.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	return &CallSpec{
		Target:   target,
		Value:    value,
		CallData: append(append([]byte{}, def.selector...), packed...),
	}, nil
}

// Decode recovers the action name and parameters from call data produced
// by Build. The target is needed for actions whose target carries a
// parameter (transfer_token).
func (r *Registry) Decode(target common.Address, callData []byte) (string, map[string]interface{}, error) {
	if len(callData) < 4 {
		return "", nil, fmt.Errorf("%w: call data too short", ErrUnknownAction)
	}

	for name, def := range r.actions {
		if string(callData[:4]) != string(def.selector) {
			continue
		}
		values, err := def.args.Unpack(callData[4:])
		if err != nil {
			return "", nil, fmt.Errorf("failed to unpack %s call data: %w", name, err)
		}
		return name, def.decode(target, values), nil
	}

	return "", nil, fmt.Errorf("%w: unrecognized selector", ErrUnknownAction)
}

// addressParam extracts a required hex address parameter.
func addressParam(params map[string]interface{}, name string) (common.Address, error) {
	raw, ok := params[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: missing %q", ErrInvalidParams, name)
	}
	s, ok := raw.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not a valid address", ErrInvalidParams, name)
	}
	return common.HexToAddress(s), nil
}

// amountParam extracts a required non-negative integer parameter given as
// a base-10 string.
func amountParam(params map[string]interface{}, name string) (*big.Int, error) {
	raw, ok := params[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidParams, name)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a base-10 string", ErrInvalidParams, name)
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is not a valid amount", ErrInvalidParams, name)
	}
	return amount, nil
}

func optionalAmountParam(params map[string]interface{}, name string) (*big.Int, error) {
	if _, ok := params[name]; !ok {
		return big.NewInt(0), nil
	}
	return amountParam(params, name)
}

func optionalStringParam(params map[string]interface{}, name, defaultValue string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return defaultValue, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidParams, name)
	}
	return s, nil
}
