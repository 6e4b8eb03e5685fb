package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI covers the fragment of the ERC-20 / ERC-3009 surface the
// scheme touches.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"transferWithAuthorization","type":"function","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],"outputs":[]}
]`

var tokenABI = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Method selectors used when decoding calldata and probing contracts.
var (
	transferSelector          = tokenABI.Methods["transfer"].ID
	transferWithAuthzSelector = tokenABI.Methods["transferWithAuthorization"].ID
)

// packTransferWithAuthorization encodes the ERC-3009 settlement call. The
// 65-byte signature splits into (r, s, v).
func packTransferWithAuthorization(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return tokenABI.Pack("transferWithAuthorization", from, to, value, validAfter, validBefore, nonce, v, r, s)
}

// decodeTransferCall decodes ERC-20 transfer(to, value) calldata. The
// boolean is false when the calldata is some other method.
func decodeTransferCall(data []byte) (common.Address, *big.Int, bool, error) {
	if len(data) < 4 || string(data[:4]) != string(transferSelector) {
		return common.Address{}, nil, false, nil
	}
	args, err := tokenABI.Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, false, fmt.Errorf("failed to decode transfer calldata: %w", err)
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, false, fmt.Errorf("unexpected transfer recipient type %T", args[0])
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, false, fmt.Errorf("unexpected transfer value type %T", args[1])
	}
	return to, value, true, nil
}

// packNameCall encodes a name() call used to resolve the token's EIP-712
// domain name.
func packNameCall() []byte {
	data, err := tokenABI.Pack("name")
	if err != nil {
		panic(err)
	}
	return data
}

// packCall encodes a no-argument view call, used for symbol() and
// decimals() lookups.
func packCall(method string) []byte {
	data, err := tokenABI.Pack(method)
	if err != nil {
		panic(err)
	}
	return data
}

// unpackStringResult decodes a single string return value.
func unpackStringResult(method string, data []byte) (string, error) {
	args, err := tokenABI.Methods[method].Outputs.Unpack(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	out, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s result type %T", method, args[0])
	}
	return out, nil
}

// unpackDecimalsResult decodes the decimals() return value.
func unpackDecimalsResult(data []byte) (uint8, error) {
	args, err := tokenABI.Methods["decimals"].Outputs.Unpack(data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode token decimals: %w", err)
	}
	decimals, ok := args[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected token decimals type %T", args[0])
	}
	return decimals, nil
}

// unpackNameResult decodes the name() return value.
func unpackNameResult(data []byte) (string, error) {
	args, err := tokenABI.Methods["name"].Outputs.Unpack(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode token name: %w", err)
	}
	name, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected token name type %T", args[0])
	}
	return name, nil
}
