package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data using the legacy Keccak-256
// variant Ethereum uses for function selectors and EIP-712 hashing.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a Solidity signature
// such as "transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)".
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

// PadAddress left-pads an address to 32 bytes for ABI encoding.
func PadAddress(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr.Bytes())
	return out
}

// PadUint256 left-pads a big.Int to 32 bytes.
func PadUint256(v *big.Int) []byte {
	out := make([]byte, 32)
	if v == nil {
		return out
	}
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// PadUint8 left-pads a small uint to 32 bytes.
func PadUint8(v uint8) []byte {
	out := make([]byte, 32)
	out[31] = v
	return out
}

// PadBytes32 copies a fixed 32-byte value verbatim (no padding needed, but
// validates length to avoid silently truncating a miscomputed hash).
func PadBytes32(v [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, v[:])
	return out
}

// EncodeDynamicBytes ABI-encodes a variable-length bytes argument as it
// appears in the tail of a calldata blob: 32-byte length, then the bytes
// right-padded to a multiple of 32.
func EncodeDynamicBytes(b []byte) []byte {
	length := PadUint256(big.NewInt(int64(len(b))))
	padded := make([]byte, ((len(b)+31)/32)*32)
	copy(padded, b)
	return append(length, padded...)
}

// PadBool encodes a bool as a right-aligned 32-byte word.
func PadBool(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

// DecodeUint256 reads a single big-endian 32-byte word from returned
// calldata, as produced by balanceOf/allowance-style view calls.
func DecodeUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("short return data: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[len(data)-32:]), nil
}

// DecodeBool reads a single bool-as-uint256 word.
func DecodeBool(data []byte) (bool, error) {
	v, err := DecodeUint256(data)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// ParseUint256String parses a decimal or 0x-prefixed hex integer string,
// matching the authorization fields' wire format (always a string).
func ParseUint256String(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer string")
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid integer string %q", s)
	}
	return v, nil
}
