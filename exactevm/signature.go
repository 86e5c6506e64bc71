package exactevm

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AEON-Project/bnb-x402/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner splits a 65-byte EOA signature into r, s, v, normalizes v to
// 0/1, and recovers the signing address from the given digest.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature is not 65 bytes (len=%d)", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)

	v := sig[64]
	if v == 27 || v == 28 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	sig[64] = v

	pubKeyBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal recovered pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// DecodeSignatureHex parses the wire-format signature string (0x-prefixed
// hex) into raw bytes.
func DecodeSignatureHex(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	return hex.DecodeString(sig)
}

// ERC6492Signature is the decoded form of a deferred-deployment signature:
// factory + factory calldata + the inner signature, suffixed by the ERC-6492
// magic bytes.
type ERC6492Signature struct {
	Factory         common.Address
	FactoryCalldata []byte
	InnerSignature  []byte
}

// ParseERC6492 attempts to decode sig as an ERC-6492 wrapped signature:
// abi.encode(factory, factoryCalldata, innerSignature) ++ magicBytes. Returns
// ok=false (not an error) when sig does not carry the magic suffix, since
// that's the expected shape for a plain EOA/EIP-1271 signature.
func ParseERC6492(sig []byte) (decoded ERC6492Signature, ok bool, err error) {
	if len(sig) < 32+len(ERC6492MagicBytes) {
		return ERC6492Signature{}, false, nil
	}
	suffix := sig[len(sig)-len(ERC6492MagicBytes):]
	if !bytesEqual(suffix, ERC6492MagicBytes) {
		return ERC6492Signature{}, false, nil
	}

	body := sig[:len(sig)-len(ERC6492MagicBytes)]
	if len(body) < 96 {
		return ERC6492Signature{}, false, fmt.Errorf("erc-6492 body too short")
	}

	factory := common.BytesToAddress(body[12:32])
	calldataOffset, err := chain.DecodeUint256(body[32:64])
	if err != nil {
		return ERC6492Signature{}, false, fmt.Errorf("decode factory calldata offset: %w", err)
	}
	sigOffset, err := chain.DecodeUint256(body[64:96])
	if err != nil {
		return ERC6492Signature{}, false, fmt.Errorf("decode inner signature offset: %w", err)
	}

	calldata, err := readDynamicBytes(body, calldataOffset.Uint64())
	if err != nil {
		return ERC6492Signature{}, false, fmt.Errorf("decode factory calldata: %w", err)
	}
	inner, err := readDynamicBytes(body, sigOffset.Uint64())
	if err != nil {
		return ERC6492Signature{}, false, fmt.Errorf("decode inner signature: %w", err)
	}

	return ERC6492Signature{Factory: factory, FactoryCalldata: calldata, InnerSignature: inner}, true, nil
}

func readDynamicBytes(body []byte, offset uint64) ([]byte, error) {
	if offset+32 > uint64(len(body)) {
		return nil, fmt.Errorf("offset out of range")
	}
	length, err := chain.DecodeUint256(body[offset : offset+32])
	if err != nil {
		return nil, err
	}
	start := offset + 32
	end := start + length.Uint64()
	if end > uint64(len(body)) {
		return nil, fmt.Errorf("length out of range")
	}
	return body[start:end], nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckEIP1271 calls isValidSignature(bytes32,bytes) on a contract wallet
// and reports whether it returned the EIP-1271 magic value.
func CheckEIP1271(ctx context.Context, gw *chain.Gateway, wallet common.Address, digest [32]byte, signature []byte) (bool, error) {
	selector := chain.Selector("isValidSignature(bytes32,bytes)")
	data := append(append([]byte{}, selector...), chain.PadBytes32(digest)...)
	data = append(data, chain.EncodeDynamicBytes(signature)...)

	result, err := gw.Call(ctx, wallet, data, "latest")
	if err != nil {
		return false, fmt.Errorf("isValidSignature call: %w", err)
	}
	if len(result) < 4 {
		return false, nil
	}
	return "0x"+hex.EncodeToString(result[:4]) == EIP1271MagicValue, nil
}
