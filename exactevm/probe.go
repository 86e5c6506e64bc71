package exactevm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/AEON-Project/bnb-x402/chain"
	"github.com/ethereum/go-ethereum/common"
)

// ProbeCache memoizes whether an asset implements EIP-3009's
// transferWithAuthorization, keyed by (chainId, asset). Entries are
// monotonically populated and never invalidated within a process lifetime,
// matching spec's concurrency model — a concurrent map is sufficient, no
// generation counter is needed.
type ProbeCache struct {
	mu sync.RWMutex
	m  map[string]bool
}

// NewProbeCache returns an empty cache.
func NewProbeCache() *ProbeCache {
	return &ProbeCache{m: make(map[string]bool)}
}

func probeCacheKey(chainID *big.Int, asset common.Address) string {
	return chainID.String() + ":" + strings.ToLower(asset.Hex())
}

// ProbesEIP3009Support reports whether asset implements
// transferWithAuthorization, issuing a zero-argument view call and
// classifying the revert when the answer isn't already cached.
func (c *ProbeCache) ProbesEIP3009Support(ctx context.Context, gw *chain.Gateway, chainID *big.Int, asset common.Address) (bool, error) {
	key := probeCacheKey(chainID, asset)

	c.mu.RLock()
	if cached, ok := c.m[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	supported, err := probeTransferWithAuthorization(ctx, gw, asset)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.m[key] = supported
	c.mu.Unlock()

	return supported, nil
}

func probeTransferWithAuthorization(ctx context.Context, gw *chain.Gateway, asset common.Address) (bool, error) {
	selector := chain.Selector(SigTransferWithAuthorization)
	zero32 := [32]byte{}
	data := selector
	data = append(data, chain.PadAddress(common.Address{})...) // from
	data = append(data, chain.PadAddress(common.Address{})...) // to
	data = append(data, chain.PadUint256(big.NewInt(0))...)    // value
	data = append(data, chain.PadUint256(big.NewInt(0))...)    // validAfter
	data = append(data, chain.PadUint256(big.NewInt(0))...)    // validBefore
	data = append(data, chain.PadBytes32(zero32)...)           // nonce
	data = append(data, chain.PadUint8(0)...)                  // v
	data = append(data, chain.PadBytes32(zero32)...)           // r
	data = append(data, chain.PadBytes32(zero32)...)           // s

	_, err := gw.Call(ctx, asset, data, "latest")
	if err == nil {
		// A zero-argument call that doesn't even revert is unusual but
		// still proves the function exists.
		return true, nil
	}

	return classifyProbeRevert(err), nil
}

// classifyProbeRevert inspects a failed probe call's error message and
// decides whether it indicates the function is absent, present (but
// rejecting these particular zero arguments), or ambiguous. Ambiguous
// results are treated as absent, per spec's conservative default.
func classifyProbeRevert(err error) bool {
	msg := strings.ToLower(err.Error())

	presenceMarkers := []string{
		"authorization is expired",
		"authorization expired",
		"authorization is used",
		"authorization already used",
		"authorization is not yet valid",
		"invalid signature length",
		"invalid signature",
	}
	for _, marker := range presenceMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	absenceMarkers := []string{
		"function does not exist",
		"function selector was not recognized",
		"unknown selector",
	}
	for _, marker := range absenceMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	var rpcErr *chain.RPCError
	if asRPCError(err, &rpcErr) {
		if rpcErr.Data == "" || rpcErr.Data == "0x" {
			return false // empty-message revert, classic "function doesn't exist" shape
		}
	}

	return false // ambiguous -> absent, conservative
}

func asRPCError(err error, target **chain.RPCError) bool {
	rpcErr, ok := err.(*chain.RPCError)
	if ok {
		*target = rpcErr
	}
	return ok
}

// ErrProbeFailed wraps an unexpected (non-revert) transport error from the
// capability probe, distinguishing it from a successful absence/presence
// classification.
type ErrProbeFailed struct {
	Asset common.Address
	Cause error
}

func (e *ErrProbeFailed) Error() string {
	return fmt.Sprintf("probe transferWithAuthorization on %s: %v", e.Asset.Hex(), e.Cause)
}

func (e *ErrProbeFailed) Unwrap() error { return e.Cause }
