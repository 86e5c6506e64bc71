package exactevm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/AEON-Project/bnb-x402/chain"
	"github.com/ethereum/go-ethereum/common"
)

// SettleRequest bundles everything Settle needs.
type SettleRequest struct {
	X402Version int
	Network     string
	Payload     Payload
	Requirement Requirement
	Resource    string // resource URL, forwarded to telemetry only
}

// Settle runs the three-stage settlement pipeline: optional smart-wallet
// deployment (Stage A), sponsored/gasless submission on BSC (Stage B) with
// nonce-conflict retry, and a direct facilitator-contract fallback
// (Stage C).
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	gw, err := e.gatewayFor(req.Requirement.Network)
	if err != nil {
		return nil, err
	}

	auth := req.Payload.Authorization
	value, err := chain.ParseUint256String(auth.Value)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}
	validAfter, err := chain.ParseUint256String(auth.ValidAfter)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}
	validBefore, err := chain.ParseUint256String(auth.ValidBefore)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}
	nonce, err := decodeNonce(auth.Nonce)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}
	sigBytes, err := DecodeSignatureHex(req.Payload.Signature)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidSignature}, nil
	}

	supportsEIP3009, err := e.probes.ProbesEIP3009Support(ctx, gw, gw.ChainID(), req.Requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("eip-3009 capability probe: %w", err)
	}

	// Stage A: optional smart-wallet deployment.
	if e.cfg.DeployERC4337WithEIP6492 {
		if decoded, ok, _ := ParseERC6492(sigBytes); ok {
			code, err := gw.GetCode(ctx, auth.From)
			if err != nil {
				return nil, fmt.Errorf("read payer code before deployment: %w", err)
			}
			if len(code) == 0 {
				receipt, err := e.deploySmartWallet(ctx, gw, decoded)
				if err != nil {
					return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}, nil
				}
				if receipt.Status != 1 {
					return &SettleResult{Success: false, ErrorReason: ReasonInvalidTransactionState, Transaction: receipt.TransactionHash.Hex()}, nil
				}
			}
			sigBytes = decoded.InnerSignature
		}
	}

	calldata := encodeTokenTransferWithAuthorization(req.Requirement.Asset, auth, value, validAfter, validBefore, nonce, !supportsEIP3009, sigBytes)

	// Stage B: sponsored/gasless path, BSC only.
	if e.cfg.Sponsor != nil && gw.ChainID().Cmp(BSCChainID) == 0 {
		if result := e.trySponsored(ctx, gw, req, calldata); result != nil {
			return result, nil
		}
		// Falls through silently to Stage C per spec.
	}

	// Stage C: direct facilitator call.
	return e.settleDirect(ctx, gw, req, calldata)
}

func (e *Engine) deploySmartWallet(ctx context.Context, gw *chain.Gateway, sig ERC6492Signature) (*chain.Receipt, error) {
	fees, err := gw.SuggestFees(ctx, nil)
	if err != nil {
		return nil, err
	}
	gasPrice := fees.GasPrice
	if !fees.Legacy {
		gasPrice = fees.MaxFeePerGas
	}

	txHash, err := gw.SignAndSend(ctx, e.cfg.FacilitatorKey, sig.Factory, nil, 500_000, gasPrice, sig.FactoryCalldata)
	if err != nil {
		return nil, err
	}
	return gw.WaitForReceipt(ctx, txHash, 0)
}

// trySponsored attempts Stage B. Returns nil (not an error) to signal "fall
// through to Stage C", and a non-nil result only on a conclusive outcome
// (success or a settlement-worthy failure other than sponsorship refusal).
func (e *Engine) trySponsored(ctx context.Context, gw *chain.Gateway, req SettleRequest, calldata []byte) *SettleResult {
	validateResp, err := e.cfg.Sponsor.Validate(ctx, SponsorValidateRequest{
		Chain:    gw.ChainID(),
		To:       FacilitatorAddress,
		Data:     calldata,
		From:     e.facilitatorAddr,
		PolicyID: e.cfg.PolicyID,
	})
	if err != nil || validateResp == nil || !validateResp.Sponsorable {
		return nil
	}

	nonce := validateResp.TentativeNonce
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxNonceRetries; attempt++ {
		txHash, err := e.cfg.Sponsor.Submit(ctx, e.cfg.FacilitatorKey, gw.ChainID(), FacilitatorAddress, calldata, nonce)
		if err == nil {
			receipt, waitErr := gw.WaitForReceipt(ctx, txHash, 0)
			if waitErr != nil {
				return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError, Transaction: txHash.Hex()}
			}
			if receipt.Status != 1 {
				return &SettleResult{Success: false, ErrorReason: ReasonInvalidTransactionState, Transaction: txHash.Hex()}
			}

			if e.cfg.Telemetry != nil {
				e.cfg.Telemetry.Record(ScanRecord{
					From: req.Payload.Authorization.From.Hex(), To: req.Payload.Authorization.To.Hex(),
					Value: req.Payload.Authorization.Value, Nonce: req.Payload.Authorization.Nonce,
					Network: req.Network, Resource: req.Resource,
					TransactionHash: txHash.Hex(), Timestamp: time.Now(),
				})
			}
			return &SettleResult{Success: true, Transaction: txHash.Hex(), Network: req.Network, Payer: req.Payload.Authorization.From, SettledAt: time.Now()}
		}

		lastErr = err
		wait, refetchLatest, isNonceErr := classifyNonceError(err, attempt)
		if !isNonceErr {
			return nil // non-nonce error, fall through to Stage C
		}

		block := "pending"
		if refetchLatest {
			block = "latest"
		}
		refetched, fetchErr := gw.TransactionCount(ctx, e.facilitatorAddr, block)
		if fetchErr == nil {
			nonce = refetched
		}

		select {
		case <-ctx.Done():
			return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}
		case <-time.After(wait):
		}
	}

	_ = lastErr
	return nil // retries exhausted without a conclusive outcome, fall through
}

// classifyNonceError buckets a submission error into a backoff/refetch
// strategy per spec §4.2's retry table.
func classifyNonceError(err error, attempt int) (wait time.Duration, refetchLatest bool, isNonceErr bool) {
	msg := strings.ToLower(err.Error())
	n := time.Duration(attempt + 1)

	switch {
	case strings.Contains(msg, "nonce too low"):
		return 2 * time.Second * n, false, true
	case strings.Contains(msg, "nonce too high"):
		return 500 * time.Millisecond, true, true
	case strings.Contains(msg, "already used") || strings.Contains(msg, "already known"):
		return time.Duration(1500) * time.Millisecond * n, false, true
	case strings.Contains(msg, "nonce"):
		return time.Second * n, false, true
	default:
		return 0, false, false
	}
}

func (e *Engine) settleDirect(ctx context.Context, gw *chain.Gateway, req SettleRequest, calldata []byte) (*SettleResult, error) {
	fees, err := gw.SuggestFees(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("suggest fees: %w", err)
	}
	gasPrice := fees.GasPrice
	if !fees.Legacy {
		gasPrice = fees.MaxFeePerGas
	}

	gasLimit, gasErr := gw.EstimateGas(ctx, e.facilitatorAddr, FacilitatorAddress, calldata, nil)
	if gasErr != nil {
		if reason, matched := classifyGasEstimateError(gasErr); matched {
			return &SettleResult{Success: false, ErrorReason: reason}, nil
		}
		gasLimit = 300_000
	}

	var txHash common.Hash
	var lastErr error
	nonceBlock := "pending"

	for attempt := 0; attempt < e.cfg.MaxNonceRetries; attempt++ {
		hash, err := gw.SignAndSendWithNonceBlock(ctx, e.cfg.FacilitatorKey, FacilitatorAddress, big.NewInt(0), gasLimit, gasPrice, calldata, nonceBlock)
		if err == nil {
			txHash = hash
			lastErr = nil
			break
		}

		lastErr = err
		if strings.Contains(strings.ToLower(err.Error()), "timed out") {
			// A viem-style timeout: no hash to preserve here since the RPC
			// call itself failed before returning one.
			return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}, nil
		}

		wait, refetchLatest, isNonceErr := classifyNonceError(err, attempt)
		if !isNonceErr {
			if reason, matched := classifyGasEstimateError(err); matched {
				return &SettleResult{Success: false, ErrorReason: reason}, nil
			}
			return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}, nil
		}
		nonceBlock = "pending"
		if refetchLatest {
			nonceBlock = "latest"
		}

		select {
		case <-ctx.Done():
			return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}, nil
		case <-time.After(wait):
		}
	}

	if lastErr != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError}, nil
	}

	receipt, err := gw.WaitForReceipt(ctx, txHash, 0)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: ReasonUnexpectedSettleError, Transaction: txHash.Hex()}, nil
	}
	if receipt.Status != 1 {
		return &SettleResult{Success: false, ErrorReason: ReasonInvalidTransactionState, Transaction: txHash.Hex()}, nil
	}

	return &SettleResult{
		Success:     true,
		Transaction: txHash.Hex(),
		Network:     req.Network,
		Payer:       req.Payload.Authorization.From,
		SettledAt:   time.Now(),
	}, nil
}
