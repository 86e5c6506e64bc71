package exactevm

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/AEON-Project/bnb-x402/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// FacilitatorKey signs the facilitator's own settlement transactions
	// (Stage B's sponsored-path submission and Stage C's direct call). It
	// never signs on the payer's behalf.
	FacilitatorKey *ecdsa.PrivateKey

	// Sponsor is optional; when set and the target chain is BSC, Settle
	// attempts Stage B before falling back to the direct path.
	Sponsor SponsorClient

	// PolicyID identifies the paymaster policy Sponsor.Validate should
	// evaluate the call against (the paymaster's policyUUID).
	PolicyID string

	// Telemetry receives fire-and-forget scan records on sponsored-path
	// success. Nil disables telemetry entirely.
	Telemetry *Sink

	// MaxNonceRetries bounds Stage B/C's nonce-conflict retry loop.
	// Defaults to 5.
	MaxNonceRetries int

	// DeployERC4337WithEIP6492 enables Stage A (smart-wallet deployment)
	// when a payload's signature decodes as ERC-6492.
	DeployERC4337WithEIP6492 bool
}

// Engine is the SchemeEngine for the "exact" scheme on EVM chains.
type Engine struct {
	cfg             EngineConfig
	probes          *ProbeCache
	facilitatorAddr common.Address

	mu       sync.Mutex
	gateways map[string]*chain.Gateway
}

// NewEngine constructs an Engine. Chain gateways are created lazily per
// network on first use so the engine can serve any network ResolveRPCURL
// knows about without upfront configuration.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxNonceRetries == 0 {
		cfg.MaxNonceRetries = 5
	}
	e := &Engine{
		cfg:      cfg,
		probes:   NewProbeCache(),
		gateways: make(map[string]*chain.Gateway),
	}
	if cfg.FacilitatorKey != nil {
		e.facilitatorAddr = crypto.PubkeyToAddress(cfg.FacilitatorKey.PublicKey)
	}
	return e
}

// WithGateway injects a pre-built gateway for network, bypassing
// ResolveRPCURL. Used by tests to point at a fake RPC server.
func (e *Engine) WithGateway(network string, gw *chain.Gateway) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gateways[network] = gw
	return e
}

func (e *Engine) gatewayFor(network string) (*chain.Gateway, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gw, ok := e.gateways[network]; ok {
		return gw, nil
	}

	gw, err := chain.NewGateway(chain.GatewayConfig{Network: network})
	if err != nil {
		return nil, fmt.Errorf("build gateway for network %q: %w", network, err)
	}
	e.gateways[network] = gw
	return gw, nil
}

// VerifyRequest bundles everything Verify needs.
type VerifyRequest struct {
	X402Version     int
	Scheme          string // payload's scheme, must equal requirement.Scheme and SchemeName
	RequirementScheme string
	Network         string // payload's accepted network (CAIP-2)
	Payload         Payload
	Requirement     Requirement
}

// Verify runs the seven ordered checks from the SchemeEngine's verify
// state machine, returning at the first failure.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	// 1. Scheme/version guards.
	if req.Scheme != SchemeName || req.RequirementScheme != SchemeName {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}
	if req.X402Version < 1 {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidX402Version}, nil
	}

	// 2. Network match.
	if req.Network != req.Requirement.Network {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonNetworkMismatch}, nil
	}

	gw, err := e.gatewayFor(req.Requirement.Network)
	if err != nil {
		return nil, err
	}

	// 3. Capability probe.
	supportsEIP3009, err := e.probes.ProbesEIP3009Support(ctx, gw, gw.ChainID(), req.Requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("eip-3009 capability probe: %w", err)
	}

	if supportsEIP3009 && req.Requirement.DomainName == "" {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonMissingEIP712Domain}, nil
	}

	auth := req.Payload.Authorization
	value, err := chain.ParseUint256String(auth.Value)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	validAfter, err := chain.ParseUint256String(auth.ValidAfter)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	validBefore, err := chain.ParseUint256String(auth.ValidBefore)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	nonce, err := decodeNonce(auth.Nonce)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	sigBytes, err := DecodeSignatureHex(req.Payload.Signature)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidSignature}, nil
	}

	// 4. Authorization gas simulation against the facilitator contract.
	calldata := encodeTokenTransferWithAuthorization(req.Requirement.Asset, auth, value, validAfter, validBefore, nonce, !supportsEIP3009, sigBytes)
	_, gasErr := gw.EstimateGas(ctx, e.facilitatorAddr, FacilitatorAddress, calldata, nil)

	if gasErr != nil {
		if reason, matched := classifyGasEstimateError(gasErr); matched {
			return &VerifyResult{IsValid: false, InvalidReason: reason}, nil
		}

		// 5. Smart-wallet / EIP-6492 analysis, only for long signatures.
		if len(sigBytes) > 65 {
			result, err := e.analyzeSmartWallet(ctx, gw, auth.From, sigBytes)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		}
		// Ambiguous gas-estimate failure with a short signature: treat the
		// signature itself as the culprit.
		if len(sigBytes) == 65 {
			if _, recoverErr := recoverForRequirement(req.Requirement, gw.ChainID(), req.Requirement.Asset, supportsEIP3009, auth, value, validAfter, validBefore, nonce, sigBytes); recoverErr != nil {
				return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidSignature}, nil
			}
		}
	}

	// 6. Field-level semantic checks.
	if auth.To != req.Requirement.PayTo {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonRecipientMismatch}, nil
	}

	now := big.NewInt(time.Now().Unix())
	if validBefore.Cmp(new(big.Int).Add(now, big.NewInt(minBlockTimeBuffer))) < 0 {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidValidBefore}, nil
	}
	if validAfter.Cmp(now) > 0 {
		return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidValidAfter}, nil
	}

	if req.Requirement.RequiredAmount != nil {
		balance, balErr := gw.BalanceOf(ctx, req.Requirement.Asset, auth.From)
		if balErr == nil && balance.Cmp(req.Requirement.RequiredAmount) < 0 {
			return &VerifyResult{IsValid: false, InvalidReason: ReasonInsufficientFunds}, nil
		}
		// Read failures are tolerated per spec; verification continues.

		if value.Cmp(req.Requirement.RequiredAmount) < 0 {
			return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidAuthorizationValue}, nil
		}
	}

	// 7. Success.
	return &VerifyResult{IsValid: true, Payer: auth.From}, nil
}

// analyzeSmartWallet implements verify step 5. It returns a non-nil result
// when the gas-estimate failure is conclusively explained by smart-wallet
// state, or nil to signal the caller should continue past step 5.
func (e *Engine) analyzeSmartWallet(ctx context.Context, gw *chain.Gateway, payer common.Address, sig []byte) (*VerifyResult, error) {
	code, err := gw.GetCode(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("read payer code: %w", err)
	}

	if len(code) == 0 {
		decoded, ok, err := ParseERC6492(sig)
		if err != nil {
			return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidSignature}, nil
		}
		if !ok {
			return &VerifyResult{IsValid: false, InvalidReason: ReasonUndeployedSmartWallet}, nil
		}
		if decoded.Factory == (common.Address{}) || len(decoded.FactoryCalldata) == 0 {
			return &VerifyResult{IsValid: false, InvalidReason: ReasonUndeployedSmartWallet}, nil
		}
		// Deployment is deferred to settle (Stage A); verification accepts.
		return &VerifyResult{IsValid: true, Payer: payer}, nil
	}

	// Code exists but the gas estimate still failed: the signature itself
	// is rejected by the deployed wallet's isValidSignature.
	return &VerifyResult{IsValid: false, InvalidReason: ReasonInvalidSignature}, nil
}

func recoverForRequirement(req Requirement, chainID *big.Int, asset common.Address, supportsEIP3009 bool, auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte, sig []byte) (common.Address, error) {
	var digest []byte
	if supportsEIP3009 {
		digest = MessageHashForAsset(req.DomainName, req.DomainVersion, chainID, asset, auth, value, validAfter, validBefore, nonce)
	} else {
		digest = MessageHashForFacilitator(chainID, asset, auth, value, validAfter, validBefore, nonce, true)
	}

	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != auth.From {
		return common.Address{}, fmt.Errorf("recovered signer %s does not match authorization.from %s", signer.Hex(), auth.From.Hex())
	}
	return signer, nil
}

func encodeTokenTransferWithAuthorization(token common.Address, auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte, needApprove bool, signature []byte) []byte {
	selector := chain.Selector(SigTokenTransferWithAuthorization)
	data := append([]byte{}, selector...)
	data = append(data, chain.PadAddress(token)...)
	data = append(data, chain.PadAddress(auth.From)...)
	data = append(data, chain.PadAddress(auth.To)...)
	data = append(data, chain.PadUint256(value)...)
	data = append(data, chain.PadUint256(validAfter)...)
	data = append(data, chain.PadUint256(validBefore)...)
	data = append(data, chain.PadBytes32(nonce)...)
	data = append(data, chain.PadBool(needApprove)...)
	// signature is the final dynamic parameter; since it's the last word
	// before the tail, the static head carries its byte offset.
	headLen := 32 * 9 // 8 static words + 1 offset word
	data = append(data, chain.PadUint256(big.NewInt(int64(headLen)))...)
	data = append(data, chain.EncodeDynamicBytes(signature)...)
	return data
}

func decodeNonce(hexNonce string) ([32]byte, error) {
	var nonce [32]byte
	raw, err := DecodeSignatureHex(hexNonce)
	if err != nil {
		return nonce, err
	}
	if len(raw) != 32 {
		return nonce, fmt.Errorf("nonce is not 32 bytes (len=%d)", len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// NewNonce generates a fresh random 32-byte authorization nonce, matching
// the reference implementation's create_nonce.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}
