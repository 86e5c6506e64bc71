package exactevm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Authorization is the signed transfer intent, as decoded from the
// PaymentPayload's scheme-specific payload. All integer fields travel the
// wire as decimal strings, matching spec's data model.
type Authorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       string         `json:"value"`
	ValidAfter  string         `json:"validAfter"`
	ValidBefore string         `json:"validBefore"`
	Nonce       string         `json:"nonce"` // hex-encoded 32 bytes
}

// Payload is the exact-scheme payload: { authorization, signature }.
type Payload struct {
	Signature     string        `json:"signature"` // hex, 65-byte EOA or longer EIP-1271/EIP-6492 blob
	Authorization Authorization `json:"authorization"`
}

// Requirement is the engine's view of a PaymentRequirement: just enough to
// verify and settle, decoupled from the middleware's wire type.
type Requirement struct {
	Network           string // CAIP-2
	Asset             common.Address
	PayTo             common.Address
	RequiredAmount    *big.Int
	MaxTimeoutSeconds int
	DomainName        string // extra.name, EIP-712 domain for EIP-3009 tokens
	DomainVersion     string // extra.version
}

// VerifyResult mirrors spec's VerifyResult: { isValid, invalidReason?, payer }.
type VerifyResult struct {
	IsValid       bool
	InvalidReason string
	Payer         common.Address
}

// SettleResult mirrors spec's SettleResult.
type SettleResult struct {
	Success     bool
	Transaction string
	Network     string
	Payer       common.Address
	ErrorReason string
	SettledAt   time.Time
}

