// Package facilitator implements the FacilitatorService: the HTTP API
// (/verify, /settle, /supported) that wraps a SchemeEngine. It is the
// server side of the seam the teacher's evm package implements as a
// client.
package facilitator

import (
	"encoding/json"
	"fmt"
	"math/big"

	x402 "github.com/AEON-Project/bnb-x402"
	"github.com/AEON-Project/bnb-x402/exactevm"
	"github.com/ethereum/go-ethereum/common"
)

// VerifyWireRequest is POST /verify's body, per spec §6.
type VerifyWireRequest struct {
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// VerifyWireResponse is POST /verify's response body.
type VerifyWireResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleWireRequest is POST /settle's body, per spec §6.
type SettleWireRequest struct {
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleWireResponse is POST /settle's response body.
type SettleWireResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedWireResponse is POST /supported's response body.
type SupportedWireResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind is one (scheme, network, extra) tuple the facilitator can
// handle.
type SupportedKind struct {
	Scheme  string                 `json:"scheme"`
	Network string                 `json:"network"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// evmPayload is the scheme-specific shape carried in
// x402.PaymentPayload.Payload for the "exact" scheme: an authorization plus
// its signature. x402.PaymentPayload.Payload decodes from JSON as
// interface{}, so it is re-marshaled and parsed into this shape here.
type evmPayload struct {
	Signature     string                 `json:"signature"`
	Authorization evmAuthorization       `json:"authorization"`
}

type evmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

func decodeEVMPayload(raw interface{}) (exactevm.Payload, error) {
	var wire evmPayload
	if err := remarshal(raw, &wire); err != nil {
		return exactevm.Payload{}, fmt.Errorf("decode scheme payload: %w", err)
	}
	if !common.IsHexAddress(wire.Authorization.From) || !common.IsHexAddress(wire.Authorization.To) {
		return exactevm.Payload{}, fmt.Errorf("authorization.from/to must be hex addresses")
	}
	return exactevm.Payload{
		Signature: wire.Signature,
		Authorization: exactevm.Authorization{
			From:        common.HexToAddress(wire.Authorization.From),
			To:          common.HexToAddress(wire.Authorization.To),
			Value:       wire.Authorization.Value,
			ValidAfter:  wire.Authorization.ValidAfter,
			ValidBefore: wire.Authorization.ValidBefore,
			Nonce:       wire.Authorization.Nonce,
		},
	}, nil
}

func decodeRequirement(pr x402.PaymentRequirements) (exactevm.Requirement, error) {
	if !common.IsHexAddress(pr.Asset) {
		return exactevm.Requirement{}, fmt.Errorf("asset %q is not a hex address", pr.Asset)
	}
	if !common.IsHexAddress(pr.PayTo) {
		return exactevm.Requirement{}, fmt.Errorf("payTo %q is not a hex address", pr.PayTo)
	}

	amount, err := pr.AtomicAmount()
	if err != nil {
		return exactevm.Requirement{}, err
	}
	required, ok := new(big.Int).SetString(amount.String(), 10)
	if !ok {
		return exactevm.Requirement{}, fmt.Errorf("atomic amount %q is not an integer", amount.String())
	}

	var domainName, domainVersion string
	if pr.Extra != nil {
		if v, ok := pr.Extra["name"].(string); ok {
			domainName = v
		}
		if v, ok := pr.Extra["version"].(string); ok {
			domainVersion = v
		}
	}

	return exactevm.Requirement{
		Network:           pr.Network,
		Asset:              common.HexToAddress(pr.Asset),
		PayTo:              common.HexToAddress(pr.PayTo),
		RequiredAmount:     required,
		MaxTimeoutSeconds:  pr.MaxTimeoutSeconds,
		DomainName:         domainName,
		DomainVersion:      domainVersion,
	}, nil
}

// remarshal round-trips v (typically a decoded interface{}) through JSON
// into dst, the idiom used throughout the corpus for decoding a
// scheme-specific interface{} field into a concrete struct.
func remarshal(v interface{}, dst interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
