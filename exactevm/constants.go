// Package exactevm implements the SchemeEngine for x402's "exact" scheme on
// EVM chains: verifying a signed transfer authorization against on-chain
// state, and settling it via a sponsored paymaster path or a direct
// facilitator-contract call.
package exactevm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SchemeName is the only payment scheme this engine implements.
const SchemeName = "exact"

// FacilitatorAddress is the well-known facilitator contract address that
// exposes tokenTransferWithAuthorization for assets that don't implement
// EIP-3009 directly. Taken verbatim from the reference implementation.
var FacilitatorAddress = common.HexToAddress("0x555e3311a9893c9B17444C1Ff0d88192a57Ef13e")

// BSCChainID is the only chain id eligible for the sponsored/gasless
// settlement path (Stage B).
var BSCChainID = big.NewInt(56)

// Closed invalidReason / errorReason taxonomy. These strings are part of the
// wire protocol and must never be reworded.
const (
	ReasonInsufficientFunds             = "insufficient_funds"
	ReasonUnsupportedScheme             = "unsupported_scheme"
	ReasonNetworkMismatch               = "network_mismatch"
	ReasonMissingEIP712Domain           = "missing_eip712_domain"
	ReasonInvalidSignature              = "invalid_exact_evm_payload_signature"
	ReasonUndeployedSmartWallet         = "invalid_exact_evm_payload_undeployed_smart_wallet"
	ReasonRecipientMismatch             = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonInvalidValidBefore            = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonInvalidValidAfter             = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonInvalidAuthorizationValue     = "invalid_exact_evm_payload_authorization_value"
	ReasonInvalidScheme                 = "invalid_scheme"
	ReasonInvalidTransactionState        = "invalid_transaction_state"
	ReasonInvalidPayload                = "invalid_payload"
	ReasonInvalidNetwork                = "invalid_network"
	ReasonInvalidX402Version             = "invalid_x402_version"
	ReasonPaymentExpired                 = "payment_expired"
	ReasonUnexpectedVerifyError          = "unexpected_verify_error"
	ReasonUnexpectedSettleError          = "unexpected_settle_error"
)

// 4-byte error selectors the facilitator contract reverts with, and their
// deterministic meaning. Any other gas-estimate failure falls through to
// smart-wallet analysis.
var gasEstimateSelectors = map[string]string{
	"0x13be252b": ReasonInsufficientFunds, // insufficient allowance
	"0xccea9e6f": ReasonInvalidPayload,    // invalid operator
	"0xdf8e4372": ReasonInvalidValidAfter, // auth not yet valid
	"0x0f05f5bf": ReasonInvalidValidBefore, // auth expired
	"0x1f6d5aef": ReasonPaymentExpired,    // nonce used
	"0x8baa579f": ReasonInvalidSignature,  // invalid signature
}

// EIP-1271 magic return value for isValidSignature.
const EIP1271MagicValue = "0x1626ba7e"

// ERC-6492 deferred-deployment signature suffix magic value.
var ERC6492MagicBytes = common.Hex2Bytes("6492649264926492649264926492649264926492649264926492649264926492")

// minBlockTimeBuffer is the minimum number of seconds between "now" and
// validBefore required for a payload to be accepted, giving block
// production time to catch up before the authorization expires.
const minBlockTimeBuffer = 6

// Solidity function signatures used to derive 4-byte selectors and to build
// EIP-712 type strings.
const (
	SigTransferWithAuthorization      = "transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"
	SigTokenTransferWithAuthorization = "tokenTransferWithAuthorization(address,address,address,uint256,uint256,uint256,bytes32,bool,bytes)"
	SigAuthorizationState             = "authorizationState(address,bytes32)"
)
