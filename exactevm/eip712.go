package exactevm

import (
	"math/big"

	"github.com/AEON-Project/bnb-x402/chain"
	"github.com/ethereum/go-ethereum/common"
)

var (
	domainTypeHash = chain.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	transferWithAuthorizationTypeHash = chain.Keccak256(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)

	tokenTransferWithAuthorizationTypeHash = chain.Keccak256(
		[]byte("tokenTransferWithAuthorization(address token,address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce,bool needApprove)"),
	)
)

// domainSeparator computes the EIP-712 domain separator hash for the given
// domain fields.
func domainSeparator(name, version string, chainID *big.Int, verifyingContract common.Address) []byte {
	return chain.Keccak256(
		domainTypeHash,
		chain.Keccak256([]byte(name)),
		chain.Keccak256([]byte(version)),
		chain.PadUint256(chainID),
		chain.PadAddress(verifyingContract),
	)
}

// DomainForAsset builds the EIP-712 domain for the asset's own
// TransferWithAuthorization type: verifyingContract is the asset itself.
// Used when the capability probe finds the asset supports EIP-3009.
func DomainForAsset(name, version string, chainID *big.Int, asset common.Address) []byte {
	return domainSeparator(name, version, chainID, asset)
}

// DomainForFacilitator builds the fixed "Facilitator"/v1 EIP-712 domain used
// for tokenTransferWithAuthorization when the asset doesn't implement
// EIP-3009 itself: verifyingContract is the facilitator contract.
func DomainForFacilitator(chainID *big.Int) []byte {
	return domainSeparator("Facilitator", "1", chainID, FacilitatorAddress)
}

// hashTransferWithAuthorization computes the EIP-712 struct hash for the
// asset-domain TransferWithAuthorization type.
func hashTransferWithAuthorization(auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte) []byte {
	return chain.Keccak256(
		transferWithAuthorizationTypeHash,
		chain.PadAddress(auth.From),
		chain.PadAddress(auth.To),
		chain.PadUint256(value),
		chain.PadUint256(validAfter),
		chain.PadUint256(validBefore),
		chain.PadBytes32(nonce),
	)
}

// hashTokenTransferWithAuthorization computes the EIP-712 struct hash for
// the Facilitator-domain tokenTransferWithAuthorization type.
func hashTokenTransferWithAuthorization(token common.Address, auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte, needApprove bool) []byte {
	needApproveWord := chain.PadUint256(big.NewInt(0))
	if needApprove {
		needApproveWord = chain.PadUint256(big.NewInt(1))
	}
	return chain.Keccak256(
		tokenTransferWithAuthorizationTypeHash,
		chain.PadAddress(token),
		chain.PadAddress(auth.From),
		chain.PadAddress(auth.To),
		chain.PadUint256(value),
		chain.PadUint256(validAfter),
		chain.PadUint256(validBefore),
		chain.PadBytes32(nonce),
		needApproveWord,
	)
}

// messageHash builds the final EIP-191-wrapped "\x19\x01" + domainSeparator
// + structHash digest that gets signed and recovered.
func messageHash(domainSep, structHash []byte) []byte {
	return chain.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// MessageHashForAsset computes the signing digest for the EIP-3009 branch.
func MessageHashForAsset(domainName, domainVersion string, chainID *big.Int, asset common.Address, auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte) []byte {
	domain := DomainForAsset(domainName, domainVersion, chainID, asset)
	structHash := hashTransferWithAuthorization(auth, value, validAfter, validBefore, nonce)
	return messageHash(domain, structHash)
}

// MessageHashForFacilitator computes the signing digest for the
// non-EIP-3009 branch.
func MessageHashForFacilitator(chainID *big.Int, token common.Address, auth Authorization, value, validAfter, validBefore *big.Int, nonce [32]byte, needApprove bool) []byte {
	domain := DomainForFacilitator(chainID)
	structHash := hashTokenTransferWithAuthorization(token, auth, value, validAfter, validBefore, nonce, needApprove)
	return messageHash(domain, structHash)
}
