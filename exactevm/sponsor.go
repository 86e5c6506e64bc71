package exactevm

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SponsorValidateRequest asks a paymaster whether it will sponsor a call.
type SponsorValidateRequest struct {
	Chain    *big.Int
	To       common.Address
	Data     []byte
	From     common.Address
	PolicyID string
}

// SponsorValidateResponse is the paymaster's answer.
type SponsorValidateResponse struct {
	Sponsorable    bool
	TentativeNonce uint64
}

// SponsorClient is the paymaster capability Stage B needs: validate a call,
// then submit it once signed. Implementations talk to whatever paymaster
// API the deployment uses; this module only defines the shape it consumes.
type SponsorClient interface {
	Validate(ctx context.Context, req SponsorValidateRequest) (*SponsorValidateResponse, error)
	Submit(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address, data []byte, nonce uint64) (common.Hash, error)
}
