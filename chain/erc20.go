package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	selectorBalanceOf         = Selector("balanceOf(address)")
	selectorAllowance         = Selector("allowance(address,address)")
	selectorApprove           = Selector("approve(address,uint256)")
	selectorAuthorizationState = Selector("authorizationState(address,bytes32)")
)

// AuthorizationState reads an EIP-3009 asset's authorizationState(authorizer,
// nonce), reporting whether a given nonce has already been consumed. Useful
// for idempotency checks ahead of a settle attempt; not part of the verify
// state machine itself, which relies on the facilitator contract's own
// gas-estimate revert for nonce-used detection.
func (g *Gateway) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	data := append(append([]byte{}, selectorAuthorizationState...), PadAddress(authorizer)...)
	data = append(data, PadBytes32(nonce)...)
	result, err := g.Call(ctx, token, data, "latest")
	if err != nil {
		return false, fmt.Errorf("authorizationState(%s): %w", authorizer.Hex(), err)
	}
	return DecodeBool(result)
}

// BalanceOf reads an ERC-20 balance. Read failures are returned to the
// caller rather than swallowed here; the SchemeEngine's verify step decides
// whether a balance-read failure is tolerated.
func (g *Gateway) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selectorBalanceOf...), PadAddress(owner)...)
	result, err := g.Call(ctx, token, data, "latest")
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s): %w", owner.Hex(), err)
	}
	return DecodeUint256(result)
}

// Allowance reads an ERC-20 allowance(owner, spender).
func (g *Gateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selectorAllowance...), PadAddress(owner)...)
	data = append(data, PadAddress(spender)...)
	result, err := g.Call(ctx, token, data, "latest")
	if err != nil {
		return nil, fmt.Errorf("allowance(%s,%s): %w", owner.Hex(), spender.Hex(), err)
	}
	return DecodeUint256(result)
}

// Approve submits approve(spender, amount) signed by key and waits for the
// receipt.
func (g *Gateway) Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (*Receipt, error) {
	data := append(append([]byte{}, selectorApprove...), PadAddress(spender)...)
	data = append(data, PadUint256(amount)...)

	fees, err := g.SuggestFees(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("suggest fees for approve: %w", err)
	}
	gasPrice := fees.GasPrice
	if !fees.Legacy {
		gasPrice = fees.MaxFeePerGas
	}

	txHash, err := g.SignAndSend(ctx, key, token, nil, 80_000, gasPrice, data)
	if err != nil {
		return nil, fmt.Errorf("send approve: %w", err)
	}
	return g.WaitForReceipt(ctx, txHash, 0)
}

// EnsureAllowance guarantees spender's allowance over token from the key's
// address is at least want, resetting to zero first when the token reverts
// a direct non-zero-to-non-zero approval (the USDT allowance-change guard),
// per the reference implementation's _ensure_erc20_allowance.
func (g *Gateway) EnsureAllowance(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, want *big.Int) error {
	owner := ownerFromKey(key)
	current, err := g.Allowance(ctx, token, owner, spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(want) >= 0 {
		return nil
	}

	receipt, err := g.Approve(ctx, key, token, spender, want)
	if err == nil && receipt.Status == 1 {
		return nil
	}

	if err != nil && isAllowanceResetRevert(err) {
		if _, zeroErr := g.Approve(ctx, key, token, spender, big.NewInt(0)); zeroErr != nil {
			return fmt.Errorf("reset allowance to zero: %w", zeroErr)
		}
		receipt, err = g.Approve(ctx, key, token, spender, want)
	}
	if err != nil {
		return fmt.Errorf("approve allowance: %w", err)
	}
	if receipt.Status != 1 {
		return fmt.Errorf("approve transaction reverted")
	}
	return nil
}

func isAllowanceResetRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "must approve 0") ||
		strings.Contains(msg, "reset allowance") ||
		strings.Contains(msg, "approve from non-zero") ||
		strings.Contains(msg, "non-zero")
}

func ownerFromKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
