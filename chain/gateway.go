// Package chain implements the ChainGateway: read-only and write access to
// an EVM chain over raw JSON-RPC. It deliberately avoids go-ethereum's
// ethclient.Client in favor of hand-rolled HTTP JSON-RPC calls and manual
// ABI calldata packing, the idiom this module's grounding corpus uses for a
// small, fixed set of contract calls.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Network string        // CAIP-2, bare decimal, or named chain
	RPCURL  string        // overrides ResolveRPCURL(Network) when set
	Timeout time.Duration // per-call HTTP timeout, defaults to 15s
}

// Gateway is the ChainGateway: it owns the HTTP JSON-RPC transport for one
// network and exposes the narrow set of read/write primitives the
// SchemeEngine needs.
type Gateway struct {
	network    string
	chainID    *big.Int
	rpcURL     string
	httpClient *http.Client
}

// NewGateway resolves the RPC endpoint (unless overridden) and returns a
// Gateway bound to cfg.Network's chain id.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		resolved, err := ResolveRPCURL(cfg.Network)
		if err != nil {
			return nil, err
		}
		rpcURL = resolved
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Gateway{
		network:    cfg.Network,
		chainID:    big.NewInt(ResolveChainID(cfg.Network)),
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ChainID returns the numeric chain id this gateway was constructed for.
func (g *Gateway) ChainID() *big.Int {
	return g.chainID
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

// RPCError is returned when the node replies with a JSON-RPC error object;
// Data carries any revert payload the node attached, which gas-estimate
// failure classification depends on.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (g *Gateway) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rpc response for %s: %w", method, err)
	}
	if parsed.Error != nil {
		return nil, &RPCError{Code: parsed.Error.Code, Message: parsed.Error.Message, Data: parsed.Error.Data}
	}
	return parsed.Result, nil
}

// Call performs an eth_call against to with the given calldata at the given
// block tag ("latest", "pending", or a 0x-prefixed block number).
func (g *Gateway) Call(ctx context.Context, to common.Address, data []byte, block string) ([]byte, error) {
	if block == "" {
		block = "latest"
	}
	result, err := g.call(ctx, "eth_call", map[string]string{
		"to":   to.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}, block)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return decodeHex(hexStr)
}

// CallFrom performs an eth_call with an explicit sender, used when the
// called contract branches on msg.sender (e.g. facilitator probe calls).
func (g *Gateway) CallFrom(ctx context.Context, from, to common.Address, data []byte, block string) ([]byte, error) {
	if block == "" {
		block = "latest"
	}
	result, err := g.call(ctx, "eth_call", map[string]string{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}, block)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return decodeHex(hexStr)
}

// EstimateGas estimates gas for a transaction from from to to with data and
// value, surfacing the raw RPCError (with its revert data) on failure so
// callers can classify it by 4-byte selector.
func (g *Gateway) EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	result, err := g.call(ctx, "eth_estimateGas", map[string]string{
		"from":  from.Hex(),
		"to":    to.Hex(),
		"data":  "0x" + hex.EncodeToString(data),
		"value": "0x" + value.Text(16),
	})
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return 0, fmt.Errorf("decode eth_estimateGas result: %w", err)
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(hexStr, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid gas estimate %q", hexStr)
	}
	return v.Uint64(), nil
}

// GetCode returns the deployed bytecode at addr ("latest"), used to detect
// whether a smart-contract wallet has been deployed yet.
func (g *Gateway) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	result, err := g.call(ctx, "eth_getCode", addr.Hex(), "latest")
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, fmt.Errorf("decode eth_getCode result: %w", err)
	}
	return decodeHex(hexStr)
}

// GasPrice returns the node's suggested legacy gas price.
func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := g.call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, err
	}
	return decodeHexBigInt(result)
}

// TransactionCount returns the account's transaction count ("nonce") at the
// given block tag, typically "pending" for submission or "latest" for
// nonce-too-high recovery.
func (g *Gateway) TransactionCount(ctx context.Context, addr common.Address, block string) (uint64, error) {
	if block == "" {
		block = "pending"
	}
	result, err := g.call(ctx, "eth_getTransactionCount", addr.Hex(), block)
	if err != nil {
		return 0, err
	}
	v, err := decodeHexBigInt(result)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction and
// returns its hash.
func (g *Gateway) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := g.call(ctx, "eth_sendRawTransaction", "0x"+hex.EncodeToString(raw))
	if err != nil {
		return common.Hash{}, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return common.Hash{}, fmt.Errorf("decode eth_sendRawTransaction result: %w", err)
	}
	return common.HexToHash(hexStr), nil
}

// Receipt mirrors the subset of eth_getTransactionReceipt fields the
// settlement pipeline needs.
type Receipt struct {
	TransactionHash common.Hash
	Status          uint64 // 1 = success, 0 = failure
	BlockNumber     uint64
}

// WaitForReceipt polls eth_getTransactionReceipt until it is non-null or ctx
// is done, honoring cancellation so a settle deadline aborts cleanly.
func (g *Gateway) WaitForReceipt(ctx context.Context, txHash common.Hash, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval == 0 {
		pollInterval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := g.call(ctx, "eth_getTransactionReceipt", txHash.Hex())
		if err == nil && len(result) > 0 && string(result) != "null" {
			var raw struct {
				Status      string `json:"status"`
				BlockNumber string `json:"blockNumber"`
			}
			if err := json.Unmarshal(result, &raw); err != nil {
				return nil, fmt.Errorf("decode receipt: %w", err)
			}
			status, _ := decodeHexBigInt(json.RawMessage(`"` + raw.Status + `"`))
			block, _ := decodeHexBigInt(json.RawMessage(`"` + raw.BlockNumber + `"`))
			receipt := &Receipt{TransactionHash: txHash}
			if status != nil {
				receipt.Status = status.Uint64()
			}
			if block != nil {
				receipt.BlockNumber = block.Uint64()
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// SuggestFees returns EIP-1559 fields when the chain's pending block
// advertises a base fee, otherwise a legacy gas price. BSC never reports a
// base fee, so the sponsored-settlement path always takes the legacy branch.
type FeeSuggestion struct {
	Legacy               bool
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (g *Gateway) SuggestFees(ctx context.Context, priorityFee *big.Int) (*FeeSuggestion, error) {
	result, err := g.call(ctx, "eth_getBlockByNumber", "pending", false)
	if err == nil {
		var block struct {
			BaseFeePerGas *string `json:"baseFeePerGas"`
		}
		if err := json.Unmarshal(result, &block); err == nil && block.BaseFeePerGas != nil {
			baseFee, err := decodeHexBigInt(json.RawMessage(`"` + *block.BaseFeePerGas + `"`))
			if err == nil && baseFee.Sign() > 0 {
				if priorityFee == nil {
					priorityFee = big.NewInt(1_500_000_000) // 1.5 gwei default tip
				}
				maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), priorityFee)
				return &FeeSuggestion{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priorityFee}, nil
			}
		}
	}

	gasPrice, err := g.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &FeeSuggestion{Legacy: true, GasPrice: gasPrice}, nil
}

// SignAndSend builds a legacy transaction, signs it with key under this
// gateway's chain id, broadcasts it, and returns its hash. The nonce is
// always fetched fresh from "pending" — no in-memory nonce counter is kept.
func (g *Gateway) SignAndSend(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) (common.Hash, error) {
	return g.SignAndSendWithNonceBlock(ctx, key, to, value, gasLimit, gasPrice, data, "pending")
}

// SignAndSendWithNonceBlock is SignAndSend with an explicit nonce source
// block tag, used by nonce-conflict recovery to refetch from "latest"
// instead of "pending".
func (g *Gateway) SignAndSendWithNonceBlock(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte, nonceBlock string) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := g.TransactionCount(ctx, from, nonceBlock)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	if gasPrice == nil {
		gasPrice, err = g.GasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
		}
	}
	if value == nil {
		value = big.NewInt(0)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.NewEIP155Signer(g.chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode signed transaction: %w", err)
	}

	return g.SendRawTransaction(ctx, raw)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func decodeHexBigInt(raw json.RawMessage) (*big.Int, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("decode hex quantity: %w", err)
	}
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if hexStr == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", hexStr)
	}
	return v, nil
}
