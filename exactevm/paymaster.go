package exactevm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HTTPSponsorClient implements SponsorClient against a paymaster's HTTP API.
// It carries the paymaster config spec §6 enumerates: sponsorUrl, a
// policyUUID, and a chain filter restricting sponsorship to one chain id
// (BSC in production; Validate reports unsponsorable for any other chain
// without making a network call).
type HTTPSponsorClient struct {
	SponsorURL string
	PolicyID   string
	ChainID    *big.Int

	httpClient *http.Client
}

// NewHTTPSponsorClient returns a client scoped to chainID; Validate refuses
// to sponsor calls on any other chain.
func NewHTTPSponsorClient(sponsorURL, policyID string, chainID *big.Int) *HTTPSponsorClient {
	return &HTTPSponsorClient{
		SponsorURL: sponsorURL,
		PolicyID:   policyID,
		ChainID:    chainID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type paymasterValidateRequest struct {
	PolicyID string `json:"policyUUID"`
	ChainID  string `json:"chainId"`
	To       string `json:"to"`
	Data     string `json:"data"`
	From     string `json:"from"`
}

type paymasterValidateResponse struct {
	Sponsorable    bool   `json:"sponsorable"`
	TentativeNonce uint64 `json:"tentativeNonce"`
}

// Validate asks the paymaster whether it will sponsor req with gasPrice=0,
// per spec §4.2 Stage B step 1.
func (c *HTTPSponsorClient) Validate(ctx context.Context, req SponsorValidateRequest) (*SponsorValidateResponse, error) {
	if c.ChainID != nil && req.Chain.Cmp(c.ChainID) != 0 {
		return &SponsorValidateResponse{Sponsorable: false}, nil
	}

	body, err := json.Marshal(paymasterValidateRequest{
		PolicyID: c.PolicyID,
		ChainID:  req.Chain.String(),
		To:       req.To.Hex(),
		Data:     "0x" + hex.EncodeToString(req.Data),
		From:     req.From.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal paymaster validate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SponsorURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build paymaster validate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call paymaster validate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("paymaster validate returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out paymasterValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode paymaster validate response: %w", err)
	}

	return &SponsorValidateResponse{Sponsorable: out.Sponsorable, TentativeNonce: out.TentativeNonce}, nil
}

type paymasterSubmitRequest struct {
	PolicyID       string `json:"policyUUID"`
	RawTransaction string `json:"rawTransaction"`
}

type paymasterSubmitResponse struct {
	TransactionHash string `json:"transactionHash"`
}

// Submit signs a gasPrice=0 legacy transaction against nonce and hands it to
// the paymaster's relayer to broadcast, per spec §4.2 Stage B step 2.
func (c *HTTPSponsorClient) Submit(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address, data []byte, nonce uint64) (common.Hash, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      300_000,
		GasPrice: big.NewInt(0),
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign sponsored transaction: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode sponsored transaction: %w", err)
	}

	body, err := json.Marshal(paymasterSubmitRequest{
		PolicyID:       c.PolicyID,
		RawTransaction: "0x" + hex.EncodeToString(raw),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal paymaster submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SponsorURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("build paymaster submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return common.Hash{}, fmt.Errorf("call paymaster submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return common.Hash{}, fmt.Errorf("paymaster submit returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out paymasterSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Hash{}, fmt.Errorf("decode paymaster submit response: %w", err)
	}

	return common.HexToHash(out.TransactionHash), nil
}
