// Command facilitatord runs the FacilitatorService HTTP API standalone,
// the process a ResourceMiddleware's evm.Verifier talks to.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AEON-Project/bnb-x402/exactevm"
	"github.com/AEON-Project/bnb-x402/facilitator"
	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	keyHex := os.Getenv("FACILITATOR_PRIVATE_KEY")
	if keyHex == "" {
		logger.Error("FACILITATOR_PRIVATE_KEY is required")
		os.Exit(1)
	}
	facilitatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		logger.Error("invalid FACILITATOR_PRIVATE_KEY", "error", err)
		os.Exit(1)
	}

	engine := exactevm.NewEngine(exactevm.EngineConfig{
		FacilitatorKey:           facilitatorKey,
		MaxNonceRetries:          envInt("FACILITATOR_MAX_NONCE_RETRIES", 5),
		DeployERC4337WithEIP6492: os.Getenv("FACILITATOR_DEPLOY_EIP6492") == "true",
		Telemetry:                newTelemetrySink(logger),
		Sponsor:                  newSponsorClient(logger),
		PolicyID:                 os.Getenv("FACILITATOR_SPONSOR_POLICY_ID"),
	})

	server := &facilitator.Server{
		Engine:    engine,
		APIKeys:   loadAPIKeys(os.Getenv("FACILITATOR_API_KEYS")),
		Supported: supportedKinds(),
		Logf: func(format string, args ...interface{}) {
			logger.Info("facilitator", "msg", sprintf(format, args...))
		},
	}

	addr := os.Getenv("FACILITATOR_LISTEN_ADDR")
	if addr == "" {
		addr = ":8443"
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	logger.Info("facilitatord listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("facilitatord exited", "error", err)
		os.Exit(1)
	}
}

func newTelemetrySink(logger *slog.Logger) *exactevm.Sink {
	return exactevm.NewSink(exactevm.SinkConfig{URL: exactevm.DefaultScanSinkURL}, func(format string, args ...interface{}) {
		logger.Warn("telemetry", "msg", sprintf(format, args...))
	})
}

// newSponsorClient wires Stage B (sponsored/gasless settlement) when a
// paymaster is configured. Returns nil to leave Stage B disabled, which
// EngineConfig.Sponsor == nil makes settle.go skip unconditionally.
func newSponsorClient(logger *slog.Logger) exactevm.SponsorClient {
	sponsorURL := os.Getenv("FACILITATOR_SPONSOR_URL")
	if sponsorURL == "" {
		logger.Info("FACILITATOR_SPONSOR_URL not set, Stage B sponsored settlement disabled")
		return nil
	}

	policyID := os.Getenv("FACILITATOR_SPONSOR_POLICY_ID")
	if policyID == "" {
		logger.Error("FACILITATOR_SPONSOR_URL set without FACILITATOR_SPONSOR_POLICY_ID, Stage B sponsored settlement disabled")
		return nil
	}

	chainID := exactevm.BSCChainID
	if raw := os.Getenv("FACILITATOR_SPONSOR_CHAIN_ID"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Error("invalid FACILITATOR_SPONSOR_CHAIN_ID", "error", err)
			return nil
		}
		chainID = big.NewInt(n)
	}

	return exactevm.NewHTTPSponsorClient(sponsorURL, policyID, chainID)
}

func loadAPIKeys(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	keys := make(map[string]bool)
	for _, k := range strings.Split(csv, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = true
		}
	}
	return keys
}

func supportedKinds() []facilitator.SupportedKind {
	networks := []string{"eip155:56", "eip155:8453", "eip155:196", "eip155:2366"}
	kinds := make([]facilitator.SupportedKind, 0, len(networks))
	for _, network := range networks {
		kinds = append(kinds, facilitator.SupportedKind{Scheme: exactevm.SchemeName, Network: network})
	}
	return kinds
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}
