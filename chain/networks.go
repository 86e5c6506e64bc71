package chain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// NamedChainIDs maps short network names (as used in PaymentRequirements.Extra
// and in CAIP-2 strings) to their EVM chain id, matching the reference
// implementation's networks.py table exactly.
var NamedChainIDs = map[string]int64{
	"base-sepolia":    84532,
	"base":            8453,
	"avalanche-fuji":  43113,
	"avalanche":       43114,
	"xlayer":          196,
	"bsc":             56,
	"kite":            2366,
}

// DefaultRPCURLs gives every named network a working public endpoint so the
// gateway has something to dial even with no environment configuration.
var DefaultRPCURLs = map[int64]string{
	56:    "https://bsc-dataseed.binance.org",
	8453:  "https://mainnet.base.org",
	84532: "https://sepolia.base.org",
	43114: "https://api.avax.network/ext/bc/C/rpc",
	43113: "https://api.avax-test.network/ext/bc/C/rpc",
	196:   "https://rpc.xlayer.tech",
	2366:  "https://rpc-testnet.gokite.ai",
}

// UnknownChainFallbackID is returned by ResolveChainID when the input
// network string names no known chain, per spec.
const UnknownChainFallbackID int64 = 1

// ResolveChainID normalizes a network identifier — CAIP-2 ("eip155:56"),
// bare decimal ("56"), or a named chain ("bsc") — to its numeric chain id.
// Unrecognized strings fall back to UnknownChainFallbackID.
func ResolveChainID(network string) int64 {
	network = strings.TrimSpace(network)
	if network == "" {
		return UnknownChainFallbackID
	}

	if strings.Contains(network, ":") {
		parts := strings.SplitN(network, ":", 2)
		if strings.EqualFold(parts[0], "eip155") {
			if id, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				return id
			}
		}
		return UnknownChainFallbackID
	}

	if id, err := strconv.ParseInt(network, 10, 64); err == nil {
		return id
	}

	if id, ok := NamedChainIDs[strings.ToLower(network)]; ok {
		return id
	}

	return UnknownChainFallbackID
}

// ResolveRPCURL picks the RPC endpoint for network following the reference
// implementation's priority order:
//  1. X402_RPC_URLS="network=url,network2=url2"
//  2. X402_RPC_URL_<NETWORK> (uppercased, '-' -> '_')
//  3. X402_RPC_URL (global default)
//  4. a built-in default for well-known networks
func ResolveRPCURL(network string) (string, error) {
	if raw := os.Getenv("X402_RPC_URLS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 && strings.EqualFold(kv[0], network) {
				return kv[1], nil
			}
		}
	}

	envKey := "X402_RPC_URL_" + strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
	if url := os.Getenv(envKey); url != "" {
		return url, nil
	}

	if url := os.Getenv("X402_RPC_URL"); url != "" {
		return url, nil
	}

	chainID := ResolveChainID(network)
	if url, ok := DefaultRPCURLs[chainID]; ok {
		return url, nil
	}

	return "", fmt.Errorf("no RPC URL configured for network %q", network)
}
