package exactevm

import (
	"encoding/hex"
	"strings"

	"github.com/AEON-Project/bnb-x402/chain"
)

// classifyGasEstimateError maps a gas-estimate failure's 4-byte revert
// selector to a taxonomy reason. ok is false when the error carries no
// recognized selector, signaling the caller should fall through to
// smart-wallet analysis.
func classifyGasEstimateError(err error) (reason string, ok bool) {
	rpcErr, isRPCErr := err.(*chain.RPCError)
	if !isRPCErr {
		return "", false
	}

	selector := extractSelector(rpcErr.Data)
	if selector == "" {
		return "", false
	}

	reason, ok = gasEstimateSelectors[strings.ToLower(selector)]
	return reason, ok
}

// extractSelector pulls the leading 4-byte selector out of a revert data
// payload, which may appear as raw hex or nested in an error-encoding
// wrapper depending on node implementation.
func extractSelector(data string) string {
	data = strings.TrimPrefix(data, "0x")
	if len(data) < 8 {
		return ""
	}
	raw, err := hex.DecodeString(data[:8])
	if err != nil {
		return ""
	}
	return "0x" + hex.EncodeToString(raw)
}
