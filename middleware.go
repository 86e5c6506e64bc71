package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AEON-Project/bnb-x402/chain"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It detects V2 headers (PAYMENT-SIGNATURE) first and falls back to V1 (X-PAYMENT).
//
// Per request: match the route, demand a header, decode the payload, select
// the single accepted requirement matching the payload's (scheme, network,
// networkId), verify it, run the downstream handler, and settle only if the
// handler's response didn't already fail.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			accepts := buildAcceptsFromRule(rule, cfg.ValidityDuration)

			// Detect protocol version from headers.
			// V2: PAYMENT-SIGNATURE, V1 fallback: X-PAYMENT
			paymentHeader := r.Header.Get(HeaderPaymentSignature)
			isV2 := true
			if paymentHeader == "" {
				paymentHeader = r.Header.Get(HeaderLegacyPayment)
				isV2 = false
			}

			if paymentHeader == "" {
				sendPaymentRequired(w, r, rule, &cfg, accepts, "")
				return
			}

			var payload *PaymentPayload
			var err error
			var requirements *PaymentRequirements
			if isV2 {
				payload, err = parsePaymentPayload(paymentHeader)
				if err == nil {
					requirements = selectMatchingRequirement(accepts, payload.Accepted)
					if requirements == nil {
						sendPaymentRequiredWithError(w, accepts, "Unable to find matching payment requirements", "")
						return
					}
				}
			} else {
				// V1 clients declare a pre-CAIP-2 network string and never
				// see the accepts list, so there is nothing to match-select
				// against: the single configured requirement applies.
				requirements = firstRequirement(accepts)
				payload, err = parseLegacyPayment(paymentHeader, requirements)
			}
			if err != nil {
				sendPaymentErrorResponse(w, http.StatusBadRequest, NewPaymentError(ErrCodeInvalidPayment, "invalid payment header", err))
				return
			}

			verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirements)
			if err != nil {
				sendPaymentErrorResponse(w, http.StatusInternalServerError, NewPaymentError(ErrCodeVerificationFailed, "payment verification error", err))
				return
			}

			if !verifyResult.Valid {
				sendPaymentRequiredWithError(w, accepts, verifyResult.Reason, verifyResult.PayerAddress)
				return
			}

			paymentCtx := &PaymentContext{
				Verified:     true,
				PayerAddress: verifyResult.PayerAddress,
				Amount:       verifyResult.Amount,
				TokenSymbol:  verifyResult.TokenSymbol,
				Network:      requirements.Network,
				NetworkID:    requirements.NetworkID,
			}
			ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

			// Buffer the downstream response: we cannot settle and attach the
			// PAYMENT-RESPONSE header after the handler has already flushed
			// its own headers.
			rec := newBufferingWriter(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status >= http.StatusBadRequest {
				rec.flush()
				return
			}

			settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirements)
			if err != nil {
				sendPaymentErrorResponse(w, http.StatusInternalServerError, NewPaymentError(ErrCodeSettlementFailed, "payment settlement error", err))
				return
			}

			paymentResponse := PaymentResponse{
				Success:     true,
				Transaction: settlementResult.TransactionHash,
				Network:     settlementResult.Network,
				Payer:       settlementResult.PayerAddress,
			}
			if responseJSON, err := json.Marshal(paymentResponse); err == nil {
				encoded := base64.StdEncoding.EncodeToString(responseJSON)
				if isV2 {
					rec.Header().Set(HeaderPaymentResponse, encoded)
				} else {
					rec.Header().Set(HeaderLegacyPaymentResponse, encoded)
				}
			}

			rec.flush()
		})
	}
}

// bufferingWriter captures a downstream handler's response so the middleware
// can decide, based on the final status code, whether to append a
// PAYMENT-RESPONSE header before flushing it to the real ResponseWriter.
type bufferingWriter struct {
	underlying  http.ResponseWriter
	header      http.Header
	body        []byte
	status      int
	wroteHeader bool
}

func newBufferingWriter(w http.ResponseWriter) *bufferingWriter {
	return &bufferingWriter{underlying: w, header: make(http.Header), status: http.StatusOK}
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	b.body = append(b.body, p...)
	return len(p), nil
}

func (b *bufferingWriter) flush() {
	dst := b.underlying.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	b.underlying.WriteHeader(b.status)
	if len(b.body) > 0 {
		b.underlying.Write(b.body)
	}
}

// selectMatchingRequirement finds the single accepted requirement whose
// (scheme, network, networkId) equals the payload's declared selection.
func selectMatchingRequirement(accepts []PaymentRequirements, selected PaymentRequirements) *PaymentRequirements {
	for i := range accepts {
		candidate := &accepts[i]
		if candidate.Scheme != selected.Scheme || candidate.Network != selected.Network {
			continue
		}
		if selected.NetworkID != 0 && candidate.NetworkID != selected.NetworkID {
			continue
		}
		return candidate
	}
	return nil
}

func firstRequirement(accepts []PaymentRequirements) *PaymentRequirements {
	if len(accepts) == 0 {
		return nil
	}
	return &accepts[0]
}

// sendPaymentRequired sends the initial 402 (no X-PAYMENT/PAYMENT-SIGNATURE
// header was presented).
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, rule *PricingRule, cfg *Config, accepts []PaymentRequirements, payer string) {
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(injectPaywallRequirements(cfg.CustomPaywallHTML, accepts)))
		return
	}
	sendPaymentRequiredWithError(w, accepts, "Payment required", payer)
}

// paywallRequirementsPlaceholder is the token a CustomPaywallHTML template
// embeds (typically inside a <script> tag) to receive the accepts list as
// JSON, e.g. `const x402 = /*__X402_REQUIREMENTS__*/;`.
const paywallRequirementsPlaceholder = "/*__X402_REQUIREMENTS__*/"

// injectPaywallRequirements substitutes the requirements JSON into a paywall
// template so the browser page can render prices and accepted tokens without
// a second round trip. If the template doesn't carry the placeholder, it is
// returned unchanged.
func injectPaywallRequirements(html string, accepts []PaymentRequirements) string {
	if !strings.Contains(html, paywallRequirementsPlaceholder) {
		return html
	}
	requirementsJSON, err := json.Marshal(PaymentRequiredResponse{X402Version: 2, Accepts: accepts})
	if err != nil {
		return html
	}
	return strings.Replace(html, paywallRequirementsPlaceholder, string(requirementsJSON), 1)
}

// sendPaymentRequiredWithError sends a 402 with {error, accepts, payer}, used
// both for the initial challenge and for a failed match-selection or verify.
func sendPaymentRequiredWithError(w http.ResponseWriter, accepts []PaymentRequirements, errorMessage, payer string) {
	response := PaymentRequiredResponse{
		X402Version: 2,
		Error:       errorMessage,
		Accepts:     accepts,
	}

	body := struct {
		PaymentRequiredResponse
		Payer string `json:"payer,omitempty"`
	}{PaymentRequiredResponse: response, Payer: payer}

	if responseJSON, err := json.Marshal(body); err == nil {
		w.Header().Set(HeaderPaymentRequired, base64.StdEncoding.EncodeToString(responseJSON))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(body)
}

// sendPaymentErrorResponse writes err's message and, when err carries one of
// the ErrCode* classifications, its code, so callers can branch on Code
// instead of parsing the message string.
func sendPaymentErrorResponse(w http.ResponseWriter, statusCode int, err error) {
	body := map[string]string{"error": err.Error()}
	if code := GetPaymentErrorCode(err); code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// parsePaymentPayload decodes a V2 PAYMENT-SIGNATURE header into a PaymentPayload.
func parsePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "failed to decode base64", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "failed to parse JSON", err)
	}

	if payload.X402Version < 2 {
		return nil, NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("PAYMENT-SIGNATURE header requires x402Version >= 2, got %d", payload.X402Version), nil)
	}

	if payload.Payload == nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payload is required", nil)
	}

	return &payload, nil
}

// parseLegacyPayment decodes a V1 X-PAYMENT header and converts to V2 PaymentPayload.
func parseLegacyPayment(header string, requirements *PaymentRequirements) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "failed to decode base64", err)
	}

	var legacy LegacyPayment
	if err := json.Unmarshal(payloadBytes, &legacy); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "failed to parse JSON", err)
	}

	if legacy.X402Version == 0 {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "x402Version is required", nil)
	}
	if legacy.Scheme == "" {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "scheme is required", nil)
	}
	if legacy.Network == "" {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "network is required", nil)
	}
	if legacy.Payload == nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payload is required", nil)
	}

	// Convert V1 to V2 payload format.
	accepted := PaymentRequirements{
		Scheme:  legacy.Scheme,
		Network: legacy.Network,
	}
	if requirements != nil {
		accepted.Amount = requirements.Amount
		accepted.Asset = requirements.Asset
		accepted.PayTo = requirements.PayTo
		accepted.NetworkID = requirements.NetworkID
	}

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted:    accepted,
		Payload:     legacy.Payload,
	}, nil
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payment context not found", nil)
	}
	if !payment.Verified {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payment not verified", nil)
	}
	return payment, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	// Try PAYMENT-REQUIRED header first (V2).
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err == nil {
			var paymentReq PaymentRequiredResponse
			if err := json.Unmarshal(decoded, &paymentReq); err == nil {
				return &paymentReq, nil
			}
		}
	}

	// Fall back to body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

// isBrowserRequest reports whether the request looks like it came from a
// browser rather than an agent or API client: browsers send both an Accept
// header favoring HTML and a Mozilla-style User-Agent.
func isBrowserRequest(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}

	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}

// buildAcceptsFromRule constructs all PaymentRequirements a pricing rule accepts,
// one per token, with the CAIP-2 chain ID resolved for match selection.
func buildAcceptsFromRule(rule *PricingRule, validityDuration time.Duration) []PaymentRequirements {
	accepts := make([]PaymentRequirements, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		accepts = append(accepts, PaymentRequirements{
			Scheme:            "exact",
			Network:           token.Network,
			NetworkID:         chain.ResolveChainID(token.Network),
			Amount:            token.Amount,
			TokenDecimals:     token.TokenDecimals,
			Asset:             token.AssetContract,
			PayTo:             token.Recipient,
			MaxTimeoutSeconds: int(validityDuration.Seconds()),
			Resource:          rule.Description,
			Description:       rule.Description,
			MimeType:          rule.MimeType,
			Extra: map[string]interface{}{
				"name":    token.TokenName,
				"version": "2",
			},
		})
	}
	return accepts
}
