package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	x402 "github.com/AEON-Project/bnb-x402"
	"github.com/AEON-Project/bnb-x402/exactevm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Server is the FacilitatorService: an HTTP API wrapping a SchemeEngine.
type Server struct {
	Engine *exactevm.Engine

	// APIKeys, when non-empty, requires callers to present one of these
	// values as an "Authorization: Bearer <key>" header. Empty disables
	// the check entirely.
	APIKeys map[string]bool

	// Supported lists the (scheme, network) pairs this facilitator can
	// service, returned verbatim by POST /supported.
	Supported []SupportedKind

	// Logf receives one line per verify/settle outcome; nil discards it.
	// cmd/facilitatord wires this to log/slog.
	Logf func(format string, args ...interface{})
}

// Handler builds the http.Handler for this server's three endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", s.withAuth(s.handleVerify))
	mux.HandleFunc("/settle", s.withAuth(s.handleSettle))
	mux.HandleFunc("/supported", s.handleSupported)
	return mux
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// withAuth enforces the optional Bearer APIKeys check per spec §6 ("All
// endpoints accept optional Authorization: Bearer <key>").
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.APIKeys) == 0 {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		key := strings.TrimPrefix(auth, "Bearer ")
		if key == "" || key == auth || !s.APIKeys[key] {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing or invalid bearer token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var wireReq VerifyWireRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyWireResponse{IsValid: false, InvalidReason: exactevm.ReasonInvalidPayload})
		return
	}

	requirement, err := decodeRequirement(wireReq.PaymentRequirements)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyWireResponse{IsValid: false, InvalidReason: exactevm.ReasonInvalidPayload})
		return
	}
	payload, err := decodeEVMPayload(wireReq.PaymentPayload.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyWireResponse{IsValid: false, InvalidReason: exactevm.ReasonInvalidPayload})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeoutFor(wireReq.PaymentRequirements))
	defer cancel()

	result, err := s.Engine.Verify(ctx, exactevm.VerifyRequest{
		X402Version:       wireReq.PaymentPayload.X402Version,
		Scheme:            wireReq.PaymentPayload.Accepted.Scheme,
		RequirementScheme: wireReq.PaymentRequirements.Scheme,
		Network:           wireReq.PaymentPayload.Accepted.Network,
		Payload:           payload,
		Requirement:       requirement,
	})
	if err != nil {
		s.logf("verify request=%s error=%v", requestID, err)
		writeJSON(w, http.StatusInternalServerError, VerifyWireResponse{IsValid: false, InvalidReason: exactevm.ReasonUnexpectedVerifyError})
		return
	}

	s.logf("verify request=%s isValid=%t reason=%s payer=%s", requestID, result.IsValid, result.InvalidReason, result.Payer.Hex())

	status := http.StatusOK
	if !result.IsValid {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, VerifyWireResponse{
		IsValid:       result.IsValid,
		InvalidReason: result.InvalidReason,
		Payer:         addressOrEmpty(result.Payer),
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var wireReq SettleWireRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeJSON(w, http.StatusBadRequest, SettleWireResponse{Success: false, ErrorReason: exactevm.ReasonInvalidPayload})
		return
	}

	requirement, err := decodeRequirement(wireReq.PaymentRequirements)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, SettleWireResponse{Success: false, ErrorReason: exactevm.ReasonInvalidPayload})
		return
	}
	payload, err := decodeEVMPayload(wireReq.PaymentPayload.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, SettleWireResponse{Success: false, ErrorReason: exactevm.ReasonInvalidPayload})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeoutFor(wireReq.PaymentRequirements))
	defer cancel()

	result, err := s.Engine.Settle(ctx, exactevm.SettleRequest{
		X402Version: wireReq.PaymentPayload.X402Version,
		Network:     wireReq.PaymentPayload.Accepted.Network,
		Payload:     payload,
		Requirement: requirement,
		Resource:    wireReq.PaymentRequirements.Resource,
	})
	if err != nil {
		s.logf("settle request=%s error=%v", requestID, err)
		writeJSON(w, http.StatusInternalServerError, SettleWireResponse{Success: false, ErrorReason: exactevm.ReasonUnexpectedSettleError})
		return
	}

	s.logf("settle request=%s success=%t reason=%s tx=%s payer=%s", requestID, result.Success, result.ErrorReason, result.Transaction, result.Payer.Hex())

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, SettleWireResponse{
		Success:     result.Success,
		Transaction: result.Transaction,
		Namespace:   "evm",
		Payer:       addressOrEmpty(result.Payer),
		ErrorReason: result.ErrorReason,
	})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SupportedWireResponse{Kinds: s.Supported})
}

func timeoutFor(pr x402.PaymentRequirements) time.Duration {
	if pr.MaxTimeoutSeconds > 0 {
		return time.Duration(pr.MaxTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

func addressOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
