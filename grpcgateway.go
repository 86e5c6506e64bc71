package x402

import (
	"context"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(paymentMetadataAnnotator)
}

// paymentMetadataAnnotator builds the gRPC metadata carrying payment context,
// including the numeric chain ID middleware.go resolves from the CAIP-2
// network string so downstream gRPC handlers don't need chain.ResolveChainID.
func paymentMetadataAnnotator(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil {
		return md
	}

	if payment.Verified {
		md.Set("x-payment-verified", "true")
		md.Set("x-payment-payer", payment.PayerAddress)
		md.Set("x-payment-amount", payment.Amount)
		md.Set("x-payment-network", payment.Network)

		if payment.NetworkID != 0 {
			md.Set("x-payment-network-id", strconv.FormatInt(payment.NetworkID, 10))
		}

		if payment.TokenSymbol != "" {
			md.Set("x-payment-token", payment.TokenSymbol)
		}

		if payment.TransactionHash != "" {
			md.Set("x-payment-tx-hash", payment.TransactionHash)
		}
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	// Check if payment was verified
	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	// Extract payment details
	payment := &PaymentContext{
		Verified: true,
	}

	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.PayerAddress = payer[0]
	}

	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}

	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}

	if networkID := md.Get("x-payment-network-id"); len(networkID) > 0 {
		if n, err := strconv.ParseInt(networkID[0], 10, 64); err == nil {
			payment.NetworkID = n
		}
	}

	if token := md.Get("x-payment-token"); len(token) > 0 {
		payment.TokenSymbol = token[0]
	}

	if txHash := md.Get("x-payment-tx-hash"); len(txHash) > 0 {
		payment.TransactionHash = txHash[0]
	}

	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
