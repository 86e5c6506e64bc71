package x402

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestPaymentMetadataRoundTrip(t *testing.T) {
	paymentCtx := &PaymentContext{
		Verified:        true,
		PayerAddress:    "0xabc",
		Amount:          "1000000",
		TokenSymbol:     "USDC",
		Network:         "eip155:56",
		NetworkID:       56,
		TransactionHash: "0xdef",
	}

	ctx := context.WithValue(context.Background(), PaymentContextKey, paymentCtx)

	md := paymentMetadataAnnotator(ctx, nil)

	incomingCtx := metadata.NewIncomingContext(context.Background(), md)

	extracted, ok := GetPaymentFromGRPCContext(incomingCtx)
	if !ok {
		t.Fatal("expected payment to be found in gRPC metadata")
	}

	if extracted.PayerAddress != paymentCtx.PayerAddress {
		t.Errorf("payer mismatch: got %s, want %s", extracted.PayerAddress, paymentCtx.PayerAddress)
	}
	if extracted.Network != paymentCtx.Network {
		t.Errorf("network mismatch: got %s, want %s", extracted.Network, paymentCtx.Network)
	}
	if extracted.NetworkID != paymentCtx.NetworkID {
		t.Errorf("networkID mismatch: got %d, want %d", extracted.NetworkID, paymentCtx.NetworkID)
	}
	if extracted.TransactionHash != paymentCtx.TransactionHash {
		t.Errorf("tx hash mismatch: got %s, want %s", extracted.TransactionHash, paymentCtx.TransactionHash)
	}
}

func TestPaymentMetadataUnverifiedNotPropagated(t *testing.T) {
	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: false})

	md := paymentMetadataAnnotator(ctx, nil)

	incomingCtx := metadata.NewIncomingContext(context.Background(), md)

	if _, ok := GetPaymentFromGRPCContext(incomingCtx); ok {
		t.Error("expected no payment to be extracted when Verified is false")
	}
}
