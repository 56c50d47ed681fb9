package oracle

import (
	"context"
	"testing"

	"github.com/CedrosPay/kora-server/internal/config"
)

func TestMock_PriceInLamports(t *testing.T) {
	m := NewMock(map[string]float64{"USDC": 6_900_000})

	price, err := m.PriceInLamports(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("PriceInLamports: %v", err)
	}
	if price != 6_900_000 {
		t.Errorf("price = %v, want 6900000", price)
	}
}

func TestMock_UnknownMint(t *testing.T) {
	m := NewMock(nil)
	if _, err := m.PriceInLamports(context.Background(), "UNKNOWN"); err == nil {
		t.Fatal("expected error for unconfigured mint")
	}
}

func TestLamportValue_AppliesDecimals(t *testing.T) {
	m := NewMock(map[string]float64{"USDC": 6_900_000}) // 1 USDC = 0.0069 SOL

	// 5 USDC at 6 decimals = 5_000_000 atomic units.
	lamports, err := LamportValue(context.Background(), m, "USDC", 5_000_000, 6)
	if err != nil {
		t.Fatalf("LamportValue: %v", err)
	}
	want := uint64(5 * 6_900_000)
	if lamports != want {
		t.Errorf("lamports = %d, want %d", lamports, want)
	}
}

func TestMulti_DispatchesBySourceAndFallback(t *testing.T) {
	mock := NewMock(map[string]float64{"MOCKED": 1_000})
	jupiter := NewMock(map[string]float64{"FALLBACK": 2_000})

	tokens := config.TokensConfig{
		AcceptedMints: []config.TokenConfig{
			{Mint: "MOCKED", PriceSource: "mock"},
			{Mint: "FALLBACK"}, // no price_source -> falls back to jupiter
		},
	}
	multi := NewMulti(tokens, jupiter, mock)

	price, err := multi.PriceInLamports(context.Background(), "MOCKED")
	if err != nil {
		t.Fatalf("PriceInLamports(MOCKED): %v", err)
	}
	if price != 1_000 {
		t.Errorf("MOCKED price = %v, want 1000", price)
	}

	price, err = multi.PriceInLamports(context.Background(), "FALLBACK")
	if err != nil {
		t.Fatalf("PriceInLamports(FALLBACK): %v", err)
	}
	if price != 2_000 {
		t.Errorf("FALLBACK price = %v, want 2000", price)
	}
}

func TestMulti_UnsupportedMint(t *testing.T) {
	multi := NewMulti(config.TokensConfig{}, NewMock(nil), NewMock(nil))
	if _, err := multi.PriceInLamports(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error for unsupported mint")
	}
}
