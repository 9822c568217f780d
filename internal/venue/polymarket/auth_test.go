package polymarket

import (
	"math/big"
	"strings"
	"testing"

	"prediction-arb/internal/config"
)

// Throwaway key for signing tests.
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(config.PolymarketConfig{PrivateKey: testKey, ChainID: 137})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestNewSignerDerivesAddress(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	if s.Address().Hex() == "" || s.Address().Big().Sign() == 0 {
		t.Fatal("expected non-zero derived address")
	}
	// Without a funder configured, collateral wallet == signer wallet.
	if s.Funder() != s.Address() {
		t.Errorf("funder = %s, want signer address %s", s.Funder().Hex(), s.Address().Hex())
	}
}

func TestNewSignerWithFunder(t *testing.T) {
	t.Parallel()

	funder := "0x00000000000000000000000000000000000000aa"
	s, err := NewSigner(config.PolymarketConfig{
		PrivateKey: testKey,
		ChainID:    137,
		FunderAddr: funder,
	})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if !strings.EqualFold(s.Funder().Hex(), funder) {
		t.Errorf("funder = %s, want %s", s.Funder().Hex(), funder)
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner(config.PolymarketConfig{PrivateKey: "nothex"}); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}

func TestNextNonceStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	last := int64(0)
	for i := 0; i < 100; i++ {
		n := s.NextNonce()
		if n <= last {
			t.Fatalf("nonce %d not greater than previous %d", n, last)
		}
		last = n
	}
}

func TestSignOrderProducesRecoverableSignature(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	order := WireOrder{
		Salt:        "12345",
		Maker:       s.Funder().Hex(),
		Market:      "0xdeadbeef",
		Outcome:     "YES",
		Price:       "430000",
		MakerAmount: "43000000",
		Nonce:       "1",
		Expiry:      "1700000120",
		IsBuy:       true,
	}

	sig, err := s.SignOrder(order)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") {
		t.Errorf("signature missing 0x prefix: %s", sig)
	}
	// 65 bytes hex encoded.
	if len(sig) != 2+130 {
		t.Errorf("signature length = %d, want 132", len(sig))
	}
	v := sig[len(sig)-2:]
	if v != "1b" && v != "1c" {
		t.Errorf("V byte = %s, want 1b or 1c", v)
	}

	// Same payload signs identically (deterministic ECDSA via RFC 6979).
	sig2, err := s.SignOrder(order)
	if err != nil {
		t.Fatalf("SignOrder second call: %v", err)
	}
	if sig != sig2 {
		t.Error("signatures differ for identical payloads")
	}
}

func TestPriceTicks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		price float64
		want  int64
	}{
		{"whole cent", 0.43, 430000},
		{"sub-tick truncates", 0.4301239, 430123},
		{"one", 0.999999, 999999},
		{"tiny", 0.000001, 1},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := PriceTicks(tt.price); got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("PriceTicks(%v) = %s, want %d", tt.price, got, tt.want)
			}
		})
	}
}

func TestAmountConversions(t *testing.T) {
	t.Parallel()

	// Buying 100 shares at 0.43 commits 43 USDC of collateral.
	if got := CollateralAmount(0.43, 100); got.Cmp(big.NewInt(43_000_000)) != 0 {
		t.Errorf("CollateralAmount = %s, want 43000000", got)
	}
	// Selling 100 shares moves 100e6 share units.
	if got := ShareAmount(100); got.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("ShareAmount = %s, want 100000000", got)
	}
	// Truncation, never rounding up.
	if got := CollateralAmount(0.333333, 1); got.Cmp(big.NewInt(333_333)) != 0 {
		t.Errorf("CollateralAmount truncation = %s, want 333333", got)
	}
}

func TestNewSaltUnique(t *testing.T) {
	t.Parallel()

	a, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	b, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	if a.Cmp(b) == 0 {
		t.Error("two salts collided, expected random values")
	}
}
