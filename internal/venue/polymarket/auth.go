package polymarket

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"prediction-arb/internal/config"
)

// exchangeContract is the CTF exchange the order domain binds signatures to.
const exchangeContract = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

var usdcScale = decimal.NewFromInt(1_000_000)

// Signer signs EIP-712 orders with the configured wallet key and hands out
// strictly increasing nonces. The funder may differ from the signing address
// when a proxy wallet holds the collateral.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address
	chainID    *big.Int

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewSigner builds a Signer from the venue config.
func NewSigner(cfg config.PolymarketConfig) (*Signer, error) {
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if cfg.FunderAddr != "" {
		funder = common.HexToAddress(cfg.FunderAddr)
	}

	return &Signer{
		privateKey: privateKey,
		address:    address,
		funder:     funder,
		chainID:    big.NewInt(int64(cfg.ChainID)),
	}, nil
}

// Address returns the signing wallet's address.
func (s *Signer) Address() common.Address { return s.address }

// Funder returns the collateral wallet's address.
func (s *Signer) Funder() common.Address { return s.funder }

// NextNonce returns max(now in ms, last+1) so nonces stay strictly
// increasing even when orders are signed within the same millisecond.
func (s *Signer) NextNonce() int64 {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	nonce := time.Now().UnixMilli()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	return nonce
}

// NewSalt returns a random 128-bit salt for order uniqueness.
func NewSalt() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	salt, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// SignOrder produces the EIP-712 signature for a wire order.
func (s *Signer) SignOrder(order WireOrder) (string, error) {
	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: exchangeContract,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "market", Type: "string"},
				{Name: "outcome", Type: "string"},
				{Name: "price", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
				{Name: "isBuy", Type: "bool"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":        order.Salt,
			"maker":       order.Maker,
			"market":      order.Market,
			"outcome":     order.Outcome,
			"price":       order.Price,
			"makerAmount": order.MakerAmount,
			"nonce":       order.Nonce,
			"expiry":      order.Expiry,
			"isBuy":       order.IsBuy,
		},
		"Order",
	)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (s *Signer) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// PriceTicks converts a probability price to integer ticks at 6 decimals,
// truncating toward zero. 0.4301 becomes 430100.
func PriceTicks(price float64) *big.Int {
	return decimal.NewFromFloat(price).Mul(usdcScale).Floor().BigInt()
}

// CollateralAmount converts size and price to the USDC collateral amount a
// buy commits, scaled to 6 decimals and truncated.
func CollateralAmount(price, size float64) *big.Int {
	p := decimal.NewFromFloat(price)
	n := decimal.NewFromFloat(size)
	return p.Mul(n).Mul(usdcScale).Floor().BigInt()
}

// ShareAmount converts a share size to 6-decimal units, truncated.
func ShareAmount(size float64) *big.Int {
	return decimal.NewFromFloat(size).Mul(usdcScale).Floor().BigInt()
}
