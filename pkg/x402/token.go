package x402

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecisionClaims is the walletAuthorizationDecisionToken body. The token
// is minted by the wallet authorize operation and consumed once by
// authorize-payment, which pins it to the gate.
type DecisionClaims struct {
	SponsorWalletRef string `json:"sponsorWalletRef"`
	GateID           string `json:"gateId"`
	QuoteID          string `json:"quoteId,omitempty"`
	AuthorizationID  string `json:"authorizationId"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies EdDSA decision tokens.
type TokenIssuer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
	ttl   time.Duration
}

// NewTokenIssuer generates a fresh issuing key.
func NewTokenIssuer(keyID string, ttl time.Duration) (*TokenIssuer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("x402: token key generation: %w", err)
	}
	return &TokenIssuer{priv: priv, pub: pub, keyID: keyID, ttl: ttl}, nil
}

// NewTokenIssuerFromSeed derives the issuing key from a 32-byte seed.
func NewTokenIssuerFromSeed(seed []byte, keyID string, ttl time.Duration) (*TokenIssuer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("x402: token seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &TokenIssuer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
		ttl:   ttl,
	}, nil
}

// Mint issues a signed decision token.
func (t *TokenIssuer) Mint(claims DecisionClaims, now time.Time) (string, error) {
	claims.Issuer = "settld-proxy"
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = t.keyID
	signed, err := tok.SignedString(t.priv)
	if err != nil {
		return "", fmt.Errorf("x402: mint decision token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and expiry and returns the claims.
func (t *TokenIssuer) Parse(token string, now time.Time) (DecisionClaims, error) {
	var claims DecisionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.pub, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return DecisionClaims{}, fmt.Errorf("x402: decision token invalid: %w", err)
	}
	if !parsed.Valid {
		return DecisionClaims{}, fmt.Errorf("x402: decision token invalid")
	}
	return claims, nil
}
