// Package capability handles capability sets and their signed token form.
//
// Structural grants (policy decisions) are plain string sets; override
// grants — mediator coupling, readiness overrides — travel as Ed25519-signed
// JWTs so a holder can present them across process boundaries without the
// kernel trusting the transport.
package capability

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const issuer = "maple.kernel/capability"

// Claims extends standard JWT claims with the granted capability set.
type Claims struct {
	jwt.RegisteredClaims
	WorldLine    contracts.WorldLineID `json:"worldline"`
	Capabilities []string              `json:"capabilities"`
}

// TokenManager mints and validates capability tokens.
type TokenManager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewTokenManager creates a manager over the kernel's capability keypair.
func NewTokenManager(priv ed25519.PrivateKey) *TokenManager {
	return &TokenManager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Mint creates a signed token granting the capabilities to a worldline.
func (tm *TokenManager) Mint(w contracts.WorldLineID, capabilities []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(w),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		WorldLine:    w,
		Capabilities: capabilities,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(tm.priv)
	if err != nil {
		return "", fmt.Errorf("capability: sign: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the capabilities it grants to the
// worldline. Tokens for a different worldline fail with ErrCapabilityMissing.
func (tm *TokenManager) Validate(tokenString string, w contracts.WorldLineID) ([]string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("capability: unexpected signing method %v", t.Header["alg"])
		}
		return tm.pub, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.WorldLine != w {
		return nil, fmt.Errorf("%w: token bound to another worldline", contracts.ErrCapabilityMissing)
	}
	return claims.Capabilities, nil
}

// Covers reports whether granted ⊇ requested, returning the missing set.
func Covers(granted, requested []string) (bool, []string) {
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[g] = true
	}
	var missing []string
	for _, r := range requested {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}
