package token

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Minter produces the token string handed out by Issue. The registry
// treats the result as opaque; revocation and expiry are enforced by the
// store mapping, never by the token's own contents.
type Minter interface {
	Mint(identity string, ttl time.Duration) (string, error)
}

// OpaqueMinter mints 32 random bytes (256 bits of entropy) encoded as
// unpadded base64url.
type OpaqueMinter struct{}

func (OpaqueMinter) Mint(string, time.Duration) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// JWTMinter mints HS256-signed JWTs with sub/iat/exp claims. Useful when
// callers want self-describing tokens; the registry still owns validity,
// so a minted-but-revoked JWT resolves to nothing.
type JWTMinter struct {
	secret []byte
}

// NewJWTMinter creates a JWTMinter with the given signing secret.
func NewJWTMinter(secret []byte) *JWTMinter {
	return &JWTMinter{secret: secret}
}

func (m *JWTMinter) Mint(identity string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
