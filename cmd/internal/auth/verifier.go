// Package auth verifies client-supplied identity tokens.
//
// The presence core never trusts a bare user id from the wire: in production
// mode the gateway demands a token minted by the surrounding auth system and
// uses the verified subject as the connection's identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// EnvIdentityKey holds the shared HMAC key for identity tokens.
	EnvIdentityKey = "TUNETIME_IDENTITY_HMAC_KEY"

	// minKeyBytes is the minimum HMAC-SHA256 key length, measured in bytes
	// because the key is used as raw bytes.
	minKeyBytes = 32
)

var (
	ErrKeyMissing   = errors.New("auth: identity HMAC key missing")
	ErrKeyTooShort  = fmt.Errorf("auth: identity HMAC key too short (min %d bytes)", minKeyBytes)
	ErrTokenInvalid = errors.New("auth: invalid identity token")
	ErrTokenExpired = errors.New("auth: identity token expired")
)

// HS256Verifier validates HS256 identity tokens whose subject is the user id.
type HS256Verifier struct {
	key []byte
}

// NewHS256Verifier constructs a verifier from a raw key.
func NewHS256Verifier(key []byte) (*HS256Verifier, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < minKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &HS256Verifier{key: key}, nil
}

// LoadVerifierFromEnv builds a verifier from TUNETIME_IDENTITY_HMAC_KEY.
func LoadVerifierFromEnv() (*HS256Verifier, error) {
	raw := strings.TrimSpace(os.Getenv(EnvIdentityKey))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	return NewHS256Verifier([]byte(raw))
}

// Verify parses and validates the token and returns the verified user id.
func (v *HS256Verifier) Verify(_ context.Context, token string) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", ErrKeyMissing
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenInvalid
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return sub, nil
}

// Issue mints a token for userID. Used by dev tooling and tests; production
// tokens come from the surrounding auth system with the same key.
func (v *HS256Verifier) Issue(userID string, now time.Time, ttl time.Duration) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", ErrKeyMissing
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("auth: empty user id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
