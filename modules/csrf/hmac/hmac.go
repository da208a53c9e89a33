// Package hmac provides an HMAC-SHA256 based CSRF token manager.
//
// Each token is the session's HMAC base XORed with a fresh random mask,
// prefixed by the mask. Tokens thus differ per response while validating
// against the same base.
package hmac

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/romshark/shardforms/modules/csrf"
)

var _ csrf.TokenManager = (*TokenManager)(nil)

var ErrEmptySecret = errors.New("empty CSRF secret")

const (
	baseLen    = sha256.Size
	rawLen     = 2 * baseLen
	encodedLen = (rawLen*8 + 5) / 6 // RawURLEncoding of rawLen bytes
)

// TokenManager implements csrf.TokenManager.
type TokenManager struct {
	secret []byte
}

// New creates a new TokenManager keyed by secret.
func New(secret []byte) (*TokenManager, error) {
	if len(secret) < 1 {
		return nil, ErrEmptySecret
	}
	return &TokenManager{secret: append([]byte(nil), secret...)}, nil
}

func (tm *TokenManager) base(visitorID string, issuedAtUnix int64) []byte {
	h := hmac.New(sha256.New, tm.secret)
	var issuedAt [8]byte
	binary.BigEndian.PutUint64(issuedAt[:], uint64(issuedAtUnix))
	_, _ = h.Write(issuedAt[:])
	_, _ = h.Write([]byte(visitorID))
	return h.Sum(nil)
}

// GenerateToken implements csrf.TokenManager.
func (tm *TokenManager) GenerateToken(visitorID string, issuedAtUnix int64) string {
	if issuedAtUnix < 0 {
		return ""
	}
	base := tm.base(visitorID, issuedAtUnix)
	raw := make([]byte, rawLen)
	// [ mask | base ^ mask ]
	if _, err := rand.Read(raw[:baseLen]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms.
	}
	for i := range baseLen {
		raw[baseLen+i] = base[i] ^ raw[i]
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ValidateToken implements csrf.TokenManager.
func (tm *TokenManager) ValidateToken(visitorID string, issuedAtUnix int64, token string) bool {
	if len(token) != encodedLen || issuedAtUnix < 0 {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != rawLen {
		return false
	}
	got := make([]byte, baseLen)
	for i := range baseLen {
		got[i] = raw[baseLen+i] ^ raw[i]
	}
	return subtle.ConstantTimeCompare(got, tm.base(visitorID, issuedAtUnix)) == 1
}
