// Package sesstokgen provides the default sessmanager.TokenGenerator.
package sesstokgen

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/romshark/shardforms/modules/sessmanager"
)

var _ sessmanager.TokenGenerator = Generator{}

const (
	// DefaultLength is the number of random bytes used to generate
	// session tokens. 32 bytes provides 256 bits of entropy.
	DefaultLength = 32

	// MinLength is the smallest accepted length.
	// Shorter lengths fall back to DefaultLength.
	MinLength = 16
)

// Generator generates cryptographically secure session tokens.
type Generator struct {
	// Length is the number of random bytes to generate.
	// Defaults to DefaultLength if below MinLength.
	Length int
}

// Generate returns a new cryptographically random session token
// encoded as URL-safe base64 without padding.
func (g Generator) Generate() (string, error) {
	length := g.Length
	if length < MinLength {
		length = DefaultLength
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// RawURLEncoding uses only A-Z, a-z, 0-9, '-' and '_',
	// none of which are NATS subject syntax ('.', '*', '>').
	return base64.RawURLEncoding.EncodeToString(b), nil
}
