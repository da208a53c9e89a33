// Package csrf defines the interface for CSRF token generation and validation.
package csrf

// TokenManager generates and validates CSRF tokens bound to a visitor session.
//
// Implementations must be safe for concurrent use.
type TokenManager interface {
	// GenerateToken returns a token bound to visitorID and the session
	// issuance time in unix seconds. Returns "" if issuedAtUnix is negative.
	GenerateToken(visitorID string, issuedAtUnix int64) string

	// ValidateToken reports whether token was generated for visitorID
	// and issuedAtUnix.
	ValidateToken(visitorID string, issuedAtUnix int64, token string) bool
}
