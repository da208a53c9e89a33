// Package sessmanager defines the storage of visitor sessions identified
// by an opaque token kept in an HTTP-only cookie.
package sessmanager

import (
	"context"
	"errors"
	"net/http"
)

// ErrSessionNotFound is returned when a session doesn't exist or was closed.
var ErrSessionNotFound = errors.New("session not found")

// TokenGenerator generates cryptographically random unique session identifiers.
type TokenGenerator interface {
	// Generates a cryptographically random session token.
	Generate() (string, error)
}

type SessionManager[Session any] interface {
	// ReadSessionFromCookie returns the resolved session, the raw token
	// and the ID of the visitor owning the session.
	// Returns ok=false, err=nil if the cookie is missing, malformed or the session
	// doesn't exist, in which case the cookie must be replaced.
	// Returns (ok=false,err!=nil) on transient backend failures, in which case the
	// caller should keep the cookie and fail the request.
	ReadSessionFromCookie(c *http.Cookie) (
		session Session, token, visitorID string, ok bool, err error,
	)

	// CreateSession creates a new session identified by a unique token.
	// The returned token will be put into HTTP-only cookies.
	CreateSession(
		ctx context.Context, visitorID string, session Session,
	) (token string, err error)

	// Session returns the current state of the session identified by token.
	// Returns ErrSessionNotFound if it doesn't exist.
	Session(ctx context.Context, token string) (Session, error)

	// SaveSession replaces the state of the existing session identified by token.
	// Returns ErrSessionNotFound if it doesn't exist.
	SaveSession(ctx context.Context, token string, session Session) error

	// CloseSession closes a session identified by token.
	// No-op and no error if that session doesn't exist.
	CloseSession(ctx context.Context, token string) error
}
