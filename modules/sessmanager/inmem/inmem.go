// Package inmem provides an in-memory sessmanager.SessionManager
// for single-instance deployments and tests.
package inmem

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/romshark/shardforms/modules/sessmanager"
)

var ErrEmptyVisitorID = errors.New("visitorID must not be empty")

var _ sessmanager.SessionManager[struct{}] = (*SessionManager[struct{}])(nil)

type entry[S any] struct {
	visitorID string
	session   S
}

// SessionManager keeps sessions in a map guarded by a mutex.
// Sessions are lost when the process exits.
type SessionManager[S any] struct {
	tokenGenerator sessmanager.TokenGenerator

	lock     sync.Mutex
	sessions map[string]entry[S]
}

// New creates a new in-memory session manager.
func New[S any](tokenGenerator sessmanager.TokenGenerator) *SessionManager[S] {
	return &SessionManager[S]{
		tokenGenerator: tokenGenerator,
		sessions:       make(map[string]entry[S]),
	}
}

func (m *SessionManager[S]) ReadSessionFromCookie(
	c *http.Cookie,
) (session S, token, visitorID string, ok bool, err error) {
	if c == nil || c.Value == "" {
		return session, "", "", false, nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.sessions[c.Value]
	if !ok {
		return session, "", "", false, nil
	}
	return e.session, c.Value, e.visitorID, true, nil
}

func (m *SessionManager[S]) CreateSession(
	_ context.Context, visitorID string, session S,
) (string, error) {
	if visitorID == "" {
		return "", ErrEmptyVisitorID
	}
	token, err := m.tokenGenerator.Generate()
	if err != nil {
		return "", err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sessions[token] = entry[S]{visitorID: visitorID, session: session}
	return token, nil
}

func (m *SessionManager[S]) Session(_ context.Context, token string) (s S, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.sessions[token]
	if !ok {
		return s, sessmanager.ErrSessionNotFound
	}
	return e.session, nil
}

func (m *SessionManager[S]) SaveSession(_ context.Context, token string, session S) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.sessions[token]
	if !ok {
		return sessmanager.ErrSessionNotFound
	}
	e.session = session
	m.sessions[token] = e
	return nil
}

func (m *SessionManager[S]) CloseSession(_ context.Context, token string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.sessions, token)
	return nil
}

// Len returns the number of open sessions.
func (m *SessionManager[S]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}
