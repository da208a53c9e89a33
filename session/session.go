// Package session implements the sign-in/sign-out lifecycle of a page
// against a redirect-based identity provider.
//
// State transitions are expressed by the pure Reduce function.
// Controller drives the provider and applies the transitions.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// CallbackParam is the query parameter the identity provider appends
// to the return URL after a completed sign-in.
const CallbackParam = "account_id"

// DefaultSettleDelay is the time the provider is given to clear its
// local session after signing out.
const DefaultSettleDelay = 500 * time.Millisecond

// Status is the authentication status of a page session.
type Status int8

const (
	SignedOut Status = iota
	SignedIn
)

func (s Status) String() string {
	switch s {
	case SignedOut:
		return "signed-out"
	case SignedIn:
		return "signed-in"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// State is the session state of a page.
type State struct {
	Status Status

	// Message is displayed next to the page title. Empty means none.
	Message string
}

// Authenticated reports whether the state is SignedIn.
func (s State) Authenticated() bool { return s.Status == SignedIn }

// Event is a session state transition.
type Event interface{ isSessionEvent() }

type (
	// EventSignedIn enters SignedIn. A non-empty Message replaces the
	// displayed message.
	EventSignedIn struct{ Message string }

	// EventSignedOut enters SignedOut and clears the displayed message.
	EventSignedOut struct{}
)

func (EventSignedIn) isSessionEvent()  {}
func (EventSignedOut) isSessionEvent() {}

// Reduce returns the state resulting from applying e to s.
func Reduce(s State, e Event) State {
	switch e := e.(type) {
	case EventSignedIn:
		s.Status = SignedIn
		if e.Message != "" {
			s.Message = e.Message
		}
	case EventSignedOut:
		s = State{Status: SignedOut}
	}
	return s
}

// IdentityProvider is the external service authenticating visitors.
type IdentityProvider interface {
	// IsSignedIn reports whether the visitor is currently signed in.
	IsSignedIn(ctx context.Context) (bool, error)

	// RequestSignIn starts the redirect-based sign-in flow and returns
	// the URL the browser must be sent to.
	RequestSignIn(ctx context.Context, contractID, appTitle string) (redirect string, err error)

	// SignOut clears the visitor's provider session.
	SignOut(ctx context.Context) error
}

// AccountNamer is optionally implemented by an IdentityProvider
// that can tell the signed-in account.
type AccountNamer interface {
	AccountID(ctx context.Context) (string, error)
}

// Clock schedules delayed functions.
type Clock interface {
	AfterFunc(d time.Duration, f func())
}

// SystemClock is the Clock backed by package time.
type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

// Config parameterizes a Controller.
type Config struct {
	// ContractID is the contract the sign-in is requested for.
	ContractID string

	// AppTitle is the application name shown by the identity provider.
	AppTitle string

	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration
}

// Outcome is the result of a flow.
type Outcome struct {
	State State

	// Redirect is the location the browser must be sent to replacing
	// the current history entry. Empty if no navigation is necessary.
	Redirect string
}

// Controller drives the session lifecycle of one page load.
// It is safe for concurrent use.
type Controller struct {
	provider IdentityProvider
	clock    Clock
	conf     Config

	lock  sync.Mutex
	state State
}

// NewController creates a new controller. The initial state is
// SignedOut until Mount is called.
func NewController(provider IdentityProvider, clock Clock, conf Config) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if conf.SettleDelay <= 0 {
		conf.SettleDelay = DefaultSettleDelay
	}
	return &Controller{provider: provider, clock: clock, conf: conf}
}

// State returns the current state.
func (c *Controller) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Controller) dispatch(e Event) State {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = Reduce(c.state, e)
	return c.state
}

// Mount queries the provider and runs the matching flow for location.
func (c *Controller) Mount(ctx context.Context, location *url.URL) (Outcome, error) {
	signedIn, err := c.provider.IsSignedIn(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking sign-in status: %w", err)
	}
	if signedIn {
		return c.signedInFlow(ctx, location)
	}
	return c.signedOutFlow(location), nil
}

func (c *Controller) signedInFlow(ctx context.Context, location *url.URL) (Outcome, error) {
	var msg string
	if namer, ok := c.provider.(AccountNamer); ok {
		accountID, err := namer.AccountID(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("reading account ID: %w", err)
		}
		if accountID != "" {
			msg = "Signed in as " + accountID
		}
	}
	return Outcome{
		State:    c.dispatch(EventSignedIn{Message: msg}),
		Redirect: StripCallback(location),
	}, nil
}

func (c *Controller) signedOutFlow(location *url.URL) Outcome {
	return Outcome{
		State:    c.dispatch(EventSignedOut{}),
		Redirect: StripCallback(location),
	}
}

// RequestSignIn starts the provider's sign-in flow for the configured
// contract and application title.
func (c *Controller) RequestSignIn(ctx context.Context) (redirect string, err error) {
	redirect, err = c.provider.RequestSignIn(ctx, c.conf.ContractID, c.conf.AppTitle)
	if err != nil {
		return "", fmt.Errorf("requesting sign-in: %w", err)
	}
	return redirect, nil
}

// SignOut signs out of the provider immediately and runs the signed-out
// flow for location once the settle delay has elapsed. The returned
// channel receives the outcome and is closed. The delay can't be canceled.
func (c *Controller) SignOut(ctx context.Context, location *url.URL) (<-chan Outcome, error) {
	if err := c.provider.SignOut(ctx); err != nil {
		return nil, fmt.Errorf("signing out: %w", err)
	}
	done := make(chan Outcome, 1)
	c.clock.AfterFunc(c.conf.SettleDelay, func() {
		done <- c.signedOutFlow(location)
		close(done)
	})
	return done, nil
}

// HasCallback reports whether location carries the sign-in callback marker.
func HasCallback(location *url.URL) bool {
	if location == nil {
		return false
	}
	_, ok := location.Query()[CallbackParam]
	return ok
}

// StripCallback returns location without its query and fragment if it
// carries the sign-in callback marker, otherwise it returns "".
// Applying it to its own result always returns "".
func StripCallback(location *url.URL) string {
	if !HasCallback(location) {
		return ""
	}
	u := *location
	u.RawQuery, u.ForceQuery = "", false
	u.Fragment, u.RawFragment = "", ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
