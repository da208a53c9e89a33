// Package app implements the form pages of all variants.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/romshark/shardforms/modules/msgbroker"
	"github.com/romshark/shardforms/modules/sessmanager"
	"github.com/romshark/shardforms/modules/wallet"
	"github.com/romshark/shardforms/session"
)

var (
	ErrNoVariants        = errors.New("no variants configured")
	ErrDuplicateVariant  = errors.New("duplicate variant")
	ErrVariantNoClient   = errors.New("variant has no contract client")
	ErrInvalidVariantID  = errors.New("invalid variant ID")
	ErrBaseURL           = errors.New("base URL must be absolute")
	ErrSessionManagerNil = errors.New("session manager is required")
	ErrWalletNil         = errors.New("wallet is required")
)

type Redirect struct {
	Target string
	Status int
}

// Session is the visitor's browser session.
type Session struct {
	VisitorID string    `json:"vid"`
	AccountID string    `json:"acc,omitempty"`
	IssuedAt  time.Time `json:"iat"`

	// SignInNonce is the nonce of the pending wallet sign-in request.
	SignInNonce string `json:"sin,omitempty"`

	// Token is the session manager token, it's never persisted.
	Token string `json:"-"`
}

// Config configures the App.
type Config struct {
	// BaseURL is the public absolute URL of the server used to build
	// wallet return URLs. If empty, it's derived from the request.
	BaseURL string

	// SettleDelay defaults to session.DefaultSettleDelay.
	SettleDelay time.Duration
}

// Deps are the external collaborators of the App.
type Deps struct {
	Variants []*Variant
	Sessions sessmanager.SessionManager[Session]
	Wallet   *wallet.Wallet

	// Broker is optional, submission events aren't published if nil.
	Broker msgbroker.MessageBroker

	// Metrics defaults to unregistered metrics.
	Metrics *Metrics

	// Clock defaults to session.SystemClock.
	Clock session.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type App struct {
	conf     Config
	baseURL  *url.URL
	variants []*Variant
	sessions sessmanager.SessionManager[Session]
	wallet   *wallet.Wallet
	broker   msgbroker.MessageBroker
	metrics  *Metrics
	clock    session.Clock
	log      *slog.Logger
}

func NewApp(conf Config, deps Deps) (*App, error) {
	if len(deps.Variants) < 1 {
		return nil, ErrNoVariants
	}
	if deps.Sessions == nil {
		return nil, ErrSessionManagerNil
	}
	if deps.Wallet == nil {
		return nil, ErrWalletNil
	}
	seen := make(map[string]struct{}, len(deps.Variants))
	for _, v := range deps.Variants {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("variant %q: %w", v.ID, err)
		}
		if _, ok := seen[v.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateVariant, v.ID)
		}
		seen[v.ID] = struct{}{}
	}

	a := &App{
		conf:     conf,
		variants: deps.Variants,
		sessions: deps.Sessions,
		wallet:   deps.Wallet,
		broker:   deps.Broker,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Logger,
	}
	if conf.BaseURL != "" {
		u, err := url.Parse(conf.BaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, ErrBaseURL
		}
		a.baseURL = u
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	if a.clock == nil {
		a.clock = session.SystemClock{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

// Variants returns all configured variants in display order.
func (a *App) Variants() []*Variant { return a.variants }

// Sessions returns the visitor session manager.
func (a *App) Sessions() sessmanager.SessionManager[Session] { return a.sessions }

// Metrics returns the app metrics.
func (a *App) Metrics() *Metrics { return a.metrics }

// returnURL is the absolute page URL of v the wallet redirects back to.
func (a *App) returnURL(r *http.Request, v *Variant) *url.URL {
	if a.baseURL != nil {
		u := *a.baseURL
		u.Path = strings.TrimSuffix(u.Path, "/") + v.Path()
		u.RawPath, u.RawQuery, u.Fragment = "", "", ""
		return &u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: v.Path()}
}

// connect returns the visitor's wallet connection and session controller
// for a page of v.
func (a *App) connect(
	r *http.Request, v *Variant, sess Session,
) (*wallet.Connection, *session.Controller) {
	conn := a.wallet.Connect(
		sessionStore{sessions: a.sessions, token: sess.Token},
		a.returnURL(r, v),
	)
	ctrl := session.NewController(conn, a.clock, session.Config{
		ContractID:  v.ContractID,
		AppTitle:    v.AppTitle,
		SettleDelay: a.conf.SettleDelay,
	})
	return conn, ctrl
}

// sessionStore keeps the wallet's auth data in the visitor session.
type sessionStore struct {
	sessions sessmanager.SessionManager[Session]
	token    string
}

var _ wallet.Store = sessionStore{}

func (s sessionStore) AccountID(ctx context.Context) (string, error) {
	sess, err := s.sessions.Session(ctx, s.token)
	if err != nil {
		return "", fmt.Errorf("reading session: %w", err)
	}
	return sess.AccountID, nil
}

func (s sessionStore) SetAccountID(ctx context.Context, accountID string) error {
	return s.update(ctx, func(sess *Session) { sess.AccountID = accountID })
}

func (s sessionStore) SignInNonce(ctx context.Context) (string, error) {
	sess, err := s.sessions.Session(ctx, s.token)
	if err != nil {
		return "", fmt.Errorf("reading session: %w", err)
	}
	return sess.SignInNonce, nil
}

func (s sessionStore) SetSignInNonce(ctx context.Context, nonce string) error {
	return s.update(ctx, func(sess *Session) { sess.SignInNonce = nonce })
}

func (s sessionStore) update(ctx context.Context, fn func(*Session)) error {
	sess, err := s.sessions.Session(ctx, s.token)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	fn(&sess)
	if err := s.sessions.SaveSession(ctx, s.token, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Recover500 patches an error toast into the page.
func (*App) Recover500(
	_ error,
	sse *datastar.ServerSentEventGenerator,
) error {
	return sse.PatchElementTempl(toastError500(),
		datastar.WithSelectorID("toaster"),
		datastar.WithModeAppend())
}

// PageError404 is /not-found
type PageError404 struct{ App *App }

func (PageError404) GET(*http.Request) (body templ.Component, err error) {
	return pageError404(), nil
}
