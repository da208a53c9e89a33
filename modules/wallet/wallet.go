// Package wallet implements session.IdentityProvider for a redirect-based
// web wallet.
//
// Sign-in sends the browser to {WalletURL}/login/ which redirects back to
// the success URL with an account_id query parameter once the visitor
// approved the application. The success URL carries a one-time nonce
// kept in the visitor's Store, callbacks without the pending nonce are
// rejected. The signed-in account is kept in a Store owned by the
// visitor's browser session.
package wallet

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/romshark/shardforms/modules/sesstokgen"
	"github.com/romshark/shardforms/session"
)

var (
	_ session.IdentityProvider = (*Connection)(nil)
	_ session.AccountNamer     = (*Connection)(nil)
)

// DefaultWalletURL is the wallet used when Config.WalletURL is empty.
const DefaultWalletURL = "https://wallet.testnet.near.org"

// NonceParam is the success URL query parameter carrying the nonce
// of the pending sign-in request.
const NonceParam = "sign_in"

var (
	ErrWalletURL          = errors.New("wallet URL must be an absolute http(s) URL")
	ErrReturnURL          = errors.New("return URL must be absolute")
	ErrInvalidAccID       = errors.New("invalid account ID")
	ErrSignInNotRequested = errors.New("sign-in callback doesn't match a pending request")
	ErrEmptyNonce         = errors.New("empty sign-in nonce")
)

// Store persists the auth data of one visitor.
type Store interface {
	// AccountID returns the signed-in account, "" if signed out.
	AccountID(ctx context.Context) (string, error)

	// SetAccountID replaces the signed-in account. "" signs out.
	SetAccountID(ctx context.Context, accountID string) error

	// SignInNonce returns the nonce of the pending sign-in request,
	// "" if there is none.
	SignInNonce(ctx context.Context) (string, error)

	// SetSignInNonce replaces the pending nonce. "" clears it.
	SetSignInNonce(ctx context.Context, nonce string) error
}

// NonceGenerator generates unguessable sign-in nonces.
type NonceGenerator interface {
	Generate() (string, error)
}

// Config configures the wallet.
type Config struct {
	// WalletURL defaults to DefaultWalletURL.
	WalletURL string

	// NonceGenerator defaults to a sesstokgen.Generator.
	// Nonces must be safe to use in URL queries unescaped.
	NonceGenerator NonceGenerator
}

// Wallet creates per-visitor connections.
type Wallet struct {
	walletURL *url.URL
	nonces    NonceGenerator
}

// New creates a new wallet.
func New(conf Config) (*Wallet, error) {
	if conf.WalletURL == "" {
		conf.WalletURL = DefaultWalletURL
	}
	u, err := url.Parse(conf.WalletURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWalletURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrWalletURL
	}
	if conf.NonceGenerator == nil {
		conf.NonceGenerator = sesstokgen.Generator{Length: sesstokgen.MinLength}
	}
	return &Wallet{walletURL: u, nonces: conf.NonceGenerator}, nil
}

// Connect returns the connection of the visitor whose auth data is kept
// in store. returnURL is the absolute page URL the wallet redirects back to.
func (w *Wallet) Connect(store Store, returnURL *url.URL) *Connection {
	return &Connection{wallet: w, store: store, returnURL: returnURL}
}

// Connection is the wallet connection of a single visitor.
type Connection struct {
	wallet    *Wallet
	store     Store
	returnURL *url.URL
}

// IsSignedIn implements session.IdentityProvider.
func (c *Connection) IsSignedIn(ctx context.Context) (bool, error) {
	id, err := c.store.AccountID(ctx)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// AccountID implements session.AccountNamer.
func (c *Connection) AccountID(ctx context.Context) (string, error) {
	return c.store.AccountID(ctx)
}

// RequestSignIn implements session.IdentityProvider.
// It stores a new pending nonce replacing any previous one and returns
// the wallet login URL. The visitor is signed in once the wallet
// redirects back and CompleteSignIn is called.
func (c *Connection) RequestSignIn(
	ctx context.Context, contractID, appTitle string,
) (string, error) {
	if c.returnURL == nil || !c.returnURL.IsAbs() {
		return "", ErrReturnURL
	}
	nonce, err := c.wallet.nonces.Generate()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	if nonce == "" {
		return "", ErrEmptyNonce
	}
	if err := c.store.SetSignInNonce(ctx, nonce); err != nil {
		return "", fmt.Errorf("storing nonce: %w", err)
	}

	back := *c.returnURL
	back.RawQuery, back.ForceQuery = "", false
	back.Fragment, back.RawFragment = "", ""
	success := back
	success.RawQuery = url.Values{NonceParam: {nonce}}.Encode()

	q := url.Values{}
	q.Set("title", appTitle)
	if contractID != "" {
		q.Set("contract_id", contractID)
	}
	q.Set("success_url", success.String())
	q.Set("failure_url", back.String())

	login := *c.wallet.walletURL
	login.Path = strings.TrimSuffix(login.Path, "/") + "/login/"
	login.RawPath = ""
	login.RawQuery = q.Encode()
	return login.String(), nil
}

// CompleteSignIn stores the account returned by the wallet in query.
// It reports false if query doesn't carry a sign-in callback.
// The callback must carry the pending nonce, which is cleared by any
// callback whether accepted or not.
func (c *Connection) CompleteSignIn(ctx context.Context, query url.Values) (bool, error) {
	if !query.Has(session.CallbackParam) {
		return false, nil
	}
	pending, err := c.store.SignInNonce(ctx)
	if err != nil {
		return false, fmt.Errorf("reading nonce: %w", err)
	}
	if pending == "" {
		return false, ErrSignInNotRequested
	}
	if err := c.store.SetSignInNonce(ctx, ""); err != nil {
		return false, fmt.Errorf("clearing nonce: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(pending), []byte(query.Get(NonceParam))) != 1 {
		return false, ErrSignInNotRequested
	}

	accountID := query.Get(session.CallbackParam)
	if !ValidAccountID(accountID) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAccID, accountID)
	}
	if err := c.store.SetAccountID(ctx, accountID); err != nil {
		return false, fmt.Errorf("storing account ID: %w", err)
	}
	return true, nil
}

// SignOut implements session.IdentityProvider.
func (c *Connection) SignOut(ctx context.Context) error {
	return c.store.SetAccountID(ctx, "")
}

// ValidAccountID reports whether id is a well-formed account ID:
// 2 to 64 characters of lowercase letters, digits and the separators
// '-', '_' and '.', where separators never lead, trail or repeat.
func ValidAccountID(id string) bool {
	if len(id) < 2 || len(id) > 64 {
		return false
	}
	prevSep := true
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevSep = false
		case strings.IndexByte("-_.", c) >= 0:
			if prevSep {
				return false
			}
			prevSep = true
		default:
			return false
		}
	}
	return !prevSep
}
