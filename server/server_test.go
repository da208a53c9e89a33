package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/modules/contract"
	"github.com/romshark/shardforms/modules/csrf/hmac"
	"github.com/romshark/shardforms/modules/msgbroker"
	"github.com/romshark/shardforms/modules/msgbroker/inmem"
	"github.com/romshark/shardforms/modules/sessmanager"
	sessinmem "github.com/romshark/shardforms/modules/sessmanager/inmem"
	"github.com/romshark/shardforms/modules/sesstokgen"
	"github.com/romshark/shardforms/modules/wallet"
	"github.com/romshark/shardforms/server"
)

type call struct {
	Method string
	Args   string
	Signer string
}

type fakeClient struct {
	lock   sync.Mutex
	calls  []call
	result contract.Result
}

func (c *fakeClient) Call(
	ctx context.Context, method string, args contract.Args, _ contract.Budget,
) (contract.Result, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	signer, _ := contract.Signer(ctx)
	c.lock.Lock()
	defer c.lock.Unlock()
	c.calls = append(c.calls, call{Method: method, Args: string(b), Signer: signer})
	return c.result, nil
}

func (c *fakeClient) Calls() []call {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]call(nil), c.calls...)
}

type testEnv struct {
	server      *httptest.Server
	client      *http.Client
	scholarship *fakeClient
	score       *fakeClient
	broker      *inmem.MessageBroker
	sessions    *sessinmem.SessionManager[app.Session]
	metrics     *app.Metrics
}

const devCSRFToken = "dev-bypass"

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		scholarship: &fakeClient{result: contract.Result(`"Scholarship granted"`)},
		score:       &fakeClient{},
		broker:      inmem.New(0),
		sessions:    sessinmem.New[app.Session](sesstokgen.Generator{}),
		metrics:     app.NewMetrics(prometheus.NewRegistry()),
	}

	scholarship, score := app.Scholarship(), app.Score()
	scholarship.Client, score.Client = env.scholarship, env.score

	w, err := wallet.New(wallet.Config{WalletURL: "https://wallet.test"})
	require.NoError(t, err)

	a, err := app.NewApp(app.Config{SettleDelay: time.Millisecond}, app.Deps{
		Variants: []*app.Variant{scholarship, score},
		Sessions: env.sessions,
		Wallet:   w,
		Broker:   env.broker,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)

	tm, err := hmac.New([]byte("secret"))
	require.NoError(t, err)
	fsStatic, err := app.FSStatic()
	require.NoError(t, err)

	s := server.NewServer(a,
		server.WithCSRFProtection(server.CSRFConfig{
			TokenManager:   tm,
			DevBypassToken: devCSRFToken,
		}),
		server.WithStaticFS("/static/", fsStatic, nil))

	env.server = httptest.NewServer(s)
	t.Cleanup(env.server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func (e *testEnv) post(
	t *testing.T, path, csrfToken string, signals any,
) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if signals != nil {
		b, err := json.Marshal(signals)
		require.NoError(t, err)
		body = strings.NewReader(string(b))
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if csrfToken != "" {
		req.Header.Set(server.HeaderCSRFToken, csrfToken)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

var reSignInNonce = regexp.MustCompile(`sign_in%3D([A-Za-z0-9_-]+)`)

// requestSignIn posts the sign-in action of the page at path and
// returns the nonce carried by the wallet's success URL.
func (e *testEnv) requestSignIn(t *testing.T, path string) string {
	t.Helper()
	resp, body := e.post(t, path+"sign-in/", devCSRFToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := reSignInNonce.FindStringSubmatch(body)
	require.Len(t, m, 2, "no nonce in: %s", body)
	return m[1]
}

// callback follows the wallet redirect back to the page at path.
func (e *testEnv) callback(
	t *testing.T, path, nonce, accountID string,
) *http.Response {
	t.Helper()
	q := url.Values{"account_id": {accountID}}
	if nonce != "" {
		q.Set("sign_in", nonce)
	}
	resp, _ := e.get(t, path+"?"+q.Encode())
	return resp
}

func (e *testEnv) signIn(t *testing.T, path, accountID string) {
	t.Helper()
	resp := e.callback(t, path, e.requestSignIn(t, path), accountID)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, path, resp.Header.Get("Location"))
}

func (e *testEnv) sessionCookie(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(e.server.URL)
	require.NoError(t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == server.CookieSession {
			return c.Value
		}
	}
	return ""
}

func TestIndex(t *testing.T) {
	env := setup(t)
	resp, body := env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `href="/scholarship/"`)
	require.Contains(t, body, `href="/score/"`)
	require.Contains(t, body, "Private Shard Demo: Scholarship contract")

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == server.CookieSession {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
}

func TestNotFound(t *testing.T) {
	env := setup(t)
	resp, body := env.get(t, "/unknown/")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, body, "404")
}

func TestStatic(t *testing.T) {
	env := setup(t)
	resp, body := env.get(t, "/static/style.css")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "#form-error")
}

func TestFormPageSignedOut(t *testing.T) {
	env := setup(t)
	resp, body := env.get(t, "/score/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "<title>NEAR React template</title>")
	require.Contains(t, body, "Private Shard demo: A shard that manages scores")
	require.Contains(t, body, "Log in")
	require.NotContains(t, body, "Signed in as")
	require.Contains(t, body, `data-bind="score"`)
	require.NotContains(t, body, `id="result"`)
}

func TestSignInCallback(t *testing.T) {
	env := setup(t)
	env.get(t, "/scholarship/")
	nonce := env.requestSignIn(t, "/scholarship/")
	before := env.sessionCookie(t)

	resp := env.callback(t, "/scholarship/", nonce, "alice.testnet")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/scholarship/", resp.Header.Get("Location"))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SignIns))

	// The session is reissued and the previous one is closed.
	after := env.sessionCookie(t)
	require.NotEmpty(t, after)
	require.NotEqual(t, before, after)
	require.Equal(t, 1, env.sessions.Len())
	_, err := env.sessions.Session(context.Background(), before)
	require.ErrorIs(t, err, sessmanager.ErrSessionNotFound)

	resp, body := env.get(t, "/scholarship/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "Signed in as alice.testnet")
	require.Contains(t, body, "Log out")
	require.Contains(t, body, "Check whether you are eligible for scholarship here")

	// The session is shared across variants.
	_, body = env.get(t, "/score/")
	require.Contains(t, body, "Signed in as alice.testnet")

	// Replaying the callback doesn't complete another sign-in.
	resp = env.callback(t, "/scholarship/", nonce, "mallory.testnet")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SignIns))
	_, body = env.get(t, "/scholarship/")
	require.Contains(t, body, "Signed in as alice.testnet")
}

func TestSignInCallbackNotRequested(t *testing.T) {
	env := setup(t)
	env.get(t, "/score/")

	// A link to the callback without a sign-in request is stripped
	// and leaves the visitor signed out.
	resp := env.callback(t, "/score/", "", "victim.testnet")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/score/", resp.Header.Get("Location"))

	_, body := env.get(t, "/score/")
	require.Contains(t, body, "Log in")
	require.NotContains(t, body, "victim.testnet")
	require.Zero(t, testutil.ToFloat64(env.metrics.SignIns))

	env.post(t, "/score/submit/", devCSRFToken,
		map[string]any{"name": "Bob", "score": "42"})
	calls := env.score.Calls()
	require.Len(t, calls, 1)
	require.Empty(t, calls[0].Signer)
}

func TestSignInCallbackWrongNonce(t *testing.T) {
	env := setup(t)
	env.get(t, "/score/")
	nonce := env.requestSignIn(t, "/score/")

	resp := env.callback(t, "/score/", "guessed", "victim.testnet")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// The pending nonce is spent by the rejected callback.
	resp = env.callback(t, "/score/", nonce, "victim.testnet")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, body := env.get(t, "/score/")
	require.Contains(t, body, "Log in")
	require.Zero(t, testutil.ToFloat64(env.metrics.SignIns))
}

func TestSignInCallbackInvalidAccount(t *testing.T) {
	env := setup(t)
	env.get(t, "/score/")
	nonce := env.requestSignIn(t, "/score/")

	resp := env.callback(t, "/score/", nonce, "NOT VALID")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/score/", resp.Header.Get("Location"))

	_, body := env.get(t, "/score/")
	require.Contains(t, body, "Log in")
	require.Zero(t, testutil.ToFloat64(env.metrics.SignIns))
}

func TestSignIn(t *testing.T) {
	env := setup(t)
	env.get(t, "/scholarship/")

	resp, body := env.post(t, "/scholarship/sign-in/", devCSRFToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "https://wallet.test/login/?")
	require.Contains(t, body, "contract_id=scholarship-contract")
	require.Contains(t, body, "title=Scholarship+Contract")
	require.Regexp(t, reSignInNonce, body)
}

func TestSignOut(t *testing.T) {
	env := setup(t)
	env.signIn(t, "/score/", "bob.testnet")
	signedIn := env.sessionCookie(t)

	resp, body := env.post(t, "/score/sign-out/", devCSRFToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "window.location")
	require.Contains(t, body, "/score/")
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SignOuts))

	// The signed-in session is closed.
	require.Zero(t, env.sessions.Len())

	_, body = env.get(t, "/score/")
	require.Contains(t, body, "Log in")
	require.NotContains(t, body, "Signed in as")
	require.NotEqual(t, signedIn, env.sessionCookie(t))
	require.Equal(t, 1, env.sessions.Len())
}

var reCSRFToken = regexp.MustCompile(`X-CSRF-Token&#39;: &#39;([A-Za-z0-9_-]+)&#39;`)

func TestCSRF(t *testing.T) {
	env := setup(t)

	resp, _ := env.post(t, "/score/submit/", "", map[string]any{"name": "Bob", "score": "42"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.post(t, "/score/submit/", "forged", map[string]any{"name": "Bob", "score": "42"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Empty(t, env.score.Calls())

	// The token rendered into the page is accepted.
	_, page := env.get(t, "/score/")
	m := reCSRFToken.FindStringSubmatch(page)
	require.Len(t, m, 2)
	resp, _ = env.post(t, "/score/submit/", m[1], map[string]any{"name": "Bob", "score": "42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.score.Calls(), 1)
}

func TestSubmitScore(t *testing.T) {
	env := setup(t)
	env.signIn(t, "/score/", "bob.testnet")

	sub, err := env.broker.Subscribe(context.Background(), msgbroker.NoMetrics{},
		"forms.score.submitted")
	require.NoError(t, err)
	defer sub.Close()

	resp, body := env.post(t, "/score/submit/", devCSRFToken,
		map[string]any{"name": "Bob", "score": "42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "datastar-patch-signals")
	require.NotContains(t, body, `id="result"`)

	calls := env.score.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "record_score", calls[0].Method)
	require.JSONEq(t, `{"name":"Bob","score":42}`, calls[0].Args)
	require.Equal(t, "bob.testnet", calls[0].Signer)

	require.Equal(t, 1.0, testutil.ToFloat64(
		env.metrics.Submissions.WithLabelValues("score", app.ResultOK)))

	select {
	case m := <-sub.C():
		var e app.EventFormSubmitted
		require.NoError(t, json.Unmarshal(m.Data, &e))
		require.NotEmpty(t, e.ID)
		require.Equal(t, "score", e.Variant)
		require.Equal(t, "record_score", e.Method)
		require.Equal(t, "bob.testnet", e.Signer)
		require.Equal(t, contract.Args{"name": "Bob", "score": float64(42)}, e.Args)
	case <-time.After(time.Second):
		t.Fatal("no submission event")
	}
}

func TestSubmitScholarshipResult(t *testing.T) {
	env := setup(t)
	env.get(t, "/scholarship/")

	// Numeric signals are accepted as well.
	resp, body := env.post(t, "/scholarship/submit/", devCSRFToken,
		map[string]any{"name": "Alice", "blockindex": 100})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `<p id="result">Scholarship granted</p>`)

	calls := env.scholarship.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "scholarship", calls[0].Method)
	require.JSONEq(t, `{"name":"Alice","block_index":100}`, calls[0].Args)
	require.Empty(t, calls[0].Signer)
}

func TestSubmitRejected(t *testing.T) {
	env := setup(t)
	env.get(t, "/score/")

	resp, body := env.post(t, "/score/submit/", devCSRFToken,
		map[string]any{"name": "Bob", "score": "abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `id="form-error"`)
	require.Contains(t, body, "Score")
	require.Empty(t, env.score.Calls())
	require.Equal(t, 1.0, testutil.ToFloat64(
		env.metrics.Submissions.WithLabelValues("score", app.ResultRejected)))
}
