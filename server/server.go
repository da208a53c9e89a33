// Package server exposes the app over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/starfederation/datastar-go/datastar"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/modules/csrf"
)

const (
	// CookieSession is the name of the HTTP-only visitor session cookie.
	CookieSession = "shardforms_session"

	// HeaderCSRFToken carries the CSRF token of actions.
	HeaderCSRFToken = "X-CSRF-Token"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second
)

type ServerOption func(*Server)

// WithMiddleware wraps the server handler. Middlewares are applied
// in order, the first one being the outermost.
func WithMiddleware(m func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, m) }
}

// WithLogger sets the error logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

type CSRFConfig struct {
	TokenManager csrf.TokenManager

	// DevBypassToken is accepted in place of a valid token if not empty.
	// Never set this in production.
	DevBypassToken string
}

// WithCSRFProtection requires a valid X-CSRF-Token header on all actions.
func WithCSRFProtection(conf CSRFConfig) ServerOption {
	return func(s *Server) { s.csrf = &conf }
}

// WithStaticFS serves fsProd under prefix, or fsDev if not nil.
func WithStaticFS(prefix string, fsProd, fsDev http.FileSystem) ServerOption {
	return func(s *Server) {
		fs := fsProd
		if fsDev != nil {
			fs = fsDev
		}
		s.staticPrefix, s.staticFS = prefix, fs
	}
}

type PrometheusConfig struct {
	// Host is the address of the metrics listener.
	Host string

	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// WithPrometheus serves /metrics on a separate listener.
func WithPrometheus(conf PrometheusConfig) ServerOption {
	return func(s *Server) {
		if conf.Gatherer == nil {
			conf.Gatherer = prometheus.DefaultGatherer
		}
		s.prometheus = &conf
	}
}

type Server struct {
	app          *app.App
	mux          *http.ServeMux
	handler      http.Handler
	middleware   []func(http.Handler) http.Handler
	log          *slog.Logger
	csrf         *CSRFConfig
	staticPrefix string
	staticFS     http.FileSystem
	prometheus   *PrometheusConfig
}

func NewServer(a *app.App, opts ...ServerOption) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	if s.staticFS != nil {
		s.mux.Handle(s.staticPrefix,
			http.StripPrefix(s.staticPrefix, http.FileServer(s.staticFS)))
	}

	pageIndex := app.PageIndex{App: a}
	s.mux.Handle("GET /{$}", s.withSession(s.page(
		func(r *http.Request, _ app.Session) (
			templ.Component, app.Redirect, app.Session, error,
		) {
			body, err := pageIndex.GET(r)
			return body, app.Redirect{}, app.Session{}, err
		},
	)))

	for _, v := range a.Variants() {
		p := app.PageForm{App: a, Variant: v}
		base := v.Path()
		s.mux.Handle("GET "+base+"{$}", s.withSession(s.page(p.GET)))
		s.mux.Handle("POST "+base+"sign-in/{$}", s.withSession(s.action(p.POSTSignIn)))
		s.mux.Handle("POST "+base+"sign-out/{$}", s.withSession(s.action(p.POSTSignOut)))
		s.mux.Handle("POST "+base+"submit/{$}", s.withSession(s.actionSignals(p.POSTSubmit)))
	}

	s.mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = s.mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type ctxKeySession struct{}

func sessionFromContext(ctx context.Context) app.Session {
	sess, _ := ctx.Value(ctxKeySession{}).(app.Session)
	return sess
}

// withSession resolves the visitor session from the session cookie,
// creating a new one if the cookie is missing or stale.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := s.app.Sessions()
		c, _ := r.Cookie(CookieSession)
		sess, token, _, ok, err := sessions.ReadSessionFromCookie(c)
		if err != nil {
			s.internalError(w, r, "reading session", err)
			return
		}
		if !ok {
			sess = app.Session{
				VisitorID: ulid.Make().String(),
				IssuedAt:  time.Now().Truncate(time.Second),
			}
			token, err = sessions.CreateSession(r.Context(), sess.VisitorID, sess)
			if err != nil {
				s.internalError(w, r, "creating session", err)
				return
			}
			setSessionCookie(w, r, token)
		}
		sess.Token = token

		ctx := context.WithValue(r.Context(), ctxKeySession{}, sess)
		if s.csrf != nil {
			ctx = app.WithCSRFToken(ctx, s.csrf.TokenManager.GenerateToken(
				sess.VisitorID, sess.IssuedAt.Unix(),
			))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSession,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// reissueSession closes the session identified by oldToken and
// replaces it with newSession.
func (s *Server) reissueSession(
	w http.ResponseWriter, r *http.Request, oldToken string, newSession app.Session,
) error {
	sessions := s.app.Sessions()
	if err := sessions.CloseSession(r.Context(), oldToken); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	token, err := sessions.CreateSession(r.Context(), newSession.VisitorID, newSession)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	setSessionCookie(w, r, token)
	return nil
}

type pageFunc func(*http.Request, app.Session) (
	body templ.Component, redirect app.Redirect, newSession app.Session, err error,
)

func (s *Server) page(get pageFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFromContext(r.Context())
		body, redirect, newSession, err := get(r, sess)
		if err != nil {
			s.internalError(w, r, "handling page", err)
			return
		}
		if newSession.VisitorID != "" {
			if err := s.reissueSession(w, r, sess.Token, newSession); err != nil {
				s.internalError(w, r, "reissuing session", err)
				return
			}
		}
		if redirect.Target != "" {
			status := redirect.Status
			if status == 0 {
				status = http.StatusSeeOther
			}
			http.Redirect(w, r, redirect.Target, status)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := body.Render(r.Context(), w); err != nil {
			s.log.Error("rendering page",
				slog.String("path", r.URL.Path), slog.Any("err", err))
		}
	})
}

type actionFunc func(
	*http.Request, *datastar.ServerSentEventGenerator, app.Session,
) error

type actionSignalsFunc func(
	*http.Request, *datastar.ServerSentEventGenerator, app.Session, app.Signals,
) error

func (s *Server) action(fn actionFunc) http.Handler {
	return s.actionSignals(func(
		r *http.Request, sse *datastar.ServerSentEventGenerator,
		sess app.Session, _ app.Signals,
	) error {
		return fn(r, sse, sess)
	})
}

func (s *Server) actionSignals(fn actionSignalsFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFromContext(r.Context())
		if !s.validCSRF(r, sess) {
			http.Error(w, "invalid CSRF token", http.StatusForbidden)
			return
		}

		// The body must be read before the SSE response is started.
		signals := app.Signals{}
		if r.ContentLength != 0 {
			if err := datastar.ReadSignals(r, &signals); err != nil {
				http.Error(w, "bad signals", http.StatusBadRequest)
				return
			}
		}

		sse := datastar.NewSSE(w, r)
		if err := fn(r, sse, sess, signals); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.log.Error("handling action",
				slog.String("path", r.URL.Path), slog.Any("err", err))
			if err := s.app.Recover500(err, sse); err != nil {
				s.log.Error("recovering action error", slog.Any("err", err))
			}
		}
	})
}

func (s *Server) validCSRF(r *http.Request, sess app.Session) bool {
	if s.csrf == nil {
		return true
	}
	token := r.Header.Get(HeaderCSRFToken)
	if s.csrf.DevBypassToken != "" && token == s.csrf.DevBypassToken {
		return true
	}
	return s.csrf.TokenManager.ValidateToken(sess.VisitorID, sess.IssuedAt.Unix(), token)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	body, err := app.PageError404{App: s.app}.GET(r)
	if err != nil {
		s.internalError(w, r, "handling 404 page", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if err := body.Render(r.Context(), w); err != nil {
		s.log.Error("rendering 404 page", slog.Any("err", err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.Error(msg, slog.String("path", r.URL.Path), slog.Any("err", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError),
		http.StatusInternalServerError)
}

// ListenAndServe serves HTTP on host until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, host string) error {
	return s.listenAndServe(ctx, host, func(srv *http.Server) error {
		return srv.ListenAndServe()
	})
}

// ListenAndServeTLS serves HTTPS on host until ctx is canceled.
func (s *Server) ListenAndServeTLS(
	ctx context.Context, host, certFile, keyFile string,
) error {
	return s.listenAndServe(ctx, host, func(srv *http.Server) error {
		return srv.ListenAndServeTLS(certFile, keyFile)
	})
}

func (s *Server) listenAndServe(
	ctx context.Context, host string, serve func(*http.Server) error,
) error {
	servers := []*http.Server{{
		Addr:              host,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}}
	if s.prometheus != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.prometheus.Gatherer, promhttp.HandlerOpts{},
		))
		servers = append(servers, &http.Server{
			Addr:              s.prometheus.Host,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			var err error
			if i == 0 {
				err = serve(srv)
			} else {
				s.log.Info("serving metrics", slog.String("host", srv.Addr))
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
