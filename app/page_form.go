package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/a-h/templ"
	"github.com/oklog/ulid/v2"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/romshark/shardforms/form"
	"github.com/romshark/shardforms/modules/contract"
	"github.com/romshark/shardforms/modules/wallet"
	"github.com/romshark/shardforms/session"
)

// Signals are the client-side signals sent along with an action.
type Signals map[string]any

// Text returns the signal named key as text. Numbers are formatted
// the way the browser would display them, missing signals yield "".
func (s Signals) Text(key string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// PageForm is /{variant}/
type PageForm struct {
	App     *App
	Variant *Variant
}

func (p PageForm) GET(r *http.Request, sess Session) (
	body templ.Component,
	redirect Redirect,
	newSession Session,
	err error,
) {
	ctx := r.Context()
	conn, ctrl := p.App.connect(r, p.Variant, sess)

	completed, err := conn.CompleteSignIn(ctx, r.URL.Query())
	switch {
	case errors.Is(err, wallet.ErrInvalidAccID),
		errors.Is(err, wallet.ErrSignInNotRequested):
		// The marker is still stripped by Mount.
		p.App.log.Warn("ignoring sign-in callback",
			slog.String("variant", p.Variant.ID), slog.Any("err", err))
	case err != nil:
		return nil, Redirect{}, Session{}, fmt.Errorf("completing sign-in: %w", err)
	case completed:
		p.App.metrics.SignIns.Inc()
	}

	out, err := ctrl.Mount(ctx, r.URL)
	if err != nil {
		return nil, Redirect{}, Session{}, err
	}
	if completed {
		// Signing in always replaces the visitor session.
		accountID, err := conn.AccountID(ctx)
		if err != nil {
			return nil, Redirect{}, Session{}, fmt.Errorf("reading account ID: %w", err)
		}
		newSession = Session{
			VisitorID: sess.VisitorID,
			AccountID: accountID,
			IssuedAt:  time.Now().Truncate(time.Second),
		}
	}
	if out.Redirect != "" {
		return nil, Redirect{Target: out.Redirect, Status: http.StatusSeeOther},
			newSession, nil
	}
	return pageForm(p.Variant, out.State, csrfToken(ctx)), Redirect{}, newSession, nil
}

// POSTSignIn is /{variant}/sign-in/
func (p PageForm) POSTSignIn(
	r *http.Request,
	sse *datastar.ServerSentEventGenerator,
	sess Session,
) error {
	_, ctrl := p.App.connect(r, p.Variant, sess)
	target, err := ctrl.RequestSignIn(r.Context())
	if err != nil {
		return err
	}
	return sse.Redirect(target)
}

// POSTSignOut is /{variant}/sign-out/
//
// Once the settle delay elapsed the visitor session is closed and the
// page is reloaded, which starts a new anonymous session.
func (p PageForm) POSTSignOut(
	r *http.Request,
	sse *datastar.ServerSentEventGenerator,
	sess Session,
) error {
	ctx := r.Context()
	_, done, err := p.beginSignOut(r, sess)
	if err != nil {
		return err
	}
	p.App.metrics.SignOuts.Inc()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := p.App.sessions.CloseSession(ctx, sess.Token); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return sse.Redirect(p.Variant.Path())
}

// beginSignOut mounts the visitor's page session and signs out of the
// wallet. The returned channel receives the outcome after the settle delay.
func (p PageForm) beginSignOut(r *http.Request, sess Session) (
	*session.Controller, <-chan session.Outcome, error,
) {
	_, ctrl := p.App.connect(r, p.Variant, sess)

	// The action URL never carries the callback marker.
	if _, err := ctrl.Mount(r.Context(), r.URL); err != nil {
		return nil, nil, err
	}
	done, err := ctrl.SignOut(r.Context(), r.URL)
	if err != nil {
		return nil, nil, err
	}
	return ctrl, done, nil
}

// POSTSubmit is /{variant}/submit/
func (p PageForm) POSTSubmit(
	r *http.Request,
	sse *datastar.ServerSentEventGenerator,
	sess Session,
	signals Signals,
) error {
	v := p.Variant
	st := form.State{
		Name:   signals.Text(v.Schema.Name.Signal),
		Number: signals.Text(v.Schema.Number.Signal),
	}

	ctx := contract.WithSigner(r.Context(), sess.AccountID)
	next, err := form.Submit(ctx, v.Schema, v.Client, st)
	var inputErr *form.InputError
	switch {
	case errors.As(err, &inputErr):
		p.App.metrics.Submissions.WithLabelValues(v.ID, ResultRejected).Inc()
		return sse.PatchElementTempl(fragmentFormError(inputErr.Error()))
	case err != nil:
		p.App.metrics.Submissions.WithLabelValues(v.ID, ResultError).Inc()
		return err
	}
	p.App.metrics.Submissions.WithLabelValues(v.ID, ResultOK).Inc()

	if err := sse.MarshalAndPatchSignals(map[string]string{
		v.Schema.Name.Signal:   next.Name,
		v.Schema.Number.Signal: next.Number,
	}); err != nil {
		return err
	}
	if err := sse.PatchElementTempl(fragmentFormError("")); err != nil {
		return err
	}
	if v.Schema.ShowResult {
		if err := sse.PatchElementTempl(fragmentResult(next.Result)); err != nil {
			return err
		}
	}

	// Args can't fail here since Submit succeeded with the same input.
	args, _ := v.Schema.Args(st)
	p.App.publishSubmitted(ctx, v.SubjectSubmitted(), EventFormSubmitted{
		ID:      ulid.Make().String(),
		Variant: v.ID,
		Method:  v.Schema.Method,
		Signer:  sess.AccountID,
		Args:    args,
		Result:  next.Result,
		Time:    time.Now(),
	})
	return nil
}

// publishSubmitted publishes e if a broker is configured.
// Failures are logged since the contract call already succeeded.
func (a *App) publishSubmitted(
	ctx context.Context, subject string, e EventFormSubmitted,
) {
	if a.broker == nil {
		return
	}
	data, err := json.Marshal(e)
	if err == nil {
		err = a.broker.Publish(ctx, a.metrics, subject, data)
	}
	if err != nil {
		a.log.Error("publishing submission event",
			slog.String("subject", subject), slog.Any("err", err))
	}
}
