package app

import (
	"context"
	"encoding/json"
	"fmt"
)

type ctxKeyCSRFToken struct{}

// WithCSRFToken returns ctx carrying the CSRF token rendered into actions.
func WithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyCSRFToken{}, token)
}

func csrfToken(ctx context.Context) string {
	t, _ := ctx.Value(ctxKeyCSRFToken{}).(string)
	return t
}

// actionPost returns the datastar expression posting to path.
func actionPost(path, csrf string) string {
	if csrf == "" {
		return fmt.Sprintf("@post('%s')", path)
	}
	return fmt.Sprintf("@post('%s', {headers: {'X-CSRF-Token': '%s'}})", path, csrf)
}

// formSignals returns the initial form signals of v as JSON.
func formSignals(v *Variant) string {
	b, _ := json.Marshal(map[string]string{
		v.Schema.Name.Signal:   "",
		v.Schema.Number.Signal: "",
	})
	return string(b)
}

type inputField struct {
	Label     string
	Signal    string
	InputMode string
}

func formFields(v *Variant) []inputField {
	return []inputField{
		{Label: v.Schema.Name.Label, Signal: v.Schema.Name.Signal, InputMode: "text"},
		{Label: v.Schema.Number.Label, Signal: v.Schema.Number.Signal, InputMode: "numeric"},
	}
}
