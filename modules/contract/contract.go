// Package contract defines the client interface for calling write methods
// of a remote ledger-backed contract.
package contract

import (
	"context"
	"encoding/json"
	"errors"
)

// DefaultBudget is the prepaid execution/storage allowance attached to
// every write call issued by the forms.
const DefaultBudget Budget = 100_000_000_000_000

// ErrEmptyMethod is returned when a call names no contract method.
var ErrEmptyMethod = errors.New("empty contract method name")

// Budget is an amount of prepaid execution/storage units.
type Budget uint64

// Args is the argument record of a contract call.
// Values are scalars (string or integer).
type Args map[string]any

// Client calls write methods on a remote contract.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Call invokes method with args and the attached budget and returns
	// the method's return value. A void method returns an empty Result.
	Call(ctx context.Context, method string, args Args, budget Budget) (Result, error)
}

// Result is the raw JSON return value of a contract call.
type Result json.RawMessage

// IsVoid reports whether the call returned no value.
func (r Result) IsVoid() bool {
	return len(r) == 0 || string(r) == "null"
}

// Text returns the result as display text.
// JSON strings are unquoted, any other value is returned as raw JSON.
func (r Result) Text() string {
	if r.IsVoid() {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return string(r)
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

type ctxKeySigner struct{}

// WithSigner returns a context carrying the account ID on whose behalf
// calls made with it are issued.
func WithSigner(ctx context.Context, accountID string) context.Context {
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeySigner{}, accountID)
}

// Signer returns the account ID set by WithSigner, if any.
func Signer(ctx context.Context) (accountID string, ok bool) {
	accountID, ok = ctx.Value(ctxKeySigner{}).(string)
	return accountID, ok
}
