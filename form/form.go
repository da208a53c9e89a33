// Package form implements the two-field submission form shared by all
// variants: a free-text name and a numeric field forwarded as a single
// write call to a remote contract.
//
// Field state transitions are expressed by the pure Reduce function,
// the remote write is performed by Submit.
package form

import (
	"context"
	"errors"
	"fmt"

	"github.com/romshark/shardforms/modules/contract"
)

// Validation selects how the numeric field is checked before submission.
type Validation int8

const (
	// ValidationStrict rejects numeric text that isn't a complete
	// non-negative integer. No remote call is made.
	ValidationStrict Validation = iota

	// ValidationLenient forwards whatever a lenient integer parse yields,
	// including the not-a-number sentinel.
	ValidationLenient
)

func (v Validation) String() string {
	switch v {
	case ValidationStrict:
		return "strict"
	case ValidationLenient:
		return "lenient"
	}
	return fmt.Sprintf("Validation(%d)", int8(v))
}

// ParseValidation parses the configuration name of a validation mode.
func ParseValidation(s string) (Validation, error) {
	switch s {
	case "", "strict":
		return ValidationStrict, nil
	case "lenient":
		return ValidationLenient, nil
	}
	return 0, fmt.Errorf("unknown validation mode %q", s)
}

var (
	ErrSchemaMethod = errors.New("schema has no contract method")
	ErrSchemaFields = errors.New("schema fields must have distinct non-empty keys")
)

// Field describes one input of the form.
type Field struct {
	// Arg is the name of the contract call argument.
	Arg string

	// Signal is the name of the client-side signal holding the input text.
	Signal string

	// Label is the text displayed next to the input.
	Label string
}

// Schema parameterizes the form.
type Schema struct {
	// Method is the contract write method invoked on submit.
	Method string

	Name   Field
	Number Field

	// ShowResult enables displaying the call's return value.
	ShowResult bool

	Validation Validation
}

// Validate checks the schema for completeness.
func (s Schema) Validate() error {
	if s.Method == "" {
		return ErrSchemaMethod
	}
	if s.Name.Arg == "" || s.Number.Arg == "" || s.Name.Arg == s.Number.Arg ||
		s.Name.Signal == "" || s.Number.Signal == "" ||
		s.Name.Signal == s.Number.Signal {
		return ErrSchemaFields
	}
	return nil
}

// State is the form's local state.
type State struct {
	Name   string
	Number string
	Result string
}

// Event is a form state transition.
type Event interface{ isFormEvent() }

type (
	// NameChanged is dispatched when the name input changes.
	NameChanged struct{ Value string }

	// NumberChanged is dispatched when the numeric input changes.
	NumberChanged struct{ Value string }

	// Succeeded is dispatched once the remote write completed.
	Succeeded struct{ Result contract.Result }
)

func (NameChanged) isFormEvent()   {}
func (NumberChanged) isFormEvent() {}
func (Succeeded) isFormEvent()     {}

// Reduce returns the state resulting from applying e to s.
// Inputs aren't validated here.
func (sc Schema) Reduce(s State, e Event) State {
	switch e := e.(type) {
	case NameChanged:
		s.Name = e.Value
	case NumberChanged:
		s.Number = e.Value
	case Succeeded:
		s.Name, s.Number = "", ""
		if sc.ShowResult {
			s.Result = e.Result.Text()
		}
	}
	return s
}

// InputError reports a rejected numeric input.
type InputError struct {
	Field Field
	Text  string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field.Label, e.Text, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// Args builds the argument record of the contract call for s.
// In strict mode invalid numeric text yields an *InputError.
func (sc Schema) Args(s State) (contract.Args, error) {
	var n Number
	switch sc.Validation {
	case ValidationLenient:
		n, _ = ParseInt(s.Number)
	default:
		var err error
		if n, err = ParseStrict(s.Number); err != nil {
			return nil, &InputError{Field: sc.Number, Text: s.Number, Err: err}
		}
	}
	return contract.Args{
		sc.Name.Arg:   s.Name,
		sc.Number.Arg: n,
	}, nil
}

// Submit performs exactly one remote write for s and returns the
// resulting state with both inputs cleared. Nothing is retried and
// failures leave s unchanged.
func Submit(
	ctx context.Context, sc Schema, client contract.Client, s State,
) (State, error) {
	args, err := sc.Args(s)
	if err != nil {
		return s, err
	}
	res, err := client.Call(ctx, sc.Method, args, contract.DefaultBudget)
	if err != nil {
		return s, fmt.Errorf("calling %s: %w", sc.Method, err)
	}
	return sc.Reduce(s, Succeeded{Result: res}), nil
}
