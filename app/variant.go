package app

import (
	"github.com/romshark/shardforms/form"
	"github.com/romshark/shardforms/modules/contract"
)

// Variant is one form application served under /{ID}/.
type Variant struct {
	// ID is the URL path segment and event subject token.
	ID string

	// ContractID is the contract the visitor signs in for.
	ContractID string

	// AppTitle is the application name shown by the wallet.
	AppTitle string

	// Heading is the page heading.
	Heading string

	// Prompt is displayed above the form. Optional.
	Prompt string

	Schema form.Schema

	// Client calls the variant's contract.
	Client contract.Client
}

// Path returns the page path of the variant.
func (v *Variant) Path() string { return "/" + v.ID + "/" }

// SubjectSubmitted returns the subject submission events are published on.
func (v *Variant) SubjectSubmitted() string { return "forms." + v.ID + ".submitted" }

// Validate checks the variant for completeness.
func (v *Variant) Validate() error {
	if !ValidVariantID(v.ID) {
		return ErrInvalidVariantID
	}
	if v.Client == nil {
		return ErrVariantNoClient
	}
	return v.Schema.Validate()
}

// ValidVariantID reports whether id is a non-empty string of lowercase
// letters, digits and '-'. Such IDs are safe as both a path segment
// and a NATS subject token.
func ValidVariantID(id string) bool {
	if id == "" || id == "static" {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// Scholarship returns the scholarship eligibility variant without a client.
func Scholarship() *Variant {
	return &Variant{
		ID:         "scholarship",
		ContractID: "scholarship-contract",
		AppTitle:   "Scholarship Contract",
		Heading:    "Private Shard Demo: Scholarship contract",
		Prompt:     "Check whether you are eligible for scholarship here",
		Schema: form.Schema{
			Method:     "scholarship",
			Name:       form.Field{Arg: "name", Signal: "name", Label: "Name"},
			Number:     form.Field{Arg: "block_index", Signal: "blockindex", Label: "BlockIndex"},
			ShowResult: true,
		},
	}
}

// Score returns the score recording variant without a client.
func Score() *Variant {
	return &Variant{
		ID:         "score",
		ContractID: "score-contract",
		AppTitle:   "NEAR React template",
		Heading:    "Private Shard demo: A shard that manages scores",
		Schema: form.Schema{
			Method: "record_score",
			Name:   form.Field{Arg: "name", Signal: "name", Label: "Name"},
			Number: form.Field{Arg: "score", Signal: "score", Label: "Score"},
		},
	}
}

// Builtin returns the built-in variant named id, or nil if there is none.
func Builtin(id string) *Variant {
	switch id {
	case "scholarship":
		return Scholarship()
	case "score":
		return Score()
	}
	return nil
}
