package app

import (
	"time"

	"github.com/romshark/shardforms/modules/contract"
)

// EventFormSubmitted is "forms.{variant}.submitted"
type EventFormSubmitted struct {
	ID      string        `json:"id"`
	Variant string        `json:"variant"`
	Method  string        `json:"method"`
	Signer  string        `json:"signer,omitempty"`
	Args    contract.Args `json:"args"`
	Result  string        `json:"result,omitempty"`
	Time    time.Time     `json:"time"`
}
