// Package natsrpc provides a contract.Client that forwards contract calls
// over NATS request/reply to a signing relayer attached to the ledger.
//
// A call to method m of contract c is sent to the subject
// {prefix}.{c}.{m} with a JSON body {"args":{...},"budget":N}.
// The relayer replies with {"result":...} or {"error":"..."}.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/romshark/shardforms/modules/contract"
)

var _ contract.Client = (*Client)(nil)

const (
	// DefaultSubjectPrefix is the subject prefix used when none is configured.
	DefaultSubjectPrefix = "contract"

	// DefaultTimeout bounds calls whose context carries no deadline.
	DefaultTimeout = 30 * time.Second

	// HeaderSigner carries the account ID the call is issued for.
	HeaderSigner = "Shard-Signer"
)

var (
	ErrEmptyContractID = errors.New("empty contract ID")
	ErrUnsafeToken     = errors.New("subject token contains NATS-unsafe characters")
	ErrNoRelayer       = errors.New("no relayer is serving the contract")
)

// CallError is a failure reported by the relayer or the contract itself.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("contract method %q failed: %s", e.Method, e.Message)
}

// Config configures the client.
type Config struct {
	// ContractID is the account ID of the target contract. Required.
	ContractID string

	// SubjectPrefix defaults to DefaultSubjectPrefix.
	SubjectPrefix string

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Request is the wire body of a contract call.
type Request struct {
	Args   json.RawMessage `json:"args"`
	Budget contract.Budget `json:"budget"`
}

// Response is the wire body of a relayer reply.
type Response struct {
	Result contract.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client is a NATS request/reply contract client.
type Client struct {
	conn *nats.Conn
	conf Config
}

// New creates a new client for the contract identified by conf.ContractID.
func New(conn *nats.Conn, conf Config) (*Client, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}
	return &Client{conn: conn, conf: conf}, nil
}

func (c *Config) normalize() error {
	if c.ContractID == "" {
		return ErrEmptyContractID
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if !safeToken(c.ContractID) {
		return fmt.Errorf("contract ID %q: %w", c.ContractID, ErrUnsafeToken)
	}
	return nil
}

// Subject returns the request subject for method.
func (c *Client) Subject(method string) string {
	return subject(c.conf.SubjectPrefix, c.conf.ContractID, method)
}

// Call implements contract.Client.
func (c *Client) Call(
	ctx context.Context, method string, args contract.Args, budget contract.Budget,
) (contract.Result, error) {
	switch {
	case method == "":
		return nil, contract.ErrEmptyMethod
	case !safeToken(method):
		return nil, fmt.Errorf("method %q: %w", method, ErrUnsafeToken)
	}

	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling call args JSON: %w", err)
	}
	body, err := json.Marshal(Request{Args: encodedArgs, Budget: budget})
	if err != nil {
		return nil, fmt.Errorf("marshaling call request JSON: %w", err)
	}

	msg := nats.NewMsg(c.Subject(method))
	msg.Data = body
	if signer, ok := contract.Signer(ctx); ok {
		msg.Header.Set(HeaderSigner, signer)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.Timeout)
		defer cancel()
	}

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("calling %q: %w", method, ErrNoRelayer)
		}
		return nil, fmt.Errorf("calling %q: %w", method, err)
	}

	var resp Response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling reply JSON: %w", err)
	}
	if resp.Error != "" {
		return nil, &CallError{Method: method, Message: resp.Error}
	}
	return resp.Result, nil
}

// Call is a contract call received by a relayer.
type Call struct {
	Method string
	Signer string
	Args   json.RawMessage
	Budget contract.Budget
}

// HandlerFunc executes a call on the relayer side.
type HandlerFunc func(ctx context.Context, call Call) (contract.Result, error)

// Serve subscribes a relayer handler for method of the contract in conf.
// Handler errors are replied as Response.Error.
func Serve(
	conn *nats.Conn, conf Config, method string, fn HandlerFunc,
) (*nats.Subscription, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}
	if !safeToken(method) || method == "" {
		return nil, fmt.Errorf("method %q: %w", method, ErrUnsafeToken)
	}
	subj := subject(conf.SubjectPrefix, conf.ContractID, method)
	return conn.Subscribe(subj, func(m *nats.Msg) {
		var resp Response
		var req Request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			resp.Error = "malformed request: " + err.Error()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
			result, err := fn(ctx, Call{
				Method: method,
				Signer: m.Header.Get(HeaderSigner),
				Args:   req.Args,
				Budget: req.Budget,
			})
			cancel()
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Result = result
			}
		}
		data, err := json.Marshal(resp)
		if err != nil {
			data = []byte(`{"error":"marshaling reply"}`)
		}
		_ = m.Respond(data)
	})
}

func subject(prefix, contractID, method string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(contractID) + len(method) + 2)
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(contractID)
	b.WriteByte('.')
	b.WriteString(method)
	return b.String()
}

// safeToken reports whether s can be used as a single subject token.
// Contract account IDs may contain '.', which would split the token,
// so callers must use IDs like "score-contract".
func safeToken(s string) bool {
	return !strings.ContainsAny(s, ".*> \t\r\n")
}
