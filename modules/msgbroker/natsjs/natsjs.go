// Package natsjs provides a NATS JetStream backed message broker.
// Published messages are persisted in a stream while subscriptions
// receive live deliveries with fan-out semantics.
package natsjs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/romshark/shardforms/modules/msgbroker"
)

var (
	_ msgbroker.MessageBroker     = (*MessageBroker)(nil)
	_ msgbroker.StreamInitializer = (*MessageBroker)(nil)
)

// DefaultStreamName is used when Config.StreamConfig doesn't name a stream.
const DefaultStreamName = "SHARDFORMS"

type Config struct {
	// StreamConfig is the template for the stream created by InitStreams.
	StreamConfig *nats.StreamConfig

	// ChanBuffer <= 0 selects msgbroker.DefaultChanBuffer.
	ChanBuffer int
}

// MessageBroker is a JetStream message broker.
type MessageBroker struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	conf Config
}

func New(nc *nats.Conn, conf Config) (*MessageBroker, error) {
	conf.ChanBuffer = msgbroker.ChanBuffer(conf.ChanBuffer)
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	return &MessageBroker{nc: nc, js: js, conf: conf}, nil
}

// InitStreams implements msgbroker.StreamInitializer.
func (b *MessageBroker) InitStreams(subjects []string) error {
	var conf nats.StreamConfig
	if b.conf.StreamConfig != nil {
		conf = *b.conf.StreamConfig
	}
	if conf.Name == "" {
		conf.Name = DefaultStreamName
	}
	if conf.Description == "" {
		conf.Description = "form submission events"
	}
	conf.Subjects = subjects

	_, err := b.js.AddStream(&conf)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = b.js.UpdateStream(&conf)
	}
	if err != nil {
		return fmt.Errorf("adding stream: %w", err)
	}
	return nil
}

// Publish implements msgbroker.MessageBroker.
// It waits for the stream's acknowledgement.
func (b *MessageBroker) Publish(
	ctx context.Context, metrics msgbroker.Metrics, subject string, data []byte,
) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %q: %w", subject, err)
	}
	metrics.OnPublish(subject)
	return nil
}

// Subscribe implements msgbroker.MessageBroker.
func (b *MessageBroker) Subscribe(
	_ context.Context, metrics msgbroker.Metrics, subjects ...string,
) (msgbroker.Subscription, error) {
	s := &subscription{ch: make(chan msgbroker.Message, b.conf.ChanBuffer)}
	for _, subject := range subjects {
		ns, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
			s.deliver(metrics, msgbroker.Message{
				Subject: m.Subject,
				Data:    bytes.Clone(m.Data),
			})
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribing to %q: %w", subject, err)
		}
		s.lock.Lock()
		s.subs = append(s.subs, ns)
		s.lock.Unlock()
	}
	return s, nil
}

type subscription struct {
	ch chan msgbroker.Message

	// lock serializes deliveries with Close so that
	// nothing is sent on ch after it's closed.
	lock   sync.Mutex
	closed bool
	subs   []*nats.Subscription
}

func (s *subscription) deliver(metrics msgbroker.Metrics, m msgbroker.Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
		metrics.OnDeliveryDropped()
	}
}

func (s *subscription) C() <-chan msgbroker.Message { return s.ch }

func (s *subscription) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ns := range s.subs {
		_ = ns.Unsubscribe()
	}
	close(s.ch)
}
