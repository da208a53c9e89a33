// Package inmem provides an in-memory message broker with fan-out
// delivery semantics. Deliveries to slow subscribers are dropped.
//
// Messages are not shared across process boundaries,
// multi-instance deployments should use natsjs instead.
package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/romshark/shardforms/modules/msgbroker"
)

var _ msgbroker.MessageBroker = (*MessageBroker)(nil)

// MessageBroker is an in-memory message broker.
type MessageBroker struct {
	chanBuffer int

	lock sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	broker   *MessageBroker
	subjects []string
	ch       chan msgbroker.Message
	once     sync.Once
}

// New creates a new broker. chanBuffer <= 0 selects msgbroker.DefaultChanBuffer.
func New(chanBuffer int) *MessageBroker {
	return &MessageBroker{
		chanBuffer: msgbroker.ChanBuffer(chanBuffer),
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

// Publish implements msgbroker.MessageBroker.
func (b *MessageBroker) Publish(
	_ context.Context, metrics msgbroker.Metrics, subject string, data []byte,
) error {
	b.lock.RLock()
	defer b.lock.RUnlock()

	metrics.OnPublish(subject)
	subs := b.subs[subject]
	if len(subs) == 0 {
		return nil
	}
	msg := msgbroker.Message{Subject: subject, Data: bytes.Clone(data)}
	for s := range subs {
		select {
		case s.ch <- msg:
		default:
			metrics.OnDeliveryDropped()
		}
	}
	return nil
}

// Subscribe implements msgbroker.MessageBroker.
func (b *MessageBroker) Subscribe(
	_ context.Context, _ msgbroker.Metrics, subjects ...string,
) (msgbroker.Subscription, error) {
	s := &subscription{
		broker:   b,
		subjects: subjects,
		ch:       make(chan msgbroker.Message, b.chanBuffer),
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, subject := range subjects {
		m := b.subs[subject]
		if m == nil {
			m = make(map[*subscription]struct{})
			b.subs[subject] = m
		}
		m[s] = struct{}{}
	}
	return s, nil
}

func (s *subscription) C() <-chan msgbroker.Message { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		// Holding the write lock guarantees no Publish is sending on s.ch.
		b.lock.Lock()
		defer b.lock.Unlock()
		for _, subject := range s.subjects {
			if m, ok := b.subs[subject]; ok {
				delete(m, s)
				if len(m) == 0 {
					delete(b.subs, subject)
				}
			}
		}
		close(s.ch)
	})
}
