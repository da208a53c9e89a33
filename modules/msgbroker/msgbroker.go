// Package msgbroker defines the fan-out message broker used to
// distribute form submission events.
package msgbroker

import "context"

// DefaultChanBuffer is the subscription channel buffer used when
// none is configured. Deliveries to a full channel are dropped
// so slow consumers never block publishers.
const DefaultChanBuffer = 16

// MessageBroker is a common interface for message brokers.
type MessageBroker interface {
	// Subscribe creates a new subscription to the given subjects.
	Subscribe(
		ctx context.Context, metrics Metrics, subjects ...string,
	) (Subscription, error)

	// Publish sends data to subject without waiting for consumers.
	Publish(ctx context.Context, metrics Metrics, subject string, data []byte) error
}

// StreamInitializer is implemented by brokers that persist messages
// and need their streams declared before use.
type StreamInitializer interface {
	InitStreams(subjects []string) error
}

// Metrics receives broker instrumentation callbacks.
type Metrics interface {
	OnPublish(subject string)
	OnDeliveryDropped()
}

// NoMetrics discards all instrumentation callbacks.
type NoMetrics struct{}

func (NoMetrics) OnPublish(string)   {}
func (NoMetrics) OnDeliveryDropped() {}

// Subscription represents an active subscription.
type Subscription interface {
	// C returns the channel receiving messages.
	// It's closed when the subscription is closed.
	C() <-chan Message

	// Close closes and removes the subscription. Idempotent.
	Close()
}

// Message represents a received message.
type Message struct {
	Subject string
	Data    []byte
}

// ChanBuffer returns n if positive, otherwise DefaultChanBuffer.
func ChanBuffer(n int) int {
	if n <= 0 {
		return DefaultChanBuffer
	}
	return n
}
