// Package signal provides the signaling channel used by the pairing ceremony
// and the relay sockets used by sync. A channel carries JSON envelopes over
// topics; the payloads themselves are encrypted at the application layer, so
// the channel (and any relay behind it) is untrusted.
package signal

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed       = errors.New("signal: channel closed")
	ErrNotConnected = errors.New("signal: channel not connected")
)

// Envelope is the wire message shape: a type tag plus an opaque payload.
// From carries the sender's device id so endpoints sharing a broadcast topic
// can drop their own messages.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives envelopes for one subscription. Handlers for a given
// subscription are invoked one at a time, in delivery order.
type Handler func(Envelope)

// Unsubscribe removes a subscription. It does not return until any in-flight
// handler call has finished; after it returns, the handler is never invoked
// again. This guarantee is what makes pairing teardown leak-free.
type Unsubscribe func()

// Channel is the signaling transport contract.
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, h Handler) (Unsubscribe, error)
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}
