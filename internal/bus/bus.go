// Package bus is the event bus client: keyed publishing with a bounded wait
// for acknowledgment and per-topic consumption loops that commit only after
// the handler succeeds.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusUnavailable wraps broker and transport failures.
	ErrBusUnavailable = errors.New("bus: unavailable")
	// ErrSerialization wraps payloads that cannot be encoded or decoded.
	ErrSerialization = errors.New("bus: serialization failed")
)

// Message is a received record.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

// Publisher publishes payload to topic keyed by key. Publishing blocks until
// the broker acknowledges or the publisher's timeout elapses.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Handler processes one message. A nil return commits the message.
type Handler func(ctx context.Context, msg Message) error

// Subscriber runs a consumption loop for topic under group until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Encode marshals payload, passing raw bytes through untouched.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// JSON adapts a typed handler to a Handler, decoding the message value first.
// Decode failures are reported as ErrSerialization.
func JSON[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		var v T
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSerialization, msg.Topic, err)
		}
		return fn(ctx, v)
	}
}
