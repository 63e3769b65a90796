package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBus is an in-process bus with per-group offsets. It backs local runs
// and tests; each (topic, group) pair is expected to have one consumer.
type MemoryBus struct {
	mu          sync.Mutex
	logs        map[string][]Message
	offsets     map[string]int
	notify      chan struct{}
	publishErr  error
	redeliver   int
	logger      *zap.Logger
	publishedAt func() time.Time
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		logs:        make(map[string][]Message),
		offsets:     make(map[string]int),
		notify:      make(chan struct{}),
		redeliver:   3,
		logger:      logger,
		publishedAt: time.Now,
	}
}

// FailPublishes makes every Publish fail with err until reset with nil.
func (b *MemoryBus) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	value, err := Encode(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrBusUnavailable, topic, b.publishErr)
	}
	log := b.logs[topic]
	b.logs[topic] = append(log, Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: injectHeaders(ctx),
		Offset:  int64(len(log)),
		Time:    b.publishedAt().UTC(),
	})
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Messages returns a copy of everything published to topic.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.logs[topic]...)
}

// Subscribe delivers topic's log from the group's offset until ctx is done.
// A failed message is redelivered a bounded number of times before the
// offset moves past it.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	key := topic + "|" + group
	attempts := 0
	for {
		b.mu.Lock()
		off := b.offsets[key]
		log := b.logs[topic]
		wait := b.notify
		b.mu.Unlock()

		if off >= len(log) {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
				continue
			}
		}

		msg := log[off]
		err := safeHandle(extractHeaders(ctx, msg.Headers), msg, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, ErrSerialization) && attempts < b.redeliver {
			attempts++
			continue
		}
		if err != nil {
			b.logger.Warn("skipping message", zap.String("topic", topic), zap.String("key", msg.Key), zap.Error(err))
		}
		attempts = 0
		b.mu.Lock()
		b.offsets[key] = off + 1
		b.mu.Unlock()
	}
}

func safeHandle(ctx context.Context, msg Message, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
