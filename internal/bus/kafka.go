package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"galaxymarket/internal/observability"
	"galaxymarket/internal/reliability"
)

// KafkaConfig configures the Kafka publisher and subscribers.
type KafkaConfig struct {
	Brokers        []string
	PublishTimeout time.Duration
	// HandlerRetry re-runs a failing handler in place before the message is
	// redelivered.
	HandlerRetry reliability.RetryPolicy
	// FetchBackoff is the pause after a fetch error and before a failed
	// message is redelivered.
	FetchBackoff time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes keyed messages with all-replica acknowledgment.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger, metrics *observability.Metrics) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
		MaxAttempts:            1,
	}
	return newKafkaPublisher(writer, timeout, logger, metrics), nil
}

func newKafkaPublisher(w messageWriter, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, timeout: timeout, logger: logger, metrics: metrics}
}

// Publish blocks until the broker acknowledges or the publish timeout elapses.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) (err error) {
	span := p.metrics.Start("bus.publish." + topic)
	defer func() { span.End(err) }()

	value, err := Encode(payload)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	for k, v := range injectHeaders(ctx) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Warn("publish failed", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrBusUnavailable, topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber runs consumer-group loops, one reader per Subscribe call.
type KafkaSubscriber struct {
	cfg       KafkaConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	newReader func(topic, group string) messageReader
}

func NewKafkaSubscriber(cfg KafkaConfig, logger *zap.Logger, metrics *observability.Metrics) (*KafkaSubscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka subscriber requires at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = time.Second
	}
	s := &KafkaSubscriber{cfg: cfg, logger: logger, metrics: metrics}
	s.newReader = func(topic, group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		})
	}
	return s, nil
}

// Subscribe consumes topic until ctx is cancelled. Each message is isolated:
// a panic or error in the handler never ends the loop. A failing handler is
// retried per HandlerRetry and then redelivered after FetchBackoff until it
// succeeds; the reader never fetches past it, because committing a later
// offset on the partition would acknowledge it too. Serialization failures
// are committed so a poison message cannot stall the partition.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	reader := s.newReader(topic, group)
	defer reader.Close()

	log := s.logger.With(zap.String("topic", topic), zap.String("group", group))
	log.Info("subscription started")
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("subscription stopped")
				return nil
			}
			log.Warn("fetch failed", zap.Error(err))
			if sleepErr := reliability.SleepContext(ctx, s.cfg.FetchBackoff); sleepErr != nil {
				return nil
			}
			continue
		}

		msg := fromKafka(km)
		for !s.handle(ctx, log, msg, h) {
			s.metrics.Incr("bus.redelivered." + topic)
			if reliability.SleepContext(ctx, s.cfg.FetchBackoff) != nil || ctx.Err() != nil {
				log.Info("subscription stopped before message was handled",
					zap.Int("partition", km.Partition), zap.Int64("offset", km.Offset))
				return nil
			}
		}
		if err := reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			log.Warn("commit failed", zap.Int("partition", km.Partition), zap.Int64("offset", km.Offset), zap.Error(err))
		}
	}
}

// handle reports whether the message should be committed.
func (s *KafkaSubscriber) handle(ctx context.Context, log *zap.Logger, msg Message, h Handler) (commit bool) {
	span := s.metrics.Start("bus.consume." + msg.Topic)
	var err error
	defer func() { span.End(err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error("handler panicked", zap.String("key", msg.Key), zap.Any("panic", r))
			commit = false
		}
	}()

	hctx := extractHeaders(ctx, msg.Headers)
	retry := s.cfg.HandlerRetry
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = func(err error) bool {
			return !errors.Is(err, ErrSerialization) && reliability.Transient(err)
		}
	}
	err = retry.Do(ctx, func() error { return h(hctx, msg) })
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSerialization):
		log.Warn("dropping undecodable message", zap.String("key", msg.Key), zap.Int64("offset", msg.Offset), zap.Error(err))
		s.metrics.Incr("bus.dropped." + msg.Topic)
		return true
	default:
		log.Error("handler failed, message will be redelivered", zap.String("key", msg.Key), zap.Int64("offset", msg.Offset), zap.Error(err))
		return false
	}
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     km.Topic,
		Key:       string(km.Key),
		Value:     km.Value,
		Headers:   headers,
		Partition: km.Partition,
		Offset:    km.Offset,
		Time:      km.Time,
	}
}
