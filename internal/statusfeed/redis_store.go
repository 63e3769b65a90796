package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"galaxymarket/internal/demand/saga"
)

// RedisStatusStore keeps the latest status per demand in a hash and appends
// every status to a capped stream.
type RedisStatusStore struct {
	client    RedisClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisClient is the minimal client surface used by RedisStatusStore.
type RedisClient interface {
	Pipeline() RedisPipeliner
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

func NewRedisStatusStore(client RedisClient, stream string, ttl time.Duration, maxLen int64) *RedisStatusStore {
	if stream == "" {
		stream = "demand_status_events"
	}
	return &RedisStatusStore{
		client:    client,
		stream:    stream,
		keyPrefix: "demand_status:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Record overwrites the latest status and appends to the stream.
func (r *RedisStatusStore) Record(ctx context.Context, ev saga.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	details, err := encodeDetails(ev.Details)
	if err != nil {
		return err
	}
	values := map[string]any{
		"demand_id": ev.DemandID,
		"status":    ev.Status,
		"details":   details,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	key := r.keyPrefix + ev.DemandID
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err = pipe.Exec(ctx)
	return err
}

// Latest reads the last recorded status for demandID.
func (r *RedisStatusStore) Latest(ctx context.Context, demandID string) (saga.StatusEvent, error) {
	fields, err := r.client.HGetAll(ctx, r.keyPrefix+demandID).Result()
	if err != nil {
		return saga.StatusEvent{}, err
	}
	if len(fields) == 0 {
		return saga.StatusEvent{}, fmt.Errorf("%w: %s", ErrNoStatus, demandID)
	}
	ev := saga.StatusEvent{DemandID: fields["demand_id"], Status: fields["status"]}
	if raw := fields["details"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Details); err != nil {
			return saga.StatusEvent{}, fmt.Errorf("decode details for %s: %w", demandID, err)
		}
	}
	if ts := fields["timestamp"]; ts != "" {
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return saga.StatusEvent{}, fmt.Errorf("decode timestamp for %s: %w", demandID, err)
		}
	}
	return ev, nil
}

func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", errors.Join(errors.New("encode status details"), err)
	}
	return string(b), nil
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(client *redis.Client) RedisClient {
	return redisClientAdapter{client: client}
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

func (a redisClientAdapter) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return a.client.HGetAll(ctx, key)
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
