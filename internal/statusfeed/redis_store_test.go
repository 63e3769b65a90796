package statusfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"galaxymarket/internal/demand/saga"
)

func TestRedisStatusStore_PipelinesHashExpireAndStream(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	store := NewRedisStatusStore(&stubRedisClient{pipe: pipe}, "status_stream", time.Hour, 10)

	ev := saga.StatusEvent{DemandID: "d-1", Status: saga.StatusOwnershipUpdated, Details: map[string]any{"applied": true}, Timestamp: at}
	if err := store.Record(context.Background(), ev); err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(pipe.hsets) != 1 || pipe.hsets[0].key != "demand_status:d-1" {
		t.Fatalf("unexpected HSETs %+v", pipe.hsets)
	}
	hash, _ := pipe.hsets[0].values[0].(map[string]any)
	if hash["status"] != saga.StatusOwnershipUpdated || hash["details"] != `{"applied":true}` {
		t.Fatalf("unexpected hash values %+v", hash)
	}
	if pipe.expirations["demand_status:d-1"] != time.Hour {
		t.Fatalf("expected ttl applied, got %v", pipe.expirations)
	}
	if len(pipe.xadds) != 1 || pipe.xadds[0].Stream != "status_stream" || pipe.xadds[0].MaxLen != 10 || !pipe.xadds[0].Approx {
		t.Fatalf("unexpected XADD %+v", pipe.xadds)
	}
	if !pipe.execCalled {
		t.Fatalf("expected Exec to be called")
	}
}

func TestRedisStatusStore_RespectsCanceledContext(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	store := NewRedisStatusStore(&stubRedisClient{pipe: pipe}, "", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Record(ctx, saga.StatusEvent{DemandID: "d-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if pipe.execCalled || len(pipe.hsets) > 0 {
		t.Fatalf("expected no writes when context canceled")
	}
}

type stubRedisClient struct {
	pipe *stubPipeline
}

func (s *stubRedisClient) Pipeline() RedisPipeliner { return s.pipe }

func (s *stubRedisClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return redis.NewMapStringStringCmd(ctx)
}

type stubPipeline struct {
	hsets []struct {
		key    string
		values []any
	}
	expirations map[string]time.Duration
	xadds       []redis.XAddArgs
	execCalled  bool
}

func (s *stubPipeline) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	s.hsets = append(s.hsets, struct {
		key    string
		values []any
	}{key: key, values: values})
	return redis.NewIntCmd(context.Background())
}

func (s *stubPipeline) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	if s.expirations == nil {
		s.expirations = map[string]time.Duration{}
	}
	s.expirations[key] = ttl
	return redis.NewBoolCmd(context.Background())
}

func (s *stubPipeline) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.xadds = append(s.xadds, *a)
	return redis.NewStringCmd(context.Background())
}

func (s *stubPipeline) Exec(_ context.Context) ([]redis.Cmder, error) {
	s.execCalled = true
	return nil, nil
}
