package reliability

import (
	"testing"
	"time"
)

func TestLoadConfig_Parses(t *testing.T) {
	t.Setenv("ENGINE_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("ENGINE_RETRY_BASE_DELAY", "50ms")
	t.Setenv("ENGINE_RETRY_MAX_DELAY", "500ms")
	t.Setenv("ENGINE_BREAKER_MAX_FAILURES", "6")
	t.Setenv("ENGINE_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("ENGINE_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("ENGINE_RATE_LIMIT_BURST", "100")

	cfg, err := LoadConfig("ENGINE_")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Fatalf("expected retry attempts 4, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond || cfg.RetryMaxDelay != 500*time.Millisecond {
		t.Fatalf("unexpected retry delays: %v %v", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.BreakerMaxFailures != 6 || cfg.BreakerResetTimeout != 2*time.Second {
		t.Fatalf("unexpected breaker config: %+v", cfg)
	}
	if cfg.RateLimitInterval != time.Millisecond || cfg.RateLimitBurst != 100 {
		t.Fatalf("unexpected rate limit config: %+v", cfg)
	}

	guard := cfg.Guard(nil)
	if guard.Limiter == nil || guard.Breaker == nil {
		t.Fatalf("expected limiter and breaker to be built")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("BUS_")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.BreakerMaxFailures != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if guard := cfg.Guard(nil); guard.Limiter != nil {
		t.Fatalf("expected limiter disabled by default")
	}
}

func TestLoadConfig_RejectsNegative(t *testing.T) {
	t.Setenv("BUS_BREAKER_MAX_FAILURES", "-1")
	if _, err := LoadConfig("BUS_"); err == nil {
		t.Fatalf("expected validation error")
	}
}
