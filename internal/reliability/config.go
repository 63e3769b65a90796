package reliability

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment shape of a Guard. It is parsed once per
// dependency with a prefix such as ENGINE_ or BUS_.
type Config struct {
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"2s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"10s"`
	RateLimitInterval   time.Duration `env:"RATE_LIMIT_INTERVAL"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST"`
}

// LoadConfig parses a Config from variables carrying prefix.
func LoadConfig(prefix string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("reliability %s: %w", prefix, err)
	}
	if err := cfg.Validate(prefix); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative knobs, naming the offending variable.
func (c Config) Validate(prefix string) error {
	checks := []struct {
		name string
		neg  bool
	}{
		{"RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts < 0},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay < 0},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay < 0},
		{"BREAKER_MAX_FAILURES", c.BreakerMaxFailures < 0},
		{"BREAKER_RESET_TIMEOUT", c.BreakerResetTimeout < 0},
		{"RATE_LIMIT_INTERVAL", c.RateLimitInterval < 0},
		{"RATE_LIMIT_BURST", c.RateLimitBurst < 0},
	}
	for _, check := range checks {
		if check.neg {
			return fmt.Errorf("%s%s must be >= 0", prefix, check.name)
		}
	}
	return nil
}

// Guard builds the limiter, breaker and retry policy described by c.
// A zero rate limit interval disables limiting.
func (c Config) Guard(onChange func(from, to BreakerState)) Guard {
	g := Guard{
		Breaker: NewCircuitBreaker(BreakerConfig{
			MaxFailures:   c.BreakerMaxFailures,
			ResetTimeout:  c.BreakerResetTimeout,
			OnStateChange: onChange,
		}),
		Retry: RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		g.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	}
	return g
}
