// Package reliability holds the retry, circuit breaker and rate limiting
// primitives shared by outbound engine and bus calls.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker rejected the call.
var ErrCircuitOpen = errors.New("reliability: circuit breaker open")

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// NoRetry is a policy that runs the call exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Do runs fn until it succeeds, the policy is exhausted or the error is not retryable.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Transient
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = halfJitter
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 || !shouldRetry(err) {
			return err
		}
		if delay := jitter(p.backoff(attempt)); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	delay <<= attempt
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Transient is the default retry predicate: everything except cancellation
// and an open breaker.
func Transient(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen)
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(from, to BreakerState)
}

// BreakerState is the externally visible breaker position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calls after repeated failures and lets a single probe
// through once the reset timeout has passed.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	onChange   func(from, to BreakerState)

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker constructs a breaker; zero values fall back to one failure
// and a two second reset window.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
		onChange:   cfg.OnStateChange,
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// State reports the current position, promoting open to half-open when the
// reset window has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetAfter {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn while enforcing breaker state.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	now := b.now()

	b.mu.Lock()
	before := b.state
	if b.state == StateOpen {
		if now.Sub(b.openedAt) < b.resetAfter {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
	}
	if b.state == StateHalfOpen {
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	switch {
	case err == nil:
		b.state = StateClosed
		b.failures = 0
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.maxFails {
			b.state = StateOpen
			b.openedAt = now
		}
	}
	after := b.state
	b.mu.Unlock()

	if before != after && b.onChange != nil {
		b.onChange(before, after)
	}
	return err
}

// RateLimiter is a token bucket refilled one token per interval.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a full bucket of burst tokens.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	r := &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  SleepContext,
		tokens: burst,
	}
	r.last = r.now()
	return r
}

// Allow takes a token without waiting.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.now())
	if r.tokens == 0 {
		return false
	}
	r.tokens--
	return true
}

// Wait blocks until a token is available or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens = min(r.tokens+add, r.burst)
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// Guard composes limiter, breaker and retry around a call, in that order per attempt.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// Do runs fn under the guard.
func (g Guard) Do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return g.Breaker.Execute(fn)
	}
	return g.Retry.Do(ctx, attempt)
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
