package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts int           // total attempts including the first, e.g. 3
	BaseDelay   time.Duration // first backoff step
	MaxDelay    time.Duration // cap for a single backoff step

	// Circuit breaker; ConsecutiveFailures == 0 disables it.
	ConsecutiveFailures uint32
	OpenFor             time.Duration
	HalfOpenRequests    uint32
}

// ConfigFrom maps the resilience config section.
func ConfigFrom(c config.ResilienceConfig) Config {
	return Config{
		MaxAttempts:         c.MaxAttempts,
		BaseDelay:           c.BaseDelay,
		MaxDelay:            c.MaxDelay,
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		OpenFor:             c.Breaker.OpenFor,
		HalfOpenRequests:    c.Breaker.HalfOpenRequests,
	}
}

// Pipeline runs an operation with bounded retries and a circuit breaker.
// It is safe for concurrent use.
type Pipeline struct {
	name     string
	attempts int
	base     time.Duration
	max      time.Duration
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(name string, cfg Config, log *zap.Logger) *Pipeline {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		name:     name,
		attempts: cfg.MaxAttempts,
		base:     cfg.BaseDelay,
		max:      cfg.MaxDelay,
		log:      log,
		sleep:    SleepWithContext,
	}

	if cfg.ConsecutiveFailures > 0 {
		openFor := cfg.OpenFor
		if openFor <= 0 {
			openFor = 15 * time.Second
		}
		halfOpen := cfg.HalfOpenRequests
		if halfOpen == 0 {
			halfOpen = 1
		}
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay-" + name,
			MaxRequests: halfOpen,
			Timeout:     openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				// Permanent and cancellation errors say nothing about the dependency's health.
				return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("pipeline", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			},
		})
	}

	return p
}

// Name returns the pipeline name used for logs and metrics.
func (p *Pipeline) Name() string { return p.name }

// State reports the breaker state ("closed" when no breaker is configured).
func (p *Pipeline) State() string {
	if p == nil || p.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return p.breaker.State().String()
}

// Do runs fn until it succeeds, returns a permanent error, the breaker opens,
// ctx is done, or the attempt budget is spent.
func (p *Pipeline) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}

	var last error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%s: %w (last error: %v)", p.name, err, last)
			}
			return err
		}

		err := p.execute(ctx, fn)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, p.name, err)
		}
		last = err
		metrics.RetryAttempts.WithLabelValues(p.name).Inc()

		if attempt == p.attempts-1 {
			break
		}
		wait := Delay(p.base, p.max, attempt)
		p.log.Debug("retrying after transient failure",
			zap.String("pipeline", p.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w (last error: %v)", p.name, err, last)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, p.name, p.attempts, last)
}

func (p *Pipeline) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}
