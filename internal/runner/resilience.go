package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/ledger"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = c.InitialInterval
	p.MaxInterval = c.MaxInterval
	p.MaxElapsedTime = c.MaxElapsedTime
	p.Multiplier = c.Multiplier
	p.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(p, ctx)
}

// newWorkerBreaker builds the circuit breaker that guards worker executions.
// A run of consecutive worker failures trips the circuit so a broken worker
// does not burn through every remaining item.
func newWorkerBreaker(log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a worker failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// executeWithRetry runs the worker through the circuit breaker with
// exponential backoff around transient failures.
func executeWithRetry(ctx context.Context, w Worker, a Assignment, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) ([]cycle.Event, error) {
	var evs []cycle.Event

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return w.Execute(ctx, a)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		evs = result.([]cycle.Event)
		return nil
	}

	err := backoff.Retry(operation, retryCfg.policy(ctx))
	return evs, err
}

// reportWithRetry feeds one cycle event to the engine, retrying only when the
// ledger itself is unavailable. Any other failure is a caller bug or an
// illegal transition and retrying would never help.
func reportWithRetry(ctx context.Context, report func(context.Context) (cycle.State, error), retryCfg RetryConfig) (cycle.State, error) {
	var state cycle.State

	operation := func() error {
		s, err := report(ctx)
		if err != nil {
			if errors.Is(err, ledger.ErrPersistenceUnavailable) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		state = s
		return nil
	}

	err := backoff.Retry(operation, retryCfg.policy(ctx))
	return state, err
}
