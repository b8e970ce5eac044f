package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"conductor.app/conductor/common/logger"
)

// Criticality selects the retry budget for a call.
type Criticality string

const (
	// CriticalityHigh uses immediate-then-exponential backoff with jitter.
	CriticalityHigh Criticality = "high"
	// CriticalityLow uses linear backoff with fewer attempts.
	CriticalityLow Criticality = "low"
)

// RetryPolicy parameterizes one criticality tier.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each delay.
	Jitter      float64
	MaxInterval time.Duration
	MaxAttempts uint
}

func policyFor(tier Criticality) RetryPolicy {
	switch tier {
	case CriticalityLow:
		return RetryPolicy{
			InitialInterval: time.Second,
			Multiplier:      1, // linear
			Jitter:          0.1,
			MaxInterval:     time.Second,
			MaxAttempts:     3,
		}
	default:
		return RetryPolicy{
			InitialInterval: 250 * time.Millisecond,
			Multiplier:      1.8,
			Jitter:          0.15,
			MaxInterval:     10 * time.Second,
			MaxAttempts:     5,
		}
	}
}

// Caller wraps outbound calls to collaborator services with
// classification-driven retry and per-dependency circuit breaking. Every
// suspension is bounded by the caller's context.
type Caller struct {
	breakers *BreakerSet
	logger   *slog.Logger
}

func NewCaller(breakers *BreakerSet, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{breakers: breakers, logger: log}
}

// Do invokes op against the named dependency under the tier's retry
// policy. Transient failures are retried with backoff; rate-limit delays
// from the server are honored verbatim; permanent failures and open
// circuits return immediately. The returned error is always classified.
func (c *Caller) Do(ctx context.Context, dependency string, tier Criticality, op func(ctx context.Context) error) error {
	return c.DoWithPolicy(ctx, dependency, policyFor(tier), op)
}

func (c *Caller) DoWithPolicy(ctx context.Context, dependency string, policy RetryPolicy, op func(ctx context.Context) error) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Dependency: logger.Ptr(dependency),
		Component:  "conductor.resilience",
	})

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := c.breakers.Execute(dependency, func() error {
			if err := op(ctx); err != nil {
				return Classify(dependency, err)
			}
			return nil
		})
		if err == nil {
			return struct{}{}, nil
		}

		var open *CircuitOpenError
		if errors.As(err, &open) {
			// Fail fast; retrying against an open circuit only burns the
			// recovery window.
			return struct{}{}, backoff.Permanent(err)
		}

		depErr := Classify(dependency, err)
		if depErr.Kind == KindPermanent {
			return struct{}{}, backoff.Permanent(error(depErr))
		}
		if depErr.RetryAfter > 0 {
			// Carry the server-specified delay verbatim; backoff.RetryAfter
			// takes whole seconds and would truncate sub-second delays to an
			// immediate retry.
			return struct{}{}, &backoff.RetryAfterError{Duration: depErr.RetryAfter}
		}
		return struct{}{}, depErr
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.Multiplier = policy.Multiplier
	expo.RandomizationFactor = policy.Jitter
	expo.MaxInterval = policy.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "retrying dependency call",
				"attempt", attempt,
				"next_delay", next,
				"error", err)
		}),
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "dependency call failed",
			"attempts", attempt,
			"error", err)
	}
	return err
}
