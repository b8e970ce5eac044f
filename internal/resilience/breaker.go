package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitOpenError reports a short-circuited call: the breaker for the
// dependency is open and the call was failed fast without going out.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Dependency)
}

// BreakerConfig tunes the per-dependency circuit breakers.
type BreakerConfig struct {
	// Interval is the rolling window over which failure counts accumulate.
	Interval time.Duration
	// Timeout is the recovery period after opening; once it elapses a
	// single probe call is allowed (half-open).
	Timeout time.Duration
	// MinRequests is the minimum number of calls in the window before the
	// failure ratio is considered.
	MinRequests uint32
	// FailureRatio opens the breaker once crossed.
	FailureRatio float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerSet lazily maintains one circuit breaker per downstream
// dependency. Breakers are independent: an open circuit for one
// collaborator never affects calls to another.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (bs *BreakerSet) get(dependency string) *gobreaker.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if cb, ok := bs.breakers[dependency]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: dependency,
		// One probe call while half-open.
		MaxRequests: 1,
		Interval:    bs.cfg.Interval,
		Timeout:     bs.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bs.cfg.FailureRatio
		},
		// Permanent errors mean the dependency answered and rejected the
		// request; that is not a health signal, so it does not trip the
		// breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var depErr *DependencyError
			return errors.As(err, &depErr) && depErr.Kind == KindPermanent
		},
	})
	bs.breakers[dependency] = cb
	return cb
}

// Execute runs fn guarded by the dependency's breaker. An open breaker
// fails fast with CircuitOpenError; failures inside fn pass through
// untouched.
func (bs *BreakerSet) Execute(dependency string, fn func() error) error {
	_, err := bs.get(dependency).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitOpenError{Dependency: dependency}
	}
	return err
}

// State exposes the breaker state for operational tooling.
func (bs *BreakerSet) State(dependency string) gobreaker.State {
	return bs.get(dependency).State()
}
