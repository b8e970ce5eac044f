package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMiss is returned by Get when no live entry exists for the key.
var ErrMiss = errors.New("cache miss")

// Tier names a time-to-live class. Call sites pick a tier by name instead
// of passing arbitrary durations.
type Tier string

const (
	// TierShort covers transient execution state (cancellation flags,
	// in-flight progress).
	TierShort Tier = "short"
	// TierStandard covers configuration-class data.
	TierStandard Tier = "standard"
	// TierExtended covers conversation/memory-class data and job results.
	TierExtended Tier = "extended"
)

// TTL returns the duration behind a named tier.
func (t Tier) TTL() time.Duration {
	switch t {
	case TierShort:
		return 5 * time.Minute
	case TierExtended:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// CacheUnavailableError reports a transport failure talking to the cache
// backend. The cache is an optimization, never a correctness dependency:
// callers fall back to direct computation.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable (%s): %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// ComputeFn produces the value for a key on a miss.
type ComputeFn func(ctx context.Context) (json.RawMessage, error)

// Store is a tenant-scoped get-or-compute cache.
type Store interface {
	// GetOrCompute returns the live entry for the key if one exists, or
	// invokes compute exactly once under a per-key lock, stores the result
	// with the tier's TTL, and returns it. The bool reports a hit.
	// Compute errors are propagated and never cached.
	GetOrCompute(ctx context.Context, dataType, tenantID, resourceID string, tier Tier, compute ComputeFn) (json.RawMessage, bool, error)

	Get(ctx context.Context, dataType, tenantID, resourceID string) (json.RawMessage, error)
	Put(ctx context.Context, dataType, tenantID, resourceID string, value json.RawMessage, tier Tier) error

	// Invalidate drops an entry before its TTL expires. Exposed for
	// external collaborators reacting to upstream config changes; nothing
	// inside the core calls it.
	Invalidate(ctx context.Context, dataType, tenantID, resourceID string) error
}

// Key builds the storage key for (data_type, tenant_id, resource_id).
func Key(dataType, tenantID, resourceID string) string {
	return fmt.Sprintf("cache:%s:%s:%s", dataType, tenantID, resourceID)
}

// keyLocks hands out one mutex per exact cache key so concurrent builds of
// the same key serialize while unrelated keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire locks the mutex for key. The returned release both unlocks and
// drops the map entry once the last holder is gone, so the map does not
// grow with key cardinality.
func (kl *keyLocks) acquire(key string) (release func()) {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{}
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()
		kl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}
