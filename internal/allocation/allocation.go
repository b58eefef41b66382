// Package allocation decides whether a gateway may run another query.
package allocation

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// DefaultCacheSize bounds the number of gateways tracked at once.
const DefaultCacheSize = 4096

// Checker is consulted before a billed query is executed.
type Checker interface {
	// Check consumes cost units of gatewayID's allocation or returns
	// chunk.ErrNoAllocation.
	Check(gatewayID string, cost int) error
}

// Noop allows every query.
type Noop struct{}

// Check implements Checker.
func (Noop) Check(string, int) error { return nil }

// Limiter gives every gateway its own token bucket. Gateways that have not
// been seen recently are forgotten and start again with a full bucket.
type Limiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

// NewLimiter allows perSecond queries per gateway with bursts of burst.
func NewLimiter(perSecond float64, burst, cacheSize int) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("allocation rate must be positive, got %v", perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &Limiter{limit: rate.Limit(perSecond), burst: burst, cache: cache}, nil
}

// Check implements Checker.
func (l *Limiter) Check(gatewayID string, cost int) error {
	return l.check(gatewayID, cost, time.Now())
}

func (l *Limiter) check(gatewayID string, cost int, now time.Time) error {
	if cost > l.burst {
		return fmt.Errorf("%w: cost %d exceeds burst %d", chunk.ErrNoAllocation, cost, l.burst)
	}
	if !l.limiter(gatewayID).AllowN(now, cost) {
		return fmt.Errorf("%w: gateway %s", chunk.ErrNoAllocation, gatewayID)
	}
	return nil
}

func (l *Limiter) limiter(gatewayID string) *rate.Limiter {
	if lim, ok := l.cache.Get(gatewayID); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.cache.PeekOrAdd(gatewayID, lim); ok {
		return prev
	}
	return lim
}

// Gateways returns the number of gateways currently tracked.
func (l *Limiter) Gateways() int {
	return l.cache.Len()
}
