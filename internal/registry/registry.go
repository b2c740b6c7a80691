// Package registry is the creator registry view (CRV) from spec.md §4.3: a
// read-only projection over the state store that enumerates eligible
// channels in a fair, cycle-stable order.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/chainmirror/synch/internal/store"
)

// ChannelLister is the subset of the state store CRV depends on, so tests
// can substitute a fake without a database.
type ChannelLister interface {
	ListSyncCandidates(ctx context.Context) ([]store.Channel, error)
}

const cacheKey = "sync-candidates"

// View caches one sync cycle's channel ordering so MP and OC, which both
// read it during a cycle, observe the same list even if SS is concurrently mutated by
// OC/UP/DL during the same cycle — the catabalancer nodeStatsCache idiom.
type View struct {
	lister ChannelLister
	cache  *cache.Cache
	mu     sync.Mutex
}

// New builds a View whose cache entry lives for cycleTTL — callers should
// pass the metadata-poll cycle's own duration so the cache naturally
// expires before the next cycle starts.
func New(lister ChannelLister, cycleTTL time.Duration) *View {
	return &View{
		lister: lister,
		cache:  cache.New(cycleTTL, 2*cycleTTL),
	}
}

// EligibleChannels returns channels satisfying §3-invariant 3, ordered by
// lastActedAt ascending, for the current cycle. Concurrent callers within
// the same cycle share one cached read.
func (v *View) EligibleChannels(ctx context.Context) ([]store.Channel, error) {
	if cached, found := v.cache.Get(cacheKey); found {
		return cached.([]store.Channel), nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, found := v.cache.Get(cacheKey); found {
		return cached.([]store.Channel), nil
	}

	channels, err := v.lister.ListSyncCandidates(ctx)
	if err != nil {
		return nil, err
	}
	v.cache.SetDefault(cacheKey, channels)
	return channels, nil
}

// InvalidateCycle forces the next EligibleChannels call to re-query SS;
// OR calls this at the start of each poll cycle so a stale cache entry
// from a short previous cycle never leaks into the next one.
func (v *View) InvalidateCycle() {
	v.cache.Delete(cacheKey)
}
