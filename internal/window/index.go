// Package window keeps each identity's recent events for rule evaluation.
//
// Identities are partitioned across shards; a shard lock only guards the
// identity map, and each identity's series carries its own lock, so lookups
// for unrelated identities never contend on the same mutex.
package window

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

// ErrStale is returned for events already older than the retention horizon.
var ErrStale = errors.New("event older than window retention")

// ErrFuture is returned for events dated further ahead of the index clock
// than the allowed skew.
var ErrFuture = errors.New("event dated beyond allowed clock skew")

// CapacityError reports that an append pushed an identity over a cap and the
// oldest entries were evicted to make room. The new event is always kept.
type CapacityError struct {
	Identity string
	Evicted  int
	Limit    string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("window capacity (%s) reached for %q: evicted %d oldest events", e.Limit, e.Identity, e.Evicted)
}

type Options struct {
	Retention            time.Duration
	Shards               int
	MaxEventsPerIdentity int
	MaxTotalEvents       int
	ExpireBatch          int
	DedupeCapacity       int
	MaxSkew              time.Duration
	Clock                Clock
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Retention:            cfg.Detection.Retention(),
		Shards:               cfg.Window.Shards,
		MaxEventsPerIdentity: cfg.Window.MaxEventsPerIdentity,
		MaxTotalEvents:       cfg.Window.MaxTotalEvents,
		ExpireBatch:          cfg.Window.ExpireBatch,
		DedupeCapacity:       cfg.Window.DedupeCapacity,
		MaxSkew:              cfg.Window.MaxClockSkew,
	}
}

type Index struct {
	shards         []*shard
	retention      atomic.Int64
	maxPerIdentity int
	maxTotal       int
	expireBatch    int
	maxSkew        time.Duration
	seen           *DedupeCache
	clock          Clock

	total   atomic.Int64
	expired atomic.Uint64
	evicted atomic.Uint64
}

type shard struct {
	mu     sync.Mutex
	series map[string]*series
}

func New(opts Options) *Index {
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.ExpireBatch <= 0 {
		opts.ExpireBatch = 256
	}
	if opts.Clock == nil {
		opts.Clock = WallClock
	}
	idx := &Index{
		shards:         make([]*shard, opts.Shards),
		maxPerIdentity: opts.MaxEventsPerIdentity,
		maxTotal:       opts.MaxTotalEvents,
		expireBatch:    opts.ExpireBatch,
		maxSkew:        opts.MaxSkew,
		seen:           NewDedupeCache(opts.DedupeCapacity),
		clock:          opts.Clock,
	}
	idx.retention.Store(int64(opts.Retention))
	for i := range idx.shards {
		idx.shards[i] = &shard{series: make(map[string]*series)}
	}
	return idx
}

func (idx *Index) Retention() time.Duration {
	return time.Duration(idx.retention.Load())
}

// SetRetention applies a new horizon; existing entries are trimmed lazily.
func (idx *Index) SetRetention(d time.Duration) {
	idx.retention.Store(int64(d))
}

func (idx *Index) shardFor(identity string) *shard {
	return idx.shards[xxhash.Sum64String(identity)%uint64(len(idx.shards))]
}

// acquire returns the identity's series locked. The caller must unlock it.
func (idx *Index) acquire(identity string, create bool) *series {
	sh := idx.shardFor(identity)
	for {
		sh.mu.Lock()
		s, ok := sh.series[identity]
		if !ok {
			if !create {
				sh.mu.Unlock()
				return nil
			}
			s = newSeries()
			sh.series[identity] = s
		}
		sh.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		// removed by a sweep between the map lookup and the lock
		s.mu.Unlock()
	}
}

// Append stores ev under identity. It returns false for a duplicate event id,
// a stale event or one dated beyond the allowed skew. A *CapacityError means the event was stored but older
// entries were evicted.
func (idx *Index) Append(identity string, ev model.SecurityEvent) (bool, error) {
	now := idx.clock()
	retention := idx.Retention()
	if retention > 0 && !now.IsZero() && ev.Timestamp.Before(now.Add(-retention)) {
		return false, ErrStale
	}
	if idx.maxSkew > 0 && !now.IsZero() && ev.Timestamp.After(now.Add(idx.maxSkew)) {
		return false, ErrFuture
	}
	if idx.seen.Seen(ev.EventID) {
		return false, nil
	}

	s := idx.acquire(identity, true)
	defer s.mu.Unlock()

	if s.contains(ev.EventID) {
		return false, nil
	}
	if retention > 0 && !now.IsZero() {
		if n := s.evictBefore(now.Add(-retention), idx.expireBatch); n > 0 {
			idx.total.Add(int64(-n))
			idx.expired.Add(uint64(n))
		}
	}
	s.insert(ev)
	total := idx.total.Add(1)

	var capErr *CapacityError
	if idx.maxPerIdentity > 0 && s.live() > idx.maxPerIdentity {
		n := s.evictOldest(s.live() - idx.maxPerIdentity)
		total = idx.total.Add(int64(-n))
		idx.evicted.Add(uint64(n))
		capErr = &CapacityError{Identity: identity, Evicted: n, Limit: "per_identity"}
	}
	if idx.maxTotal > 0 && total > int64(idx.maxTotal) && s.live() > 1 {
		over := int(total - int64(idx.maxTotal))
		if over > s.live()-1 {
			over = s.live() - 1
		}
		n := s.evictOldest(over)
		idx.total.Add(int64(-n))
		idx.evicted.Add(uint64(n))
		if capErr == nil {
			capErr = &CapacityError{Identity: identity, Limit: "total"}
		}
		capErr.Evicted += n
	}
	if capErr != nil {
		return true, capErr
	}
	return true, nil
}

// RecentSince returns the identity's events with timestamp >= cutoff in
// ascending timestamp order.
func (idx *Index) RecentSince(identity string, cutoff time.Time) []model.SecurityEvent {
	s := idx.acquire(identity, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	return s.since(cutoff)
}

// Expire removes entries older than the retention horizon relative to now.
// Each identity gives up at most one expire batch per call so a single sweep
// never holds an identity lock for long; repeated calls finish the work.
func (idx *Index) Expire(now time.Time) int {
	retention := idx.Retention()
	if retention <= 0 {
		return 0
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, sh := range idx.shards {
		sh.mu.Lock()
		ids := make([]string, 0, len(sh.series))
		for id := range sh.series {
			ids = append(ids, id)
		}
		sh.mu.Unlock()

		for _, id := range ids {
			removed += idx.expireIdentity(sh, id, cutoff)
		}
	}
	return removed
}

func (idx *Index) expireIdentity(sh *shard, identity string, cutoff time.Time) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.series[identity]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.evictBefore(cutoff, idx.expireBatch)
	if n > 0 {
		idx.total.Add(int64(-n))
		idx.expired.Add(uint64(n))
	}
	if s.live() == 0 {
		s.dead = true
		delete(sh.series, identity)
	}
	return n
}

func (idx *Index) Len(identity string) int {
	s := idx.acquire(identity, false)
	if s == nil {
		return 0
	}
	defer s.mu.Unlock()
	return s.live()
}

func (idx *Index) Identities() int {
	n := 0
	for _, sh := range idx.shards {
		sh.mu.Lock()
		n += len(sh.series)
		sh.mu.Unlock()
	}
	return n
}

type Stats struct {
	Identities int    `json:"identities"`
	Events     int64  `json:"events"`
	Expired    uint64 `json:"expired"`
	Evicted    uint64 `json:"evicted"`
	Dedupe     int    `json:"dedupe_entries"`
}

func (idx *Index) Stats() Stats {
	return Stats{
		Identities: idx.Identities(),
		Events:     idx.total.Load(),
		Expired:    idx.expired.Load(),
		Evicted:    idx.evicted.Load(),
		Dedupe:     idx.seen.Len(),
	}
}

func (idx *Index) Reset() {
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for id, s := range sh.series {
			s.mu.Lock()
			s.dead = true
			s.mu.Unlock()
			delete(sh.series, id)
		}
		sh.mu.Unlock()
	}
	idx.total.Store(0)
	idx.seen.Purge()
}
