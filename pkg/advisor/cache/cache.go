// Package cache provides the advice cache: a sharded, memory-bounded, TTL-based
// store mapping an error fingerprint to its analysis state and remediation advice.
//
// The cache is the single source of truth for "have we already analyzed this
// error". Each fingerprint has at most one entry, which moves through
//
//	pending -> ready   (analysis succeeded)
//	pending -> failed  (analysis exhausted retries, or the pending watchdog fired)
//
// and is eventually removed by TTL expiry or LRU eviction. Pending entries are
// never evicted: they are kept out of the LRU list until they reach a terminal
// state, so in-flight work cannot be silently forgotten.
package cache

import (
	"container/list"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the analysis state of a cache entry.
type Status string

const (
	// StatusPending marks a fingerprint that is queued or being analyzed.
	StatusPending Status = "pending"

	// StatusReady marks a fingerprint with advice available.
	StatusReady Status = "ready"

	// StatusFailed marks a fingerprint whose analysis could not be completed.
	StatusFailed Status = "failed"
)

var (
	// ErrFull is returned when no room can be made without evicting pending entries.
	ErrFull = errors.New("cache: capacity exhausted by pending entries")

	// ErrNotPending is returned by Complete and Fail when the entry is absent or
	// not in the pending state.
	ErrNotPending = errors.New("cache: entry is not pending")
)

// Entry is a snapshot of a cache entry. Callers receive copies.
type Entry struct {
	Fingerprint string
	Status      Status

	// Advice is present iff Status is StatusReady.
	Advice   string
	Provider string

	// Sample is the scrubbed representative event stored alongside the pending
	// marker. It is dropped once the entry reaches a terminal state.
	Sample string

	// FailureReason is set for failed entries.
	FailureReason string

	// SizeBytes is len(Advice) + len(Sample).
	SizeBytes int

	// Truncated reports that the advice was cut to fit the per-entry cap.
	Truncated bool

	CreatedAt      time.Time
	LastAccessedAt time.Time

	// ExpiresAt is zero for pending entries.
	ExpiresAt time.Time
}

// Config controls cache capacity and lifetimes.
type Config struct {
	// MaxEntries is the entry-count ceiling (default: 10000).
	MaxEntries int

	// MaxBytes is the aggregate byte ceiling over advice and samples (default: 32 MiB).
	MaxBytes int64

	// MaxEntryBytes is the per-entry cap; larger advice is truncated (default: 16 KiB).
	MaxEntryBytes int

	// ReadyTTL is how long advice is kept (default: 24h).
	ReadyTTL time.Duration

	// FailedTTL is how long a failure is remembered before a fresh retry is
	// allowed. It should be shorter than ReadyTTL (default: 5m).
	FailedTTL time.Duration

	// PendingMaxAge is the watchdog limit after which a pending entry is
	// force-failed (default: 2m).
	PendingMaxAge time.Duration

	// Shards is the number of independently locked partitions (default: 16).
	// The entry and byte ceilings apply to the cache as a whole.
	Shards int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    10000,
		MaxBytes:      32 << 20,
		MaxEntryBytes: 16 << 10,
		ReadyTTL:      24 * time.Hour,
		FailedTTL:     5 * time.Minute,
		PendingMaxAge: 2 * time.Minute,
		Shards:        16,
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) { c.now = fn }
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries        int
	Pending        int
	Bytes          int64
	Hits           int64
	Misses         int64
	Evictions      int64
	Expirations    int64
	Truncations    int64
	ForcedFailures int64
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg      Config
	shards   []*shard
	usage    *usage
	entryCap int
	now      func() time.Time

	hits           atomic.Int64
	misses         atomic.Int64
	evictions      atomic.Int64
	expirations    atomic.Int64
	truncations    atomic.Int64
	forcedFailures atomic.Int64
}

// usage holds the cache-wide totals the ceilings are enforced against.
// Capacity is reserved before an entry is inserted, so entries and bytes
// also count in-progress inserts.
type usage struct {
	entries atomic.Int64
	bytes   atomic.Int64
	pending atomic.Int64
}

type shard struct {
	mu    sync.Mutex
	items map[string]*item
	lru   *list.List // terminal entries only; front is most recently used
	usage *usage
}

type item struct {
	entry Entry
	elem  *list.Element // nil while pending
}

// New creates a cache. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = def.MaxEntryBytes
	}
	if cfg.ReadyTTL <= 0 {
		cfg.ReadyTTL = def.ReadyTTL
	}
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = def.FailedTTL
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = def.PendingMaxAge
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}

	c := &Cache{
		cfg:      cfg,
		shards:   make([]*shard, cfg.Shards),
		usage:    &usage{},
		entryCap: cfg.MaxEntryBytes,
		now:      time.Now,
	}
	if int64(c.entryCap) > cfg.MaxBytes {
		c.entryCap = int(cfg.MaxBytes)
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[string]*item),
			lru:   list.New(),
			usage: c.usage,
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration after defaults.
func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) shardFor(fp string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Lookup returns the live entry for fp. A hit refreshes LastAccessedAt.
func (c *Cache) Lookup(fp string) (Entry, bool) {
	s := c.shardFor(fp)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[fp]
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	if it.expired(now) {
		s.remove(fp, it)
		c.expirations.Add(1)
		c.misses.Add(1)
		return Entry{}, false
	}

	it.entry.LastAccessedAt = now
	if it.elem != nil {
		s.lru.MoveToFront(it.elem)
	}
	c.hits.Add(1)
	return it.entry, true
}

// Peek returns fp's entry without counting a hit or touching its LRU position.
// Workers use it to read the sample of the entry they are analyzing.
func (c *Cache) Peek(fp string) (Entry, bool) {
	s := c.shardFor(fp)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[fp]
	if !ok || it.expired(now) {
		return Entry{}, false
	}
	return it.entry, true
}

// MarkPending inserts a pending placeholder for fp together with its
// representative sample. It returns false with a nil error when a live entry
// already exists in any state, and ErrFull when room cannot be made.
// Only one concurrent caller can move a fingerprint from absent to pending.
func (c *Cache) MarkPending(fp, sample string) (bool, error) {
	s := c.shardFor(fp)
	now := c.now()

	if limit := c.entryCap / 2; len(sample) > limit {
		sample = truncateWithMarker(sample, limit)
	}

	if c.liveOrPurge(s, fp, now) {
		return false, nil
	}

	// Room is made without holding s.mu: eviction locks one shard at a time.
	size := int64(len(sample))
	if !c.makeRoom(1, size, now) {
		return false, ErrFull
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[fp]; ok {
		if !it.expired(now) {
			c.usage.release(1, size)
			return false, nil
		}
		s.remove(fp, it)
		c.expirations.Add(1)
	}

	s.items[fp] = &item{entry: Entry{
		Fingerprint:    fp,
		Status:         StatusPending,
		Sample:         sample,
		SizeBytes:      len(sample),
		CreatedAt:      now,
		LastAccessedAt: now,
	}}
	c.usage.pending.Add(1)
	return true, nil
}

// liveOrPurge reports whether fp has a live entry, removing it if expired.
func (c *Cache) liveOrPurge(s *shard, fp string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[fp]
	if !ok {
		return false
	}
	if !it.expired(now) {
		return true
	}
	s.remove(fp, it)
	c.expirations.Add(1)
	return false
}

// Complete moves fp from pending to ready and stores its advice. Advice longer
// than the per-entry cap is truncated rather than rejected.
func (c *Cache) Complete(fp, advice, provider string) error {
	s := c.shardFor(fp)
	now := c.now()

	s.mu.Lock()
	it, ok := s.items[fp]
	if !ok || it.entry.Status != StatusPending {
		s.mu.Unlock()
		return ErrNotPending
	}
	sample := it.entry.Sample
	s.mu.Unlock()

	truncated := false
	if limit := c.entryCap - len(sample); len(advice) > limit {
		advice = truncateWithMarker(advice, limit)
		truncated = true
	}

	need := int64(len(advice))
	reserved := c.makeRoom(0, need, now)
	if !reserved {
		if avail := c.cfg.MaxBytes - c.usage.bytes.Load(); avail >= minAdviceBytes {
			if need > avail {
				advice = truncateWithMarker(advice, int(avail))
				truncated = true
				need = int64(len(advice))
			}
			reserved = c.usage.reserve(0, need, c.cfg)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.items[fp]; !ok || cur != it || it.entry.Status != StatusPending {
		if reserved {
			c.usage.release(0, need)
		}
		return ErrNotPending
	}
	if !reserved {
		s.fail(it, "no capacity for advice", now, c.cfg.FailedTTL)
		return ErrFull
	}
	if truncated {
		c.truncations.Add(1)
	}

	it.entry.Status = StatusReady
	it.entry.Advice = advice
	it.entry.Provider = provider
	it.entry.Truncated = truncated
	it.entry.SizeBytes = len(advice) + len(sample)
	it.entry.LastAccessedAt = now
	it.entry.ExpiresAt = now.Add(c.cfg.ReadyTTL)
	it.elem = s.lru.PushFront(fp)
	c.usage.pending.Add(-1)
	return nil
}

// Fail moves fp from pending to failed. Failed entries live for FailedTTL so a
// persistent error is retried later instead of being blacklisted.
func (c *Cache) Fail(fp, reason string) error {
	s := c.shardFor(fp)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[fp]
	if !ok || it.entry.Status != StatusPending {
		return ErrNotPending
	}
	s.fail(it, reason, now, c.cfg.FailedTTL)
	return nil
}

// EvictExpired removes expired ready and failed entries and force-fails
// pending entries older than PendingMaxAge. It returns the number of entries
// removed.
func (c *Cache) EvictExpired() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, it := range s.items {
			switch {
			case it.entry.Status == StatusPending:
				if now.Sub(it.entry.CreatedAt) >= c.cfg.PendingMaxAge {
					s.fail(it, "pending watchdog expired", now, c.cfg.FailedTTL)
					c.forcedFailures.Add(1)
				}
			case it.expired(now):
				s.remove(fp, it)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expirations.Add(int64(removed))
	return removed
}

// EvictLRU evicts least recently accessed terminal entries, oldest first
// across all shards, until at least targetFreedBytes have been released or no
// candidates remain. It returns the number of entries evicted.
func (c *Cache) EvictLRU(targetFreedBytes int64) int {
	now := c.now()
	var freed int64
	evicted := 0
	for freed < targetFreedBytes {
		n, ok := c.evictOldest(now)
		if !ok {
			break
		}
		freed += n
		evicted++
	}
	return evicted
}

// Stats reads the cache-wide counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:        int(c.usage.entries.Load()),
		Pending:        int(c.usage.pending.Load()),
		Bytes:          c.usage.bytes.Load(),
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		Expirations:    c.expirations.Load(),
		Truncations:    c.truncations.Load(),
		ForcedFailures: c.forcedFailures.Load(),
	}
}

// makeRoom reserves addEntries and addBytes against the cache-wide ceilings,
// evicting the globally least recently used terminal entries until the
// reservation fits. It must be called without any shard lock held.
func (c *Cache) makeRoom(addEntries int, addBytes int64, now time.Time) bool {
	for !c.usage.reserve(int64(addEntries), addBytes, c.cfg) {
		if _, ok := c.evictOldest(now); !ok {
			return false
		}
	}
	return true
}

// evictOldest removes the terminal entry with the oldest LastAccessedAt across
// all shards. Each shard's LRU tail is its oldest entry, so only tails are
// compared. Expired victims count as expirations, the rest as evictions.
func (c *Cache) evictOldest(now time.Time) (int64, bool) {
	for {
		var victim *shard
		var oldest time.Time
		for _, s := range c.shards {
			s.mu.Lock()
			if e := s.lru.Back(); e != nil {
				at := s.items[e.Value.(string)].entry.LastAccessedAt
				if victim == nil || at.Before(oldest) {
					victim, oldest = s, at
				}
			}
			s.mu.Unlock()
		}
		if victim == nil {
			return 0, false
		}

		victim.mu.Lock()
		e := victim.lru.Back()
		if e == nil {
			// Drained since the scan; look again.
			victim.mu.Unlock()
			continue
		}
		fp := e.Value.(string)
		it := victim.items[fp]
		n := int64(it.entry.SizeBytes)
		if it.expired(now) {
			c.expirations.Add(1)
		} else {
			c.evictions.Add(1)
		}
		victim.remove(fp, it)
		victim.mu.Unlock()
		return n, true
	}
}

func (u *usage) reserve(addEntries, addBytes int64, cfg Config) bool {
	for {
		cur := u.entries.Load()
		if cur+addEntries > int64(cfg.MaxEntries) {
			return false
		}
		if u.entries.CompareAndSwap(cur, cur+addEntries) {
			break
		}
	}
	for {
		cur := u.bytes.Load()
		if cur+addBytes > cfg.MaxBytes {
			u.entries.Add(-addEntries)
			return false
		}
		if u.bytes.CompareAndSwap(cur, cur+addBytes) {
			return true
		}
	}
}

func (u *usage) release(entries, bytes int64) {
	u.entries.Add(-entries)
	u.bytes.Add(-bytes)
}

func (s *shard) remove(fp string, it *item) {
	if it.elem != nil {
		s.lru.Remove(it.elem)
	}
	if it.entry.Status == StatusPending {
		s.usage.pending.Add(-1)
	}
	s.usage.release(1, int64(it.entry.SizeBytes))
	delete(s.items, fp)
}

func (s *shard) fail(it *item, reason string, now time.Time, ttl time.Duration) {
	s.usage.bytes.Add(-int64(len(it.entry.Sample)))
	s.usage.pending.Add(-1)
	it.entry.Status = StatusFailed
	it.entry.FailureReason = reason
	it.entry.Sample = ""
	it.entry.SizeBytes = 0
	it.entry.LastAccessedAt = now
	it.entry.ExpiresAt = now.Add(ttl)
	it.elem = s.lru.PushFront(it.entry.Fingerprint)
}

func (it *item) expired(now time.Time) bool {
	return it.entry.Status != StatusPending && !now.Before(it.entry.ExpiresAt)
}

// minAdviceBytes is the smallest truncated advice worth storing.
const minAdviceBytes = 64

const truncationMarker = "...[TRUNCATED]"

// truncateWithMarker cuts s to at most maxLen bytes, ending with a marker and
// never splitting a UTF-8 sequence.
func truncateWithMarker(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncationMarker) {
		if maxLen < 0 {
			maxLen = 0
		}
		return truncationMarker[:maxLen]
	}
	cut := maxLen - len(truncationMarker)
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker
}
