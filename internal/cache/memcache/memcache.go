// Package memcache implements the in-process tier of the feature cache: a
// capacity-bounded key/value store with lazy TTL expiry, frequency-weighted
// eviction and optional speculative prefetch of adjacent keys.
package memcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	data        V
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	size        int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	ItemCount  int     `json:"itemCount"`
	TotalBytes int64   `json:"totalBytes"`
	HitRate    float64 `json:"hitRate"`
}

// Prefetch wires the optional predictive-prefetch behavior. Neighbors
// synthesizes candidate keys adjacent to a key that just hit; Load performs
// the background fetch and is expected to Set the result itself. Load
// failures are the loader's problem: the cache only guarantees that at most
// one prefetch per key is in flight.
type Prefetch struct {
	Neighbors func(key string) []string
	Load      func(key string)
}

type Config struct {
	MaxItems int
	MaxBytes int64
	TTL      time.Duration

	// JanitorInterval bounds worst-case memory between accesses; lazy TTL
	// on Get keeps correctness without it.
	JanitorInterval time.Duration

	Prefetch *Prefetch

	// Clock is injectable for tests.
	Clock func() time.Time
}

type Cache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry[V]

	hits       int64
	misses     int64
	evictions  int64
	totalBytes int64

	prefetching map[string]struct{}

	janitorStop chan struct{}
	janitorDone chan struct{}
}

const (
	DefaultMaxItems = 256
	DefaultMaxBytes = 64 << 20
	DefaultTTL      = 5 * time.Minute
)

func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache[V]{
		cfg:         cfg,
		entries:     make(map[string]*entry[V]),
		prefetching: make(map[string]struct{}),
	}
}

// Get returns the cached value for key. An entry past its TTL is removed on
// the spot and counted as both an eviction and a miss. A hit may schedule
// prefetch of neighboring keys.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	now := c.cfg.Clock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	if now.Sub(e.createdAt) > c.cfg.TTL {
		c.removeLocked(key, e)
		c.evictions++
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	e.lastAccess = now
	e.accessCount++
	c.hits++
	data := e.data
	c.mu.Unlock()

	c.maybePrefetch(key)
	return data, true
}

// Set inserts or replaces the value for key. sizeBytes is the caller's
// estimate of the payload size; space is made before insertion so that both
// the byte and item budgets hold afterwards. A payload larger than the whole
// byte budget is refused outright: no amount of eviction can make it fit,
// and admitting it would leave totalBytes above MaxBytes.
func (c *Cache[V]) Set(key string, value V, sizeBytes int64) {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	if sizeBytes > c.cfg.MaxBytes {
		return
	}
	c.ensureSpaceLocked(sizeBytes)

	now := c.cfg.Clock()
	c.entries[key] = &entry[V]{
		data:       value,
		createdAt:  now,
		lastAccess: now,
		size:       sizeBytes,
	}
	c.totalBytes += sizeBytes
}

// Contains reports presence without touching access stats or TTL.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// DeleteFunc removes every entry whose key matches the predicate and
// returns how many were removed.
func (c *Cache[V]) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if match(k) {
			c.removeLocked(k, e)
			n++
		}
	}
	return n
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.totalBytes = 0
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		ItemCount:  len(c.entries),
		TotalBytes: c.totalBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// StartJanitor launches the periodic sweep that reclaims expired entries.
// It is idempotent; StopJanitor releases the goroutine.
func (c *Cache[V]) StartJanitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.janitorStop != nil {
		return
	}
	interval := c.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	c.janitorStop = make(chan struct{})
	c.janitorDone = make(chan struct{})
	go c.janitor(interval, c.janitorStop, c.janitorDone)
}

func (c *Cache[V]) StopJanitor() {
	c.mu.Lock()
	stop, done := c.janitorStop, c.janitorDone
	c.janitorStop, c.janitorDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *Cache[V]) janitor(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			c.removeLocked(k, e)
			c.evictions++
		}
	}
}

// ensureSpaceLocked evicts lowest-priority entries until an insert of
// newSize fits both budgets.
func (c *Cache[V]) ensureSpaceLocked(newSize int64) {
	for len(c.entries) > 0 &&
		(len(c.entries)+1 > c.cfg.MaxItems || c.totalBytes+newSize > c.cfg.MaxBytes) {
		victim := c.lowestPriorityLocked()
		if victim == "" {
			return
		}
		c.removeLocked(victim, c.entries[victim])
		c.evictions++
	}
}

// Priority favors frequently and recently used entries. The weighting makes
// this a frequency-weighted LRU: a hot old entry outranks a cold one that
// was just inserted.
func (c *Cache[V]) lowestPriorityLocked() string {
	now := c.cfg.Clock()
	var (
		worstKey   string
		worstScore float64
		first      = true
	)
	for k, e := range c.entries {
		ageMin := now.Sub(e.createdAt).Minutes()
		if ageMin < 1 {
			ageMin = 1
		}
		lastMin := now.Sub(e.lastAccess).Minutes()
		if lastMin < 1 {
			lastMin = 1
		}
		freq := float64(e.accessCount) / ageMin
		recency := 1 / lastMin
		score := 0.7*freq + 0.3*recency
		if first || score < worstScore {
			worstKey, worstScore = k, score
			first = false
		}
	}
	return worstKey
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	c.totalBytes -= e.size
	delete(c.entries, key)
}

func (c *Cache[V]) maybePrefetch(hitKey string) {
	p := c.cfg.Prefetch
	if p == nil || p.Neighbors == nil || p.Load == nil {
		return
	}
	neighbors := p.Neighbors(hitKey)
	if len(neighbors) == 0 {
		return
	}

	c.mu.Lock()
	var scheduled []string
	for _, nk := range neighbors {
		if nk == "" || nk == hitKey {
			continue
		}
		if _, cached := c.entries[nk]; cached {
			continue
		}
		if _, busy := c.prefetching[nk]; busy {
			continue
		}
		c.prefetching[nk] = struct{}{}
		scheduled = append(scheduled, nk)
	}
	c.mu.Unlock()

	for _, nk := range scheduled {
		go func(key string) {
			defer func() {
				c.mu.Lock()
				delete(c.prefetching, key)
				c.mu.Unlock()
			}()
			p.Load(key)
		}(nk)
	}
}
