// Package respcache implements the role-scoped response cache.
//
// Lookups are keyed on (role, normalised input). A miss on the exact key
// falls back to a similarity scan over the live entries of the same role:
// if a stored input is close enough under normalised edit distance, its
// stored response is returned verbatim. Entries expire a fixed TTL after
// insertion and are immutable once written.
package respcache

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// Lookup classifies the outcome of a Get.
type Lookup int

const (
	// Miss means no usable entry was found.
	Miss Lookup = iota

	// HitExact means the exact (role, normalised input) key matched.
	HitExact

	// HitSimilar means a same-role entry matched above the similarity
	// threshold.
	HitSimilar
)

// String returns the lookup kind as a metric-friendly label.
func (l Lookup) String() string {
	switch l {
	case HitExact:
		return "exact"
	case HitSimilar:
		return "similar"
	default:
		return "miss"
	}
}

// Config tunes the cache. Zero values fall back to the defaults below.
type Config struct {
	// TTL is how long an entry stays usable, counted from insertion only.
	// Hits never extend it. Default 10 minutes.
	TTL time.Duration

	// MaxEntries caps the number of live entries. Default 256.
	MaxEntries int

	// SimilarityThreshold is the minimum normalised similarity score in
	// (0.0, 1.0] for a similarity hit. Default 0.85.
	SimilarityThreshold float64

	// MinInputLength is the minimum normalised input length (in bytes)
	// before the similarity scan is attempted. Short inputs flip meaning on
	// tiny edits ("yes"/"no"), so they only ever match exactly. Default 10.
	MinInputLength int
}

const (
	defaultTTL            = 10 * time.Minute
	defaultMaxEntries     = 256
	defaultSimThreshold   = 0.85
	defaultMinInputLength = 10
)

type entry struct {
	role      string
	input     string // normalised
	value     string
	createdAt time.Time
	hitCount  int
}

// Cache is a bounded TTL response cache with similarity lookup.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time
}

// Option is a functional option for Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New constructs a Cache with the given config.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultSimThreshold
	}
	if cfg.MinInputLength <= 0 {
		cfg.MinInputLength = defaultMinInputLength
	}
	c := &Cache{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Normalize lowercases s and collapses all interior whitespace runs into
// single spaces. Both cache keys and similarity comparisons operate on the
// normalised form.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func key(role, normalized string) string {
	return role + "\x00" + normalized
}

// Get looks up a response for (role, input). The input is normalised before
// matching. An exact hit is preferred; otherwise a similarity scan over the
// live entries of the same role picks the closest match at or above the
// threshold. Either kind of hit increments the entry's hit count.
func (c *Cache) Get(role, input string) (string, Lookup) {
	normalized := Normalize(input)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key(role, normalized)]; ok {
		if c.expired(e, now) {
			delete(c.entries, key(role, normalized))
		} else {
			e.hitCount++
			return e.value, HitExact
		}
	}

	if len(normalized) < c.cfg.MinInputLength {
		return "", Miss
	}

	var best *entry
	var bestScore float64
	for k, e := range c.entries {
		if e.role != role {
			continue
		}
		if c.expired(e, now) {
			delete(c.entries, k)
			continue
		}
		score := similarity(normalized, e.input)
		if score >= c.cfg.SimilarityThreshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return "", Miss
	}
	best.hitCount++
	return best.value, HitSimilar
}

// Set stores a response for (role, input). Existing live entries are
// immutable: a Set on an already-present key is silently ignored. When the
// cache is full, the entry with the lowest (hitCount, createdAt) is evicted
// first.
func (c *Cache) Set(role, input, value string) {
	normalized := Normalize(input)
	now := c.now()
	k := key(role, normalized)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok && !c.expired(e, now) {
		return
	}
	delete(c.entries, k)

	if len(c.entries) >= c.cfg.MaxEntries {
		c.purgeExpired(now)
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		c.evictOne()
	}

	c.entries[k] = &entry{
		role:      role,
		input:     normalized,
		value:     value,
		createdAt: now,
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(now)
	return len(c.entries)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) >= c.cfg.TTL
}

func (c *Cache) purgeExpired(now time.Time) {
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
		}
	}
}

// evictOne removes the entry with the lowest hit count, breaking ties by
// oldest creation time.
func (c *Cache) evictOne() {
	var victimKey string
	var victim *entry
	for k, e := range c.entries {
		if victim == nil ||
			e.hitCount < victim.hitCount ||
			(e.hitCount == victim.hitCount && e.createdAt.Before(victim.createdAt)) {
			victimKey, victim = k, e
		}
	}
	if victim != nil {
		delete(c.entries, victimKey)
	}
}

// similarity scores two normalised strings as 1 - editDistance/maxLen,
// so 1.0 is identical and 0.0 shares nothing.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	dist := matchr.Levenshtein(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}
