package cookies

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/origin"
)

const (
	// DefaultTTL bounds how long a harvested session is replayed.
	DefaultTTL = 30 * time.Minute
	// DefaultSize bounds the number of cached origins.
	DefaultSize = 1024
)

// Session is the cookie set obtained for one origin.
type Session struct {
	Origin     origin.Origin
	Cookies    []Cookie
	ObtainedAt time.Time
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Cookies = append([]Cookie(nil), s.Cookies...)
	return &cp
}

// For returns the unexpired cookies that apply to host.
func (s *Session) For(host string, now time.Time) []Cookie {
	if s == nil {
		return nil
	}
	out := make([]Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Expired(now) || !c.MatchesHost(host) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Config configures a Cache.
type Config struct {
	TTL     time.Duration
	Size    int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Cache maps origins to sessions. Reads return copies; writes to the same
// origin are serialized.
type Cache struct {
	lru     *expirable.LRU[origin.Origin, *Session]
	ttl     time.Duration
	mu      sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	c.lru = expirable.NewLRU[origin.Origin, *Session](cfg.Size, c.onEvict, cfg.TTL)
	return c
}

// onEvict runs for expiry, capacity eviction and Remove. It is called under
// the LRU's lock, so the size is reported once the lock is released.
func (c *Cache) onEvict(o origin.Origin, s *Session) {
	c.logger.Debug("cookie session removed",
		"origin", o.String(),
		"cookies", len(s.Cookies),
		"age", time.Since(s.ObtainedAt).Round(time.Second),
	)
	c.metrics.IncCache("removed")
	if c.metrics != nil {
		go func() { c.metrics.SetCacheSize(c.lru.Len()) }()
	}
}

// stale reports whether s has outlived the TTL measured from ObtainedAt.
// Merge re-adds entries, which restarts the LRU's own expiry clock.
func (c *Cache) stale(s *Session) bool {
	return !c.now().Before(s.ObtainedAt.Add(c.ttl))
}

// Get returns a copy of the session for o.
func (c *Cache) Get(o origin.Origin) (*Session, bool) {
	s, ok := c.lru.Get(o)
	if ok && c.stale(s) {
		c.InvalidateSession(s)
		ok = false
	}
	if !ok {
		c.metrics.IncCache("miss")
		return nil, false
	}
	c.metrics.IncCache("hit")
	return s.clone(), true
}

// Put replaces the session for o.
func (c *Cache) Put(o origin.Origin, cookies []Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := &Session{Origin: o, ObtainedAt: now}
	for _, ck := range cookies {
		if ck.Expired(now) {
			continue
		}
		s.Cookies = append(s.Cookies, ck)
	}
	c.lru.Add(o, s)
	c.metrics.IncCache("put")
	c.metrics.SetCacheSize(c.lru.Len())

	c.logger.Debug("cookie session stored", "origin", o.String(), "cookies", len(s.Cookies))
}

// Invalidate drops the session for o. It reports whether one existed.
func (c *Cache) Invalidate(o origin.Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.lru.Remove(o)
	if ok {
		c.metrics.IncCache("invalidate")
		c.metrics.SetCacheSize(c.lru.Len())
		c.logger.Info("cookie session invalidated", "origin", o.String())
	}
	return ok
}

// InvalidateSession drops the session for s.Origin only if it is still the
// one s was copied from, so a session stored by a concurrent resolution
// survives a stale invalidation.
func (c *Cache) InvalidateSession(s *Session) bool {
	if s == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.lru.Peek(s.Origin)
	if !ok || !cur.ObtainedAt.Equal(s.ObtainedAt) {
		return false
	}
	c.lru.Remove(s.Origin)
	c.metrics.IncCache("invalidate")
	c.metrics.SetCacheSize(c.lru.Len())
	c.logger.Info("cookie session invalidated", "origin", s.Origin.String())
	return true
}

// Merge folds updates into the existing session for o, keyed by
// name+domain+path. Expired updates delete the cookie. Without an existing
// session Merge does nothing and returns false; sessions are only created by
// a browser resolution.
func (c *Cache) Merge(o origin.Origin, updates []Cookie) bool {
	if len(updates) == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.lru.Peek(o)
	if !ok {
		return false
	}
	if c.stale(cur) {
		c.lru.Remove(o)
		c.metrics.SetCacheSize(c.lru.Len())
		return false
	}

	now := c.now()
	next := cur.clone()
	index := make(map[cookieKey]int, len(next.Cookies))
	for i, ck := range next.Cookies {
		index[ck.key()] = i
	}

	removed := make(map[int]bool)
	for _, u := range updates {
		i, exists := index[u.key()]
		switch {
		case u.Expired(now) && exists:
			removed[i] = true
		case u.Expired(now):
		case exists:
			next.Cookies[i] = u
			delete(removed, i)
		default:
			index[u.key()] = len(next.Cookies)
			next.Cookies = append(next.Cookies, u)
		}
	}

	if len(removed) > 0 {
		kept := next.Cookies[:0]
		for i, ck := range next.Cookies {
			if !removed[i] {
				kept = append(kept, ck)
			}
		}
		next.Cookies = kept
	}

	// ObtainedAt is kept, so the session still expires on schedule.
	c.lru.Add(o, next)
	return true
}

// Len returns the number of cached origins.
func (c *Cache) Len() int {
	return c.lru.Len()
}
