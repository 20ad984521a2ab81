package resthttp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EvictionPolicy selects how the pool bounds its handle cache.
type EvictionPolicy string

const (
	// EvictNever keeps every handle for the life of the pool. Lookups are
	// lock-free; use it when the set of destinations is small and bounded.
	EvictNever EvictionPolicy = "never"
	// EvictStale drops handles that were not fetched for StaleAfter and keeps
	// at most MaxHandles, at the cost of a pool-wide lock on every fetch.
	EvictStale EvictionPolicy = "stale"
)

// PoolConfig is fixed when the pool is created.
type PoolConfig struct {
	Plain      TransportConfig `mapstructure:"plain"`
	Proxied    TransportConfig `mapstructure:"proxied"`
	Eviction   EvictionPolicy  `mapstructure:"eviction"`
	StaleAfter time.Duration   `mapstructure:"stale_after"` // EvictStale only, default 10m
	MaxHandles int             `mapstructure:"max_handles"` // EvictStale only, default 100
}

func (c *PoolConfig) setDefaults() {
	c.Plain.setDefaults()
	c.Proxied.setDefaults()
	if c.Eviction == "" {
		c.Eviction = EvictNever
	}
	if c.Eviction == EvictStale {
		if c.StaleAfter == 0 {
			c.StaleAfter = 10 * time.Minute
		}
		if c.MaxHandles == 0 {
			c.MaxHandles = 100
		}
	}
}

func (c *PoolConfig) validate() error {
	switch c.Eviction {
	case EvictNever, EvictStale:
	default:
		return fmt.Errorf("unknown eviction policy %q", c.Eviction)
	}
	if c.StaleAfter < 0 || c.MaxHandles < 0 {
		return fmt.Errorf("stale_after and max_handles must not be negative")
	}
	if err := c.Plain.validate(); err != nil {
		return fmt.Errorf("plain: %w", err)
	}
	if err := c.Proxied.validate(); err != nil {
		return fmt.Errorf("proxied: %w", err)
	}
	return nil
}

// Handle is a long-lived, reusable HTTP client bound to one pool key.
type Handle struct {
	key     string
	display string
	proxy   *url.URL
	client  *http.Client
	rt      *lifetimeTransport
}

// Key returns the pool key, which for proxied handles includes credentials.
func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) String() string {
	return h.display
}

// Proxied reports whether requests through this handle go via a proxy.
func (h *Handle) Proxied() bool {
	return h.proxy != nil
}

// Proxy returns a copy of the proxy address, or nil for plain handles.
func (h *Handle) Proxy() *url.URL {
	if h.proxy == nil {
		return nil
	}
	u := *h.proxy
	return &u
}

// Client exposes the underlying client for callers that want to send raw
// http.Requests through the pooled connections.
func (h *Handle) Client() *http.Client {
	return h.client
}

func (h *Handle) close() {
	h.rt.CloseIdleConnections()
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Handles int
	Created int64
	Evicted int64
}

// Pool creates and caches Handles keyed by destination host (plain) or by
// the full proxy address (proxied).
type Pool struct {
	cfg PoolConfig

	// EvictNever
	handles sync.Map // map[string]*poolEntry

	// EvictStale
	mu      sync.Mutex
	entries map[string]*staleEntry

	created atomic.Int64
	evicted atomic.Int64
}

type poolEntry struct {
	once sync.Once
	h    atomic.Pointer[Handle]
}

type staleEntry struct {
	h         *Handle
	lastFetch time.Time // carries a monotonic reading
}

// NewPool validates cfg and returns an empty pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	p := &Pool{cfg: cfg}
	if cfg.Eviction == EvictStale {
		p.entries = make(map[string]*staleEntry)
	}
	return p, nil
}

// Config returns the effective configuration, defaults included.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Get returns the handle for plain requests to destination, which is an
// absolute URL or a bare host[:port].
func (p *Pool) Get(destination string) (*Handle, error) {
	key, err := hostKey(destination)
	if err != nil {
		return nil, &PoolConfigError{Op: "get", Input: destination, Err: err}
	}
	return p.fetch(key, nil), nil
}

// GetProxied returns the handle for requests to destination through proxy.
// Two different credential sets for the same proxy host yield two handles.
func (p *Pool) GetProxied(destination, proxy string) (*Handle, error) {
	if _, err := hostKey(destination); err != nil {
		return nil, &PoolConfigError{Op: "get proxied", Input: destination, Err: err}
	}
	pu, err := parseProxy(proxy)
	if err != nil {
		return nil, &PoolConfigError{Op: "get proxied", Input: redactProxy(proxy), Err: err}
	}
	return p.fetch(pu.String(), pu), nil
}

func (p *Pool) fetch(key string, proxy *url.URL) *Handle {
	if p.entries != nil {
		return p.fetchStale(key, proxy)
	}

	v, ok := p.handles.Load(key)
	if !ok {
		v, _ = p.handles.LoadOrStore(key, &poolEntry{})
	}
	e := v.(*poolEntry)
	e.once.Do(func() {
		e.h.Store(p.newHandle(key, proxy))
	})
	return e.h.Load()
}

func (p *Pool) fetchStale(key string, proxy *url.URL) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	e, ok := p.entries[key]
	if !ok {
		e = &staleEntry{h: p.newHandle(key, proxy)}
		p.entries[key] = e
	}
	e.lastFetch = now

	for k, other := range p.entries {
		if now.Sub(other.lastFetch) > p.cfg.StaleAfter {
			p.evictLocked(k, other, "stale")
		}
	}

	if over := len(p.entries) - p.cfg.MaxHandles; over > 0 {
		lru := make([]string, 0, len(p.entries))
		for k := range p.entries {
			lru = append(lru, k)
		}
		slices.SortFunc(lru, func(a, b string) int {
			return p.entries[a].lastFetch.Compare(p.entries[b].lastFetch)
		})
		for _, k := range lru[:over] {
			p.evictLocked(k, p.entries[k], "capacity")
		}
	}
	return e.h
}

func (p *Pool) evictLocked(key string, e *staleEntry, reason string) {
	delete(p.entries, key)
	e.h.close()
	p.evicted.Add(1)
	if Debug {
		slog.Debug(fmt.Sprintf("[resthttp] evicted handle %s (%s)", e.h, reason), "event", "resthttp:pool_evict", "resthttp:reason", reason)
	}
}

func (p *Pool) newHandle(key string, proxy *url.URL) *Handle {
	cfg := &p.cfg.Plain
	display := key
	if proxy != nil {
		cfg = &p.cfg.Proxied
		display = "via " + proxy.Redacted()
	}

	rt := newLifetimeTransport(cfg.ConnectionLifetime, func() *http.Transport {
		return cfg.newTransport(proxy)
	})
	var transport http.RoundTripper = rt
	if !cfg.DisableDecompression {
		transport = &decompressTransport{next: rt, methods: cfg.Decompression}
	}

	h := &Handle{
		key:     key,
		display: display,
		proxy:   proxy,
		rt:      rt,
		client: &http.Client{
			Transport:     transport,
			CheckRedirect: cfg.checkRedirect(),
		},
	}
	p.created.Add(1)
	if Debug {
		slog.Debug(fmt.Sprintf("[resthttp] created handle %s", display), "event", "resthttp:pool_create", "resthttp:proxied", proxy != nil)
	}
	return h
}

// Len returns the number of cached handles.
func (p *Pool) Len() int {
	if p.entries != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.entries)
	}
	n := 0
	p.handles.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a snapshot of handle counts.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Handles: p.Len(),
		Created: p.created.Load(),
		Evicted: p.evicted.Load(),
	}
}

// Close disposes every cached handle. The pool stays usable and will create
// new handles on demand.
func (p *Pool) Close() {
	if p.entries != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		for k, e := range p.entries {
			delete(p.entries, k)
			e.h.close()
		}
		return
	}
	p.handles.Range(func(k, v any) bool {
		p.handles.Delete(k)
		if h := v.(*poolEntry).h.Load(); h != nil {
			h.close()
		}
		return true
	})
}

// hostKey returns the lowercased host[:port] of destination.
func hostKey(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", ErrEmptyDestination
	}
	if !strings.Contains(destination, "://") {
		destination = "//" + destination
	}
	u, err := url.Parse(destination)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrInvalidDestination
	}
	return strings.ToLower(u.Host), nil
}

func parseProxy(proxy string) (*url.URL, error) {
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return nil, ErrInvalidProxy
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProxy, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, ErrInvalidProxy
	}
	if u.Host == "" {
		return nil, ErrInvalidProxy
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

// redactProxy hides a password for error messages, even on unparsable input.
func redactProxy(proxy string) string {
	if u, err := url.Parse(proxy); err == nil {
		return u.Redacted()
	}
	if i := strings.LastIndex(proxy, "@"); i >= 0 {
		return "xxxxx" + proxy[i:]
	}
	return proxy
}
