package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"convoy/internal/proxyerr"
)

// ManagerConfig controls cache TTL/size and refresh timing. Zero values
// fall back to spec defaults.
type ManagerConfig struct {
	CacheTTL                time.Duration
	CacheMaxEntries         int
	StuckRefreshReclaim     time.Duration
	FailedRefreshCooldown   time.Duration
	PersonalFallbackDomains []string
	// DefaultAPIKey is the process-wide fallback key tried last for
	// personal-fallback domains.
	DefaultAPIKey string
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 100
	}
	if c.StuckRefreshReclaim == 0 {
		c.StuckRefreshReclaim = 60 * time.Second
	}
	if c.FailedRefreshCooldown == 0 {
		c.FailedRefreshCooldown = 5 * time.Second
	}
	return c
}

// Metrics are the counters spec §4.3 requires be surfaced (§7).
type Metrics struct {
	Attempts        int64
	Successes       int64
	Failures        int64
	ConcurrentWaits int64
	TotalRefreshMs  int64
	InFlight        int64
	Cooldowns       int64
}

type cooldownEntry struct {
	err   error
	until time.Time
}

// Manager resolves, caches, and refreshes per-domain credentials.
type Manager struct {
	store     *Store
	refresher Refresher
	pool      *PoolTracker
	cfg       ManagerConfig

	// Shared is an optional second cache tier consulted on a local miss
	// before falling back to disk, so that independent proxy replicas
	// converge on one credential within CacheTTL. A nil Shared (the
	// default, single-process deployment) is a no-op.
	Shared *RedisCache

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	lruKeys []string // most-recently-loaded last

	sf singleflight.Group

	cooldownMu sync.Mutex
	cooldowns  map[string]cooldownEntry

	metricsMu sync.Mutex
	metrics   Metrics
}

// NewManager constructs a Manager. refresher may be nil if no domain uses
// OAuth credentials.
func NewManager(store *Store, refresher Refresher, cfg ManagerConfig) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		pool:      NewPoolTracker(),
		cfg:       cfg.withDefaults(),
		cache:     make(map[string]*cacheEntry),
		cooldowns: make(map[string]cooldownEntry),
	}
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

// Resolve authenticates domain, returning outbound headers and the opaque
// key to present to the upstream. inboundBearer is the bearer token carried
// on the inbound request, used only as a fallback for personal-fallback
// domains.
func (m *Manager) Resolve(ctx context.Context, domain, inboundBearer string) (Outcome, error) {
	cred, err := m.load(ctx, domain)
	if err != nil {
		if m.isPersonal(domain) {
			return m.personalFallback(inboundBearer)
		}
		return Outcome{}, err
	}

	switch cred.Type {
	case TagAPIKey:
		return outcomeForAPIKey(cred), nil

	case TagOAuth:
		if cred.OAuth == nil {
			return Outcome{}, &proxyerr.ValidationError{Message: "oauth credential missing oauth section"}
		}
		if time.Now().Before(cred.OAuth.ExpiresAtTime()) {
			return outcomeForOAuth(cred, *cred.OAuth), nil
		}
		refreshed, err := m.refresh(ctx, domain, *cred.OAuth)
		if err != nil {
			if m.isPersonal(domain) {
				return m.personalFallback(inboundBearer)
			}
			return Outcome{}, err
		}
		return outcomeForOAuth(cred, refreshed), nil

	case TagPool:
		if cred.Pool == nil {
			return Outcome{}, &proxyerr.ValidationError{Message: "pool credential missing pool section"}
		}
		acctDomain, err := m.pool.Pick(*cred.Pool)
		if err != nil {
			return Outcome{}, err
		}
		return m.Resolve(ctx, acctDomain, inboundBearer)

	default:
		return Outcome{}, &proxyerr.ValidationError{Message: fmt.Sprintf("unknown credential type %q", cred.Type)}
	}
}

// isPersonal reports whether domain enables the personal-fallback routing
// rule (contains "personal", case-insensitively).
func (m *Manager) isPersonal(domain string) bool {
	return strings.Contains(strings.ToLower(domain), "personal")
}

// personalFallback tries the inbound bearer token, then the process-wide
// default key.
func (m *Manager) personalFallback(inboundBearer string) (Outcome, error) {
	if inboundBearer != "" {
		return Outcome{
			Type:            TagAPIKey,
			OutboundHeaders: map[string]string{"Authorization": "Bearer " + inboundBearer},
			OpaqueKey:       inboundBearer,
		}, nil
	}
	if m.cfg.DefaultAPIKey != "" {
		return Outcome{
			Type:            TagAPIKey,
			OutboundHeaders: map[string]string{"x-api-key": m.cfg.DefaultAPIKey},
			OpaqueKey:       m.cfg.DefaultAPIKey,
		}, nil
	}
	return Outcome{}, &proxyerr.AuthenticationError{Message: "no credential available for personal domain"}
}

func outcomeForAPIKey(cred Credential) Outcome {
	key := cred.APIKey
	if key == "" {
		key = cred.ClientAPIKey
	}
	return Outcome{
		Type:            TagAPIKey,
		OutboundHeaders: map[string]string{"x-api-key": key},
		OpaqueKey:       key,
		AccountID:       cred.AccountID,
	}
}

func outcomeForOAuth(cred Credential, oauth OAuthCredential) Outcome {
	return Outcome{
		Type:            TagOAuth,
		OutboundHeaders: map[string]string{"Authorization": "Bearer " + oauth.AccessToken},
		OpaqueKey:       oauth.AccessToken,
		AccountID:       cred.AccountID,
	}
}

// load returns the cached credential for domain if unexpired, otherwise
// consults the shared cache tier, and failing that loads it from disk and
// caches it locally (and in Shared, if configured), evicting the
// least-recently-loaded local entry if the cache is at capacity.
func (m *Manager) load(ctx context.Context, domain string) (Credential, error) {
	m.mu.Lock()
	if entry, ok := m.cache[domain]; ok && time.Since(entry.loadedAt) < m.cfg.CacheTTL {
		m.mu.Unlock()
		return entry.credential, nil
	}
	m.mu.Unlock()

	if cred, ok := m.Shared.Get(ctx, domain); ok {
		m.putLocal(domain, cred)
		return cred, nil
	}

	cred, err := m.store.Load(domain)
	if err != nil {
		return Credential{}, err
	}
	m.put(ctx, domain, cred)
	return cred, nil
}

// put populates both the local cache and, if configured, the shared tier.
func (m *Manager) put(ctx context.Context, domain string, cred Credential) {
	m.putLocal(domain, cred)
	m.Shared.Set(ctx, domain, cred)
}

func (m *Manager) putLocal(domain string, cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[domain]; !exists && len(m.cache) >= m.cfg.CacheMaxEntries {
		m.evictOldestLocked()
	}
	m.cache[domain] = &cacheEntry{credential: cred, loadedAt: time.Now()}
	m.touchLRULocked(domain)
}

func (m *Manager) touchLRULocked(domain string) {
	for i, k := range m.lruKeys {
		if k == domain {
			m.lruKeys = append(m.lruKeys[:i], m.lruKeys[i+1:]...)
			break
		}
	}
	m.lruKeys = append(m.lruKeys, domain)
}

func (m *Manager) evictOldestLocked() {
	if len(m.lruKeys) == 0 {
		return
	}
	oldest := m.lruKeys[0]
	m.lruKeys = m.lruKeys[1:]
	delete(m.cache, oldest)
}

// invalidate removes domain's cached credential from both tiers, forcing
// the next load to hit disk (or another replica's refresh, via Shared).
func (m *Manager) invalidate(ctx context.Context, domain string) {
	m.mu.Lock()
	delete(m.cache, domain)
	for i, k := range m.lruKeys {
		if k == domain {
			m.lruKeys = append(m.lruKeys[:i], m.lruKeys[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.Shared.Invalidate(ctx, domain)
}

// refresh coordinates a single-flight OAuth refresh for domain: concurrent
// callers share one in-flight HTTP round trip, a refresh stuck past
// StuckRefreshReclaim is abandoned so a new caller can retry, and a failed
// refresh is cached for FailedRefreshCooldown so retries don't hammer the
// token endpoint.
func (m *Manager) refresh(ctx context.Context, domain string, current OAuthCredential) (OAuthCredential, error) {
	if cached, ok := m.checkCooldown(domain); ok {
		m.incr(func(met *Metrics) { met.Cooldowns++ })
		return OAuthCredential{}, cached
	}

	m.incr(func(met *Metrics) { met.Attempts++; met.InFlight++ })
	start := time.Now()

	v, err, shared := m.sf.Do(domain, func() (any, error) {
		return m.doRefresh(ctx, domain, current)
	})

	m.incr(func(met *Metrics) {
		met.InFlight--
		met.TotalRefreshMs += time.Since(start).Milliseconds()
		if shared {
			met.ConcurrentWaits++
		}
	})

	if err != nil {
		m.incr(func(met *Metrics) { met.Failures++ })
		m.setCooldown(domain, err)
		return OAuthCredential{}, err
	}
	m.incr(func(met *Metrics) { met.Successes++ })
	return v.(OAuthCredential), nil
}

// doRefresh performs the actual refresh call with a deadline so a stuck
// refresh is reclaimed after StuckRefreshReclaim rather than blocking
// waiters forever.
func (m *Manager) doRefresh(ctx context.Context, domain string, current OAuthCredential) (OAuthCredential, error) {
	if m.refresher == nil {
		return OAuthCredential{}, &proxyerr.AuthenticationError{Message: "no oauth refresher configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StuckRefreshReclaim)
	defer cancel()

	refreshed, err := m.refresher.Refresh(ctx, current)
	if err != nil {
		return OAuthCredential{}, fmt.Errorf("oauth refresh for %s: %w", domain, err)
	}

	m.mu.Lock()
	cred := Credential{Type: TagOAuth, OAuth: &refreshed}
	if entry, ok := m.cache[domain]; ok {
		cred.AccountID = entry.credential.AccountID
	}
	m.mu.Unlock()

	// A successful refresh invalidates the previous cache entry for this
	// path, then caches the refreshed credential so the next read avoids
	// disk entirely.
	m.invalidate(ctx, domain)
	m.put(ctx, domain, cred)
	return refreshed, nil
}

func (m *Manager) checkCooldown(domain string) (error, bool) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	entry, ok := m.cooldowns[domain]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.until) {
		delete(m.cooldowns, domain)
		return nil, false
	}
	return entry.err, true
}

func (m *Manager) setCooldown(domain string, err error) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	m.cooldowns[domain] = cooldownEntry{err: err, until: time.Now().Add(m.cfg.FailedRefreshCooldown)}
}

func (m *Manager) incr(f func(*Metrics)) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	f(&m.metrics)
}
