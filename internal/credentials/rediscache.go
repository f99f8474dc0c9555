package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"convoy/internal/config"
)

// RedisCache is the shared cache tier the Manager consults before falling
// back to disk, so that independent proxy replicas converge on the same
// credential within CacheTTL instead of each holding an only-local copy.
// Grounded on the teacher's internal/skills/redis_cache.go: same
// redis.UniversalClient construction, nil-receiver-safe methods, and
// best-effort (log, never raise) error handling.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache builds a shared credential cache when cfg.Enabled. Returns
// nil, nil when disabled; a nil *RedisCache is a valid no-op.
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis credential cache ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) key(domain string) string {
	return "convoy:cred:" + domain
}

// Get returns the shared credential for domain, if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, domain string) (Credential, bool) {
	if c == nil || c.client == nil {
		return Credential{}, false
	}
	val, err := c.client.Get(ctx, c.key(domain)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("domain", domain).Msg("redis_credential_cache_get_error")
		}
		return Credential{}, false
	}
	var cred Credential
	if err := json.Unmarshal([]byte(val), &cred); err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("redis_credential_cache_unmarshal_error")
		return Credential{}, false
	}
	return cred, true
}

// Set caches cred for domain with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, domain string, cred Credential) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(domain), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("redis_credential_cache_set_error")
	}
}

// Invalidate removes domain's shared entry, e.g. after a successful OAuth
// refresh so other replicas pick up the new token within the TTL rather
// than serving the stale one for its full remaining lifetime.
func (c *RedisCache) Invalidate(ctx context.Context, domain string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(domain)).Err(); err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("redis_credential_cache_invalidate_error")
	}
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
