// Package credentials resolves per-domain credentials from JSON files on
// disk, caches them with a TTL, and coordinates OAuth token refresh so a
// thundering herd of concurrent requests for the same domain triggers at
// most one refresh.
package credentials

import "time"

// Tag discriminates a Credential's shape.
type Tag string

const (
	TagAPIKey Tag = "api_key"
	TagOAuth  Tag = "oauth"
	TagPool   Tag = "pool"
)

// OAuthCredential holds an access/refresh token pair. ExpiresAt is
// milliseconds since epoch, matching the on-disk JSON shape.
type OAuthCredential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ExpiresAtTime converts ExpiresAt to a time.Time.
func (o OAuthCredential) ExpiresAtTime() time.Time {
	return time.UnixMilli(o.ExpiresAt)
}

// PoolStrategy selects which pool member answers a resolution.
type PoolStrategy string

const (
	StrategySticky     PoolStrategy = "sticky"
	StrategyLeastUsed  PoolStrategy = "least-used"
	StrategyRoundRobin PoolStrategy = "round-robin"
)

// PoolFallback controls behavior when every pool member is unusable.
type PoolFallback string

const (
	FallbackError PoolFallback = "error"
	FallbackCycle PoolFallback = "cycle"
)

// PoolCredential names a set of account ids sharing a resolution strategy.
type PoolCredential struct {
	PoolID     string       `json:"pool_id"`
	AccountIDs []string     `json:"account_ids"`
	Strategy   PoolStrategy `json:"strategy"`
	Fallback   PoolFallback `json:"fallback"`
}

// Credential is the on-disk JSON credential file shape for one domain.
type Credential struct {
	Type          Tag              `json:"type"`
	APIKey        string           `json:"api_key,omitempty"`
	OAuth         *OAuthCredential `json:"oauth,omitempty"`
	Pool          *PoolCredential  `json:"pool,omitempty"`
	AccountID     string           `json:"accountId,omitempty"`
	ClientAPIKey  string           `json:"client_api_key,omitempty"`
	Slack         *SlackCredential `json:"slack,omitempty"`
}

// SlackCredential carries an optional Slack webhook/token pair surfaced
// alongside a domain's API credential, used by the notification dispatcher.
type SlackCredential struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty"`
}

// Outcome is the resolved authentication result handed to the upstream
// client.
type Outcome struct {
	Type            Tag
	OutboundHeaders map[string]string
	OpaqueKey       string
	AccountID       string
	BetaHeader      string
}

// cacheEntry is a cached credential plus its load timestamp, used for both
// TTL expiry and LRU eviction ordering.
type cacheEntry struct {
	credential Credential
	loadedAt   time.Time
}
