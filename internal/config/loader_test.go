package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestParseInt(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		n, err := parseInt("42")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 42 {
			t.Fatalf("expected 42, got %d", n)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		if _, err := parseInt("notanint"); err == nil {
			t.Fatalf("expected error for invalid int")
		}
	})
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", "1", "yes", "Yes"} {
		if !parseBool(v) {
			t.Fatalf("expected %q to parse true", v)
		}
	}
	for _, v := range []string{"false", "0", "", "no"} {
		if parseBool(v) {
			t.Fatalf("expected %q to parse false", v)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_ADDR", "ANTHROPIC_BASE_URL", "CREDENTIALS_DIR",
		"BREAKER_FAILURE_THRESHOLD", "RETRY_MAX_ATTEMPTS", "ROUTING_CONFIG_PATH",
	} {
		old := os.Getenv(key)
		_ = os.Unsetenv(key)
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "https://api.anthropic.com", cfg.Upstream.BaseURL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Breaker.VolumeThreshold)
	assert.Equal(t, 100, cfg.Credentials.CacheMaxEntries)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	old := os.Getenv("SERVER_ADDR")
	t.Cleanup(func() { _ = os.Setenv("SERVER_ADDR", old) })
	_ = os.Setenv("SERVER_ADDR", ":9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRoutingOverlay(t *testing.T) {
	content := `personal_fallback_domains:
  - personal
  - sandbox-personal
pools:
  - name: default
    strategy: round-robin
    fallback: cycle
    credentials:
      - cred-a
      - cred-b
`
	path := "routing_overlay_test.yaml"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(path) })

	overlay, err := loadRoutingOverlay(path)
	if err != nil {
		t.Fatalf("loadRoutingOverlay: %v", err)
	}
	if len(overlay.PersonalFallbackDomains) != 2 || overlay.PersonalFallbackDomains[0] != "personal" {
		t.Fatalf("unexpected allowlist: %#v", overlay.PersonalFallbackDomains)
	}
	if len(overlay.Pools) != 1 || overlay.Pools[0].Strategy != "round-robin" {
		t.Fatalf("unexpected pools: %#v", overlay.Pools)
	}
}
