package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/policy"
	"github.com/wolfeidau/aptg/repo"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "https://deb.debian.org/debian", cfg.Upstream.URL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, uint(3), cfg.Upstream.MaxAttempts)
	assert.Equal(t, repo.DefaultTTLPolicy(), cfg.TTLPolicy())
	assert.Equal(t, int64(50<<30), cfg.Reaper.MaxSize)
	assert.True(t, filepath.IsAbs(cfg.Storage.Dir))
	assert.Equal(t, filepath.Join(cfg.Storage.Dir, "meta.db"), cfg.MetadbPath())
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "aptg.toml", `
listen = "127.0.0.1:9999"

[upstream]
url = "https://mirror.example.com/debian"
timeout = "10s"

[storage]
dir = "/var/cache/aptg"

[keyring]
paths = ["/etc/apt/keyrings"]

[ttl]
metadata_short = "1h"
index_medium = 7200

[reaper]
max_size = "10GiB"

[policy.allow]
suites = ["bookworm", "bullseye"]
architectures = ["amd64", "arm64"]

[policy.deny]
architectures = ["i386"]
packages = ["telnet*"]

[policy.limits]
max_package_size = "500MiB"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, "/var/cache/aptg", cfg.Storage.Dir)
	assert.Equal(t, []string{"/etc/apt/keyrings"}, cfg.Keyring.Paths)
	assert.Equal(t, time.Hour, cfg.TTL.MetadataShort)
	assert.Equal(t, 2*time.Hour, cfg.TTL.IndexMedium)
	assert.Equal(t, repo.DefaultImmutableLong, cfg.TTL.ImmutableLong)
	assert.Equal(t, int64(10<<30), cfg.Reaper.MaxSize)
	assert.Equal(t, int64(500<<20), cfg.Policy.Limits.MaxPackageSize)
	assert.Equal(t, []string{"i386"}, cfg.Policy.Deny.Architectures)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	p, err := repo.ParsePath("pool/main/t/telnet/telnet_0.17_amd64.deb")
	require.NoError(t, err)
	assert.False(t, policy.Evaluate(p, settings.Rules).Allowed())
	assert.Equal(t, time.Hour, settings.TTL.MetadataShort)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "aptg.yaml", `
listen: ":8081"
upstream:
  url: https://mirror.example.com/debian
log:
  level: debug
  format: json
audit:
  file: /var/log/aptg/audit.jsonl
  stdout: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/log/aptg/audit.jsonl", cfg.AuditFileConfig().Path)
	assert.True(t, cfg.AuditFileConfig().Chain)
	assert.True(t, cfg.Audit.Stdout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APTG_UPSTREAM_URL", "https://env.example.com/debian")
	t.Setenv("APTG_REAPER_GRACE", "48h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/debian", cfg.Upstream.URL)
	assert.Equal(t, 48*time.Hour, cfg.Reaper.Grace)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad url", "[upstream]\nurl = \"not a url\"\n", "Upstream.URL"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "Log.Level"},
		{"bad duration", "[upstream]\ntimeout = \"soon\"\n", "invalid duration"},
		{"bad size", "[reaper]\nmax_size = \"lots\"\n", "invalid size"},
		{"bad listen", "listen = \"nowhere\"\n", "Listen"},
		{"zero attempts", "[upstream]\nmax_attempts = 0\n", "Upstream.MaxAttempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "aptg.toml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"1KiB", 1024},
		{"1.5MiB", 3 << 19},
		{"2GB", 2_000_000_000},
		{"7B", 7},
		{"500 MiB", 500 << 20},
		{"10gib", 10 << 30},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseSize("-1MiB")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"90s", 90 * time.Second},
		{"1.5h", 90 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"30", 30 * time.Second},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseDuration("1 fortnight")
	require.Error(t, err)
}

func TestLoadLongDurations(t *testing.T) {
	path := writeConfig(t, "aptg.toml", `
[ttl]
immutable_long = "1y"

[reaper]
grace = "7d"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, cfg.TTL.ImmutableLong)
	assert.Equal(t, 7*24*time.Hour, cfg.Reaper.Grace)
}

func TestChanged(t *testing.T) {
	a, err := Load("")
	require.NoError(t, err)
	b, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, a.Changed(b))

	b.Listen = ":9090"
	b.Policy.Deny.Architectures = []string{"i386"}
	b.Keyring.Paths = []string{"/other"}
	assert.Equal(t, []string{"listen", "keyring"}, a.Changed(b))
}

func TestLoadGeoIP(t *testing.T) {
	path := writeConfig(t, "aptg.toml", `
[geoip]
enabled = true
database = "/srv/geo/GeoLite2-City.mmdb"

[geoip.default]
action = "log_only"

[[geoip.rules]]
name = "embargo"
priority = 100
countries = ["KP", "ir"]
action = "deny"

[[geoip.rules]]
name = "near-office"
priority = 10
action = "rate_limit"
requests_per_minute = 600
near = { latitude = -33.87, longitude = 151.21, radius_km = 50 }

[[geoip.rules]]
name = "eu-mirror"
continents = ["EU"]
action = "redirect"
redirect_url = "https://eu.mirror.example/debian/"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.GeoIP.Rules, 3)
	assert.Equal(t, geoip.ActionLogOnly, cfg.GeoIP.Default.Action)
	assert.Equal(t, geoip.ActionRateLimit, cfg.GeoIP.Rules[1].Action)
	assert.Equal(t, 600, cfg.GeoIP.Rules[1].RequestsPerMinute)
	require.NotNil(t, cfg.GeoIP.Rules[1].Near)
	assert.InDelta(t, 50, cfg.GeoIP.Rules[1].Near.RadiusKM, 0.001)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	require.NotNil(t, settings.Geo)
	assert.Equal(t, 3, settings.Geo.Rules())

	d := settings.Geo.Decide(geoip.Location{IP: "192.0.2.1", Country: "IR"}, "dists/bookworm/InRelease", time.Now())
	assert.Equal(t, geoip.ActionDeny, d.Action)
	assert.Equal(t, "embargo", d.Rule)
}

func TestLoadGeoIPDisabledSkipsPolicy(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.GeoIP.Enabled)
	settings, err := cfg.Settings()
	require.NoError(t, err)
	assert.Nil(t, settings.Geo)
}

func TestLoadGeoIPInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown action": `
[geoip]
enabled = true
[[geoip.rules]]
name = "x"
action = "tarpit"
`,
		"redirect without url": `
[geoip]
enabled = true
[[geoip.rules]]
name = "x"
action = "redirect"
`,
		"enabled without database": `
[geoip]
enabled = true
database = ""
`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "aptg.toml", content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}
