package pipeline

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/repo"
)

func serveFrom(t *testing.T, env *testEnv, clientIP, path string) error {
	t.Helper()
	resp, err := env.orch.Serve(context.Background(), Request{
		Path:      path,
		Method:    http.MethodGet,
		RequestID: "req-geo",
		ClientIP:  clientIP,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	return resp.Body.Close()
}

func TestServeGeoPolicy(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)

	geo, err := geoip.Compile(geoip.Config{
		Enabled: true,
		Rules: []geoip.RuleConfig{
			{Name: "block", Countries: []string{"KP"}, ActionConfig: geoip.ActionConfig{Action: geoip.ActionDeny}},
			{Name: "slow", Countries: []string{"DE"}, ActionConfig: geoip.ActionConfig{Action: geoip.ActionRateLimit, RequestsPerMinute: 1}},
			{Name: "fr-mirror", Countries: []string{"FR"}, ActionConfig: geoip.ActionConfig{Action: geoip.ActionRedirect, RedirectURL: "https://fr.mirror.example/debian/"}},
			{Name: "watch", Countries: []string{"AU"}, ActionConfig: geoip.ActionConfig{Action: geoip.ActionLogOnly}},
		},
	})
	require.NoError(t, err)

	env := newTestEnv(t, srv,
		withEnvSettings(Settings{Geo: geo, TTL: repo.DefaultTTLPolicy()}),
		withLocator(staticLocator{
			"192.0.2.1": {Country: "KP", Continent: "AS"},
			"192.0.2.2": {Country: "DE", Continent: "EU"},
			"192.0.2.3": {Country: "FR", Continent: "EU"},
			"192.0.2.4": {Country: "AU", Continent: "OC"},
		}))

	t.Run("deny", func(t *testing.T) {
		err := serveFrom(t, env, "192.0.2.1", packagesPath)
		var blocked *GeoBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, OutcomeGeoDenied, Classify(err))
		assert.Zero(t, up.TotalHits())

		ev := env.lastEvent(t)
		assert.Equal(t, string(OutcomeGeoDenied), ev.Outcome)
		assert.Equal(t, "geo deny (block) KP", ev.Policy)
		assert.Equal(t, "192.0.2.1", ev.ClientIP)
	})

	t.Run("redirect", func(t *testing.T) {
		err := serveFrom(t, env, "192.0.2.3", packagesPath)
		var blocked *GeoBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, OutcomeRedirected, Classify(err))
		assert.Equal(t, "https://fr.mirror.example/debian/"+packagesPath, blocked.Decision.RedirectURL)
	})

	t.Run("unknown client gets the default", func(t *testing.T) {
		require.NoError(t, serveFrom(t, env, "198.51.100.1", packagesPath))
		assert.Equal(t, "geo allow (default) unknown; allow", env.lastEvent(t).Policy)

		require.NoError(t, serveFrom(t, env, "not-an-ip", packagesPath))
		assert.Equal(t, string(OutcomeServed), env.lastEvent(t).Outcome)
	})

	t.Run("log only serves", func(t *testing.T) {
		require.NoError(t, serveFrom(t, env, "192.0.2.4", packagesPath))
		assert.Equal(t, "geo log_only (watch) AU; allow", env.lastEvent(t).Policy)
	})

	t.Run("rate limit", func(t *testing.T) {
		require.NoError(t, serveFrom(t, env, "192.0.2.2", packagesPath))
		assert.Equal(t, "geo rate_limit 1/min (slow) DE; allow", env.lastEvent(t).Policy)

		err := serveFrom(t, env, "192.0.2.2", packagesPath)
		var blocked *GeoBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, OutcomeRateLimited, Classify(err))
		assert.Positive(t, blocked.Decision.RetryAfter)

		// The budget refills with time.
		env.clock.Advance(61 * time.Second)
		require.NoError(t, serveFrom(t, env, "192.0.2.2", packagesPath))
	})
}

func TestServeGeoSkippedWithoutLocator(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)

	geo, err := geoip.Compile(geoip.Config{Default: geoip.ActionConfig{Action: geoip.ActionDeny}})
	require.NoError(t, err)
	env := newTestEnv(t, srv, withEnvSettings(Settings{Geo: geo, TTL: repo.DefaultTTLPolicy()}))

	require.NoError(t, serveFrom(t, env, "192.0.2.1", packagesPath))
	assert.Equal(t, "allow", env.lastEvent(t).Policy)
}
