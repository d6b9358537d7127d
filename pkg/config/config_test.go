package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5*time.Second, cfg.RenewalInterval)
	assert.Equal(t, 60*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 5*time.Minute, cfg.SessionRetention)
	assert.Equal(t, 2, cfg.MinParticipants)
	assert.Equal(t, "sqlite://governor.db", cfg.DatabaseURL)
	assert.Equal(t, "noop", cfg.AuthProvider)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GOVERNOR_LEASE_TTL", "30s")
	t.Setenv("GOVERNOR_RENEWAL_INTERVAL", "10s")
	t.Setenv("GOVERNOR_DISCONNECT_GRACE", "2m")
	t.Setenv("GOVERNOR_REDIS_URL", "redis://localhost:6379")
	t.Setenv("GOVERNOR_AUTH_PROVIDER", "static")
	t.Setenv("GOVERNOR_STATIC_TOKENS", "alpha:u1,beta:u2")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 10*time.Second, cfg.RenewalInterval)
	assert.Equal(t, 2*time.Minute, cfg.DisconnectGrace)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, map[string]string{"alpha": "u1", "beta": "u2"}, cfg.StaticTokens)
}

func TestLoadFromEnvRejectsShortLease(t *testing.T) {
	t.Setenv("GOVERNOR_LEASE_TTL", "10s")
	t.Setenv("GOVERNOR_RENEWAL_INTERVAL", "5s")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 3x")
}

func TestValidate(t *testing.T) {
	valid := &Config{
		LeaseTTL:        15 * time.Second,
		RenewalInterval: 5 * time.Second,
		DisconnectGrace: time.Minute,
		MinParticipants: 2,
	}
	require.NoError(t, valid.Validate())

	tooFewSeats := *valid
	tooFewSeats.MinParticipants = 1
	require.Error(t, tooFewSeats.Validate())

	noGrace := *valid
	noGrace.DisconnectGrace = 0
	require.Error(t, noGrace.Validate())

	zeroRenewal := *valid
	zeroRenewal.RenewalInterval = 0
	require.Error(t, zeroRenewal.Validate())
}
