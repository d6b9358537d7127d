package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds server settings loaded from environment variables.
type Config struct {
	// LeaseTTL is how long an acquired session lease stays valid
	// without a renewal.
	LeaseTTL time.Duration `env:"GOVERNOR_LEASE_TTL" envDefault:"15s"`
	// RenewalInterval is how often held leases are renewed.
	RenewalInterval time.Duration `env:"GOVERNOR_RENEWAL_INTERVAL" envDefault:"5s"`
	// DisconnectGrace is how long a disconnected participant has to
	// reconnect before the session forfeits them.
	DisconnectGrace time.Duration `env:"GOVERNOR_DISCONNECT_GRACE" envDefault:"60s"`
	// SnapshotInterval is how often live sessions are snapshotted to
	// long-term storage.
	SnapshotInterval time.Duration `env:"GOVERNOR_SNAPSHOT_INTERVAL" envDefault:"30s"`
	// SessionRetention is how long terminal sessions stay resident
	// before they are evicted.
	SessionRetention time.Duration `env:"GOVERNOR_SESSION_RETENTION" envDefault:"5m"`
	// MinParticipants is the number of seats required before a
	// session activates.
	MinParticipants int `env:"GOVERNOR_MIN_PARTICIPANTS" envDefault:"2"`
	// RedisURL selects the redis-backed KV store for leases and
	// write-through state. Empty selects the in-memory store.
	RedisURL string `env:"GOVERNOR_REDIS_URL"`
	// DatabaseURL selects the patch and snapshot repository. Supported
	// schemes are sqlite, postgres, and memory.
	DatabaseURL string `env:"GOVERNOR_DATABASE_URL" envDefault:"sqlite://governor.db"`
	// AdvertiseAddr is the address published with acquired leases so
	// denied clients can be redirected. Empty derives hostname and
	// TCP port.
	AdvertiseAddr string `env:"GOVERNOR_ADVERTISE_ADDR"`
	// AuthProvider selects join token verification. Supported values
	// are noop, static, and firebase.
	AuthProvider string `env:"GOVERNOR_AUTH_PROVIDER" envDefault:"noop"`
	// StaticTokens maps tokens to user IDs for the static provider.
	StaticTokens map[string]string `env:"GOVERNOR_STATIC_TOKENS" envSeparator:"," envKeyValSeparator:":"`
	// FirebaseProjectID is the project ID for the firebase provider.
	FirebaseProjectID string `env:"GOVERNOR_FIREBASE_PROJECT_ID"`
	// FirebaseAPIKey is the web API key for the firebase provider.
	FirebaseAPIKey string `env:"GOVERNOR_FIREBASE_API_KEY"`
}

// LoadFromEnv loads and validates configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have to hold relative to each other.
// The lease TTL must cover at least three renewal intervals so a
// single missed renewal does not lose the lease.
func (c *Config) Validate() error {
	if c.RenewalInterval <= 0 {
		return fmt.Errorf("renewal interval must be positive, got %s", c.RenewalInterval)
	}
	if c.LeaseTTL < 3*c.RenewalInterval {
		return fmt.Errorf("lease ttl %s must be at least 3x the renewal interval %s", c.LeaseTTL, c.RenewalInterval)
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("disconnect grace must be positive, got %s", c.DisconnectGrace)
	}
	if c.MinParticipants < 2 {
		return fmt.Errorf("min participants must be at least 2, got %d", c.MinParticipants)
	}
	return nil
}
