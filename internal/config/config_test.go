package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Dedup.Backend)
	assert.Equal(t, uint32(1), cfg.Vault.PartitionID)
	assert.Equal(t, 2000, cfg.Partition.FractionBps)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "dev")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileOverrides(t *testing.T) {
	raw := `
environment: production
server:
  port: 9000
  read_timeout: 5s
database:
  driver: sqlite
  dsn: "file::memory:?cache=shared"
auth:
  jwt_secret: prod-secret
vault:
  partition_id: 7
  holding_period: 30m
risk:
  alert_threshold: 6000
  trip_threshold: 8500
partition:
  fraction_bps: 1500
  window_duration: 1h
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, uint32(7), cfg.Vault.PartitionID)
	assert.Equal(t, 30*time.Minute, cfg.Vault.HoldingPeriod)
	assert.Equal(t, 6000, cfg.Risk.AlertThreshold)
	assert.Equal(t, 8500, cfg.Risk.TripThreshold)
	assert.Equal(t, 1500, cfg.Partition.FractionBps)
	assert.Equal(t, time.Hour, cfg.Partition.WindowDuration)

	// Keys the file doesn't set keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 24*time.Hour, cfg.Vault.BreakerMaxDuration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9102")
	t.Setenv("DATABASE_DSN", "postgres://risk-e2e")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SCORER_IDS", "0x5c0,0x5c1")
	t.Setenv("PARTITION_ID", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9102, cfg.Server.Port)
	assert.Equal(t, "postgres://risk-e2e", cfg.Database.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"0x5c0", "0x5c1"}, cfg.Auth.Scorers)
	assert.Equal(t, uint32(9), cfg.Vault.PartitionID)
}

func TestValidateRejections(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Risk.AlertThreshold = 9500
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Identity.Mode = "http"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dedup.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Auth.JWTSecret = ""
	assert.Error(t, cfg.Validate())
}
