package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.BatchSize)
	assert.Equal(t, 1000, cfg.Pipeline.SectionLength)
	assert.Equal(t, "set", cfg.Pipeline.CompletionMode)
	assert.Equal(t, 360, cfg.Pipeline.MaxPollAttempts)
	assert.Equal(t, "dead-letter", cfg.Kafka.Topics.DeadLetter)
	assert.False(t, cfg.Postgres.Enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  batchSize: 4
  completionMode: listing
  pollInterval: 2s
kafka:
  brokers: [broker-1:9092]
`)
	t.Setenv("EP_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("EP_POSTGRES_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.BatchSize)
	assert.Equal(t, "listing", cfg.Pipeline.CompletionMode)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.PollInterval)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, 100, cfg.Pipeline.SectionOverlap, "unset fields keep their defaults")
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero batch size", "pipeline:\n  batchSize: 0\n"},
		{"overlap not below section length", "pipeline:\n  sectionLength: 100\n  sectionOverlap: 100\n"},
		{"unknown completion mode", "pipeline:\n  completionMode: guess\n"},
		{"no poll budget", "pipeline:\n  maxPollAttempts: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", p.DSN())
}
