package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayGate/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := env.Env
	env.Env = values
	t.Cleanup(func() { env.Env = prev })
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"GATEWAY_BASE_URL": "https://gateway.example.com/api/",
		"GATEWAY_SECRET":   "gw-secret",
		"WEBHOOK_SECRET":   "wh-secret",
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.example.com/api", cfg.Gateway.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
	assert.Equal(t, time.Second, cfg.Gateway.RetryBase)
	assert.Equal(t, 300*time.Second, cfg.Webhook.SignatureTolerance)
	assert.Equal(t, 10*time.Second, cfg.Webhook.ProcessingBudget)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.RetryDelay)
	assert.Equal(t, 100, cfg.RateLimit.Authenticated)
	assert.Equal(t, 60, cfg.RateLimit.Anonymous)
	assert.Equal(t, 0.95, cfg.Health.MinSuccessRate)
	assert.Equal(t, 5000.0, cfg.Health.MaxLatencyMs)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	withEnv(t, map[string]string{
		"GATEWAY_BASE_URL": "https://gateway.example.com",
	})

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_SECRET")
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

func TestKafkaBrokersAreSplit(t *testing.T) {
	withEnv(t, map[string]string{
		"GATEWAY_BASE_URL": "https://gateway.example.com",
		"GATEWAY_SECRET":   "gw",
		"WEBHOOK_SECRET":   "wh",
		"KAFKA_BROKERS":    "kafka-1:9092, kafka-2:9092,,",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}
