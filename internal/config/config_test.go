package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithDefaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.Equal(t, DefaultQueueMaxRedeliveries, cfg.QueueMaxRedeliveries)
	assert.Equal(t, DefaultFanoutWorkerCap, cfg.FanoutWorkerCap)
	assert.Equal(t, DefaultDLQRetention, cfg.DLQRetention)
}

func TestLoad_BearerTokensAndAllowedHosts(t *testing.T) {
	setEnv(t, "BEARER_TOKENS", "tok_a, tok_b,tok_c")
	setEnv(t, "ALLOWED_WEBHOOK_HOSTS", "hooks.example.com, other.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"tok_a", "tok_b", "tok_c"}, cfg.BearerTokens)
	assert.Equal(t, []string{"hooks.example.com", "other.example.com"}, cfg.AllowedWebhookHosts)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Port:                   "8080",
				RateLimitRPM:           100,
				DBStatementTimeout:     30000,
				QueueMaxRedeliveries:   5,
				FanoutWorkerCap:        50,
				HTTPWriteTimeout:       30 * time.Second,
				RequestTimeout:         10 * time.Second,
			},
			wantErr: "",
		},
		{
			name: "invalid port",
			config: Config{
				Port:                 "not-a-port",
				RateLimitRPM:         1,
				DBStatementTimeout:   1000,
				QueueMaxRedeliveries: 1,
				FanoutWorkerCap:      1,
			},
			wantErr: "PORT must be a number",
		},
		{
			name: "rate limit too low",
			config: Config{
				Port:                 "8080",
				RateLimitRPM:         0,
				DBStatementTimeout:   1000,
				QueueMaxRedeliveries: 1,
				FanoutWorkerCap:      1,
			},
			wantErr: "RATE_LIMIT_RPM must be at least 1",
		},
		{
			name: "statement timeout too low",
			config: Config{
				Port:                 "8080",
				RateLimitRPM:         1,
				DBStatementTimeout:   500,
				QueueMaxRedeliveries: 1,
				FanoutWorkerCap:      1,
			},
			wantErr: "POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms",
		},
		{
			name: "write timeout below request timeout",
			config: Config{
				Port:                 "8080",
				RateLimitRPM:         1,
				DBStatementTimeout:   1000,
				QueueMaxRedeliveries: 1,
				FanoutWorkerCap:      1,
				HTTPWriteTimeout:     1 * time.Second,
				RequestTimeout:       5 * time.Second,
			},
			wantErr: "HTTP_WRITE_TIMEOUT",
		},
		{
			name: "zero redeliveries",
			config: Config{
				Port:                 "8080",
				RateLimitRPM:         1,
				DBStatementTimeout:   1000,
				QueueMaxRedeliveries: 0,
				FanoutWorkerCap:      1,
			},
			wantErr: "QUEUE_MAX_REDELIVERIES must be at least 1",
		},
		{
			name: "zero worker cap",
			config: Config{
				Port:                 "8080",
				RateLimitRPM:         1,
				DBStatementTimeout:   1000,
				QueueMaxRedeliveries: 1,
				FanoutWorkerCap:      0,
			},
			wantErr: "FANOUT_WORKER_CAP must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "a, b ,c")

	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_LIST_VAR"))
}
