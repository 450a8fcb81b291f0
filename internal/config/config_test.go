package config

import (
	"os"
	"testing"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_BPS", "750")
	setEnv(t, "WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 750, cfg.FeeBPS)
	assert.Equal(t, "couple_pays", cfg.FeeModality)
	assert.Equal(t, "http", cfg.GatewayProvider)
}

func TestLoad_InvalidFeeBPS(t *testing.T) {
	setEnv(t, "FEE_BPS", "10000")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_BPS")
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
				FeeBPS:          500,
				FeeModality:     "couple_pays",
				GatewayProvider: "http",
			},
			wantErr: "",
		},
		{
			name: "negative fee",
			config: Config{
				FeeBPS:          -1,
				FeeModality:     "couple_pays",
				GatewayProvider: "http",
			},
			wantErr: "FEE_BPS",
		},
		{
			name: "unknown modality",
			config: Config{
				FeeBPS:          500,
				FeeModality:     "platform_pays",
				GatewayProvider: "http",
			},
			wantErr: "FEE_MODALITY",
		},
		{
			name: "stripe without key",
			config: Config{
				FeeBPS:          500,
				FeeModality:     "guest_pays",
				GatewayProvider: "stripe",
			},
			wantErr: "STRIPE_API_KEY is required",
		},
		{
			name: "unknown provider",
			config: Config{
				FeeBPS:          500,
				FeeModality:     "couple_pays",
				GatewayProvider: "paypal",
			},
			wantErr: "GATEWAY_PROVIDER",
		},
		{
			name: "production requires webhook secret",
			config: Config{
				Env:             "production",
				FeeBPS:          500,
				FeeModality:     "couple_pays",
				GatewayProvider: "http",
				GatewayBaseURL:  "https://psp.example.com",
			},
			wantErr: "WEBHOOK_SECRET is required",
		},
		{
			name: "production requires gateway base url",
			config: Config{
				Env:             "production",
				FeeBPS:          500,
				FeeModality:     "couple_pays",
				GatewayProvider: "http",
				WebhookSecret:   "whsec",
			},
			wantErr: "GATEWAY_BASE_URL is required",
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
