package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("GATEWAY_KEY_ID", "rzp_test_key")
	t.Setenv("GATEWAY_KEY_SECRET", "rzp_test_secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.MaxPaymentRetries)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "INR", cfg.Gateway.Currency)
	assert.Equal(t, 3.0, cfg.Fees.FreeRadiusKm)
	assert.Equal(t, 15.0, cfg.Fees.MaxRadiusKm)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("MAX_PAYMENT_RETRIES", "5")
	t.Setenv("GATEWAY_TIMEOUT_MS", "1500")
	t.Setenv("FREE_RADIUS_KM", "2.5")
	t.Setenv("PER_KM_FEE", "1200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.MaxPaymentRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Gateway.Timeout)
	assert.Equal(t, 2.5, cfg.Fees.FreeRadiusKm)
	assert.Equal(t, int64(1200), cfg.Fees.PerKmFee)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "driver", key: "DB_DRIVER", value: "postgres", wantErr: "DB_DRIVER"},
		{name: "retries not a number", key: "MAX_PAYMENT_RETRIES", value: "many", wantErr: "MAX_PAYMENT_RETRIES"},
		{name: "negative retries", key: "MAX_PAYMENT_RETRIES", value: "-1", wantErr: "MAX_PAYMENT_RETRIES"},
		{name: "zero timeout", key: "GATEWAY_TIMEOUT_MS", value: "0", wantErr: "GATEWAY_TIMEOUT_MS"},
		{name: "max radius below free", key: "MAX_RADIUS_KM", value: "1", wantErr: "MAX_RADIUS_KM"},
		{name: "currency", key: "CURRENCY", value: "RUPEE", wantErr: "CURRENCY"},
		{name: "rate limit", key: "QUOTE_RATE_LIMIT", value: "0", wantErr: "QUOTE_RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}
