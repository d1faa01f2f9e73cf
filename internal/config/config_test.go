package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.ReceiptFreshnessWindow)
	assert.Equal(t, 10*time.Second, cfg.ReceiptVerifyTimeout)
	assert.Equal(t, 24*time.Hour, cfg.NotificationReplayTTL)
	assert.Equal(t, TrustModePinned, cfg.AppStoreTrustMode)
	assert.True(t, cfg.AppStoreCheckAppleOID)
	assert.Equal(t, "https://buy.itunes.apple.com/verifyReceipt", cfg.VerifyReceiptProdURL)
	assert.Equal(t, 10, cfg.VerifyRateLimit)
	assert.Equal(t, time.Minute, cfg.VerifyRateWindow)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RECEIPT_FRESHNESS_WINDOW", "2m")
	t.Setenv("APPSTORE_TRUST_MODE", "LEAF")
	t.Setenv("APPSTORE_CHECK_APPLE_OIDS", "false")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptFreshnessWindow)
	assert.Equal(t, TrustModeLeaf, cfg.AppStoreTrustMode)
	assert.False(t, cfg.AppStoreCheckAppleOID)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown trust mode", key: "APPSTORE_TRUST_MODE", value: "none"},
		{name: "zero freshness window", key: "RECEIPT_FRESHNESS_WINDOW", value: "0s"},
		{name: "negative timeout", key: "RECEIPT_VERIFY_TIMEOUT", value: "-1s"},
		{name: "zero rate window", key: "VERIFY_RATE_WINDOW", value: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(viper.New())
			assert.Error(t, err)
		})
	}
}
