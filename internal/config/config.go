package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Trust modes for App Store notification signatures.
const (
	TrustModePinned = "pinned"
	TrustModeLeaf   = "leaf"
)

type Config struct {
	// Server configuration
	Port string `mapstructure:"PORT"`
	Mode string `mapstructure:"GIN_MODE"`

	// Database configuration
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	// Redis configuration
	RedisURL string `mapstructure:"REDIS_URL"`

	// App Store receipt verification
	AppStoreSharedSecret    string        `mapstructure:"APPSTORE_SHARED_SECRET"`
	AppStoreEnvironment     string        `mapstructure:"APPSTORE_ENVIRONMENT"`
	VerifyReceiptProdURL    string        `mapstructure:"APPSTORE_VERIFY_RECEIPT_PRODUCTION_URL"`
	VerifyReceiptSandboxURL string        `mapstructure:"APPSTORE_VERIFY_RECEIPT_SANDBOX_URL"`
	ReceiptFreshnessWindow  time.Duration `mapstructure:"RECEIPT_FRESHNESS_WINDOW"`
	ReceiptVerifyTimeout    time.Duration `mapstructure:"RECEIPT_VERIFY_TIMEOUT"`

	// App Store notification signatures
	AppStoreRootCertPath  string `mapstructure:"APPSTORE_ROOT_CERT_PATH"`
	AppStoreRootCertURL   string `mapstructure:"APPSTORE_ROOT_CERT_URL"`
	AppStoreTrustMode     string `mapstructure:"APPSTORE_TRUST_MODE"`
	AppStoreCheckAppleOID bool   `mapstructure:"APPSTORE_CHECK_APPLE_OIDS"`

	// Notification replay protection
	NotificationReplayTTL time.Duration `mapstructure:"NOTIFICATION_REPLAY_TTL"`

	// Outbound entitlement change webhook
	EntitlementCallbackURL    string `mapstructure:"ENTITLEMENT_CALLBACK_URL"`
	EntitlementCallbackSecret string `mapstructure:"ENTITLEMENT_CALLBACK_SECRET"`

	// Admin API
	AdminAPIKey string `mapstructure:"ADMIN_API_KEY"`

	// Receipt verification rate limit per user, 0 disables
	VerifyRateLimit  int           `mapstructure:"VERIFY_RATE_LIMIT"`
	VerifyRateWindow time.Duration `mapstructure:"VERIFY_RATE_WINDOW"`
}

var AppConfig *Config

var defaults = map[string]interface{}{
	"PORT":                                   "8080",
	"GIN_MODE":                               "debug",
	"DATABASE_URL":                           "",
	"SQLITE_PATH":                            "entitlement-api.db",
	"REDIS_URL":                              "",
	"APPSTORE_SHARED_SECRET":                 "",
	"APPSTORE_ENVIRONMENT":                   "production",
	"APPSTORE_VERIFY_RECEIPT_PRODUCTION_URL": "https://buy.itunes.apple.com/verifyReceipt",
	"APPSTORE_VERIFY_RECEIPT_SANDBOX_URL":    "https://sandbox.itunes.apple.com/verifyReceipt",
	"RECEIPT_FRESHNESS_WINDOW":               "60s",
	"RECEIPT_VERIFY_TIMEOUT":                 "10s",
	"APPSTORE_ROOT_CERT_PATH":                "",
	"APPSTORE_ROOT_CERT_URL":                 "https://www.apple.com/certificateauthority/AppleRootCA-G3.cer",
	"APPSTORE_TRUST_MODE":                    TrustModePinned,
	"APPSTORE_CHECK_APPLE_OIDS":              true,
	"NOTIFICATION_REPLAY_TTL":                "24h",
	"ENTITLEMENT_CALLBACK_URL":               "",
	"ENTITLEMENT_CALLBACK_SECRET":            "",
	"ADMIN_API_KEY":                          "",
	"VERIFY_RATE_LIMIT":                      10,
	"VERIFY_RATE_WINDOW":                     "1m",
}

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	cfg, err := Load(viper.New())
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load resolves the configuration from the environment through v.
func Load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees variables without a default in a config file
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.AppStoreTrustMode = strings.ToLower(cfg.AppStoreTrustMode)
	if cfg.AppStoreTrustMode != TrustModePinned && cfg.AppStoreTrustMode != TrustModeLeaf {
		return nil, fmt.Errorf("invalid APPSTORE_TRUST_MODE %q", cfg.AppStoreTrustMode)
	}
	if cfg.ReceiptFreshnessWindow <= 0 {
		return nil, fmt.Errorf("RECEIPT_FRESHNESS_WINDOW must be positive")
	}
	if cfg.VerifyRateLimit > 0 && cfg.VerifyRateWindow <= 0 {
		return nil, fmt.Errorf("VERIFY_RATE_WINDOW must be positive")
	}
	if cfg.ReceiptVerifyTimeout <= 0 {
		return nil, fmt.Errorf("RECEIPT_VERIFY_TIMEOUT must be positive")
	}

	return &cfg, nil
}
