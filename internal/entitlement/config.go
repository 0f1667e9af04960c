package entitlement

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	FeedMemory = "memory"
	FeedRedis  = "redis"
	FeedAMQP   = "amqp"

	RefundProviderAppStore   = "appstore"
	RefundProviderGooglePlay = "googleplay"

	defaultQueueLimit    = 1024
	defaultAMQPQueue     = "entitlement.transactions"
	defaultAMQPPrefetch  = 16
	defaultLimboSweep    = 5 * time.Minute
	defaultRefundTimeout = 30 * time.Second
	defaultFCMTopic      = "entitlement"
)

// EngineConfig holds runtime configuration for the entitlement module.
type EngineConfig struct {
	BundleID              string
	AppleIssuerID         string
	AppleKeyID            string
	ApplePrivateKey       string
	AppleEnvironment      string
	OriginalTransactionID string
	AppStoreBaseURL       string
	JWKSURL               string
	ExtraRootsPath        string

	Feed          string
	QueueLimit    int
	RedisStream   string
	RedisGroup    string
	RedisConsumer string
	AMQPURL       string
	AMQPQueue     string
	AMQPPrefetch  int

	MaxLimboAttempts int
	LimboSweep       time.Duration

	RefundProvider    string
	RefundTimeout     time.Duration
	GooglePlayPackage string
	GoogleServiceJSON string
	GooglePlayRevoke  bool

	FCMTopic string
}

// LoadEngineConfig reads configuration from environment variables and applies defaults.
func LoadEngineConfig() (EngineConfig, error) {
	cfg := EngineConfig{
		AppleEnvironment: "production",
		Feed:             FeedMemory,
		QueueLimit:       defaultQueueLimit,
		AMQPQueue:        defaultAMQPQueue,
		AMQPPrefetch:     defaultAMQPPrefetch,
		LimboSweep:       defaultLimboSweep,
		RefundProvider:   RefundProviderAppStore,
		RefundTimeout:    defaultRefundTimeout,
		FCMTopic:         defaultFCMTopic,
	}

	cfg.BundleID = strings.TrimSpace(os.Getenv("APPLE_BUNDLE_ID"))
	cfg.AppleIssuerID = strings.TrimSpace(os.Getenv("APPLE_ISSUER_ID"))
	cfg.AppleKeyID = strings.TrimSpace(os.Getenv("APPLE_KEY_ID"))
	cfg.ApplePrivateKey = os.Getenv("APPLE_PRIVATE_KEY")
	if cfg.ApplePrivateKey == "" {
		if path := os.Getenv("APPLE_PRIVATE_KEY_PATH"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return EngineConfig{}, fmt.Errorf("read APPLE_PRIVATE_KEY_PATH: %w", err)
			}
			cfg.ApplePrivateKey = string(raw)
		}
	}
	if v := strings.TrimSpace(os.Getenv("APPLE_ENVIRONMENT")); v != "" {
		cfg.AppleEnvironment = strings.ToLower(v)
	}
	cfg.OriginalTransactionID = strings.TrimSpace(os.Getenv("APPLE_ORIGINAL_TRANSACTION_ID"))
	cfg.AppStoreBaseURL = os.Getenv("APPLE_API_BASE_URL")
	cfg.JWKSURL = os.Getenv("APPLE_JWKS_URL")
	cfg.ExtraRootsPath = os.Getenv("APPLE_EXTRA_ROOTS_PATH")

	if cfg.BundleID == "" {
		return EngineConfig{}, fmt.Errorf("APPLE_BUNDLE_ID is required")
	}
	if cfg.AppleIssuerID == "" || cfg.AppleKeyID == "" || cfg.ApplePrivateKey == "" || cfg.OriginalTransactionID == "" {
		return EngineConfig{}, fmt.Errorf("App Store Server API configuration incomplete")
	}
	if cfg.AppleEnvironment != "production" && cfg.AppleEnvironment != "sandbox" {
		return EngineConfig{}, fmt.Errorf("APPLE_ENVIRONMENT must be production or sandbox")
	}

	if v := strings.TrimSpace(os.Getenv("ENTITLEMENT_FEED")); v != "" {
		cfg.Feed = strings.ToLower(v)
	}
	switch cfg.Feed {
	case FeedMemory, FeedRedis:
	case FeedAMQP:
		cfg.AMQPURL = os.Getenv("AMQP_URL")
		if cfg.AMQPURL == "" {
			return EngineConfig{}, fmt.Errorf("AMQP_URL is required for the amqp feed")
		}
	default:
		return EngineConfig{}, fmt.Errorf("unknown ENTITLEMENT_FEED %q", cfg.Feed)
	}

	if v, err := readIntEnv("ENTITLEMENT_QUEUE_LIMIT"); err != nil {
		return EngineConfig{}, fmt.Errorf("parse ENTITLEMENT_QUEUE_LIMIT: %w", err)
	} else if v != nil {
		cfg.QueueLimit = *v
	}

	cfg.RedisStream = os.Getenv("REDIS_STREAM")
	cfg.RedisGroup = os.Getenv("REDIS_GROUP")
	cfg.RedisConsumer = os.Getenv("REDIS_CONSUMER")
	if v := os.Getenv("AMQP_QUEUE"); v != "" {
		cfg.AMQPQueue = v
	}
	if v, err := readIntEnv("AMQP_PREFETCH"); err != nil {
		return EngineConfig{}, fmt.Errorf("parse AMQP_PREFETCH: %w", err)
	} else if v != nil {
		cfg.AMQPPrefetch = *v
	}

	if v, err := readIntEnv("LIMBO_MAX_ATTEMPTS"); err != nil {
		return EngineConfig{}, fmt.Errorf("parse LIMBO_MAX_ATTEMPTS: %w", err)
	} else if v != nil {
		cfg.MaxLimboAttempts = *v
	}

	if v := os.Getenv("LIMBO_SWEEP_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("parse LIMBO_SWEEP_SECONDS: %w", err)
		}
		cfg.LimboSweep = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("REFUND_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("parse REFUND_TIMEOUT_SECONDS: %w", err)
		}
		cfg.RefundTimeout = time.Duration(secs) * time.Second
	}

	if v := strings.TrimSpace(os.Getenv("REFUND_PROVIDER")); v != "" {
		cfg.RefundProvider = strings.ToLower(v)
	}
	switch cfg.RefundProvider {
	case RefundProviderAppStore:
	case RefundProviderGooglePlay:
		cfg.GooglePlayPackage = strings.TrimSpace(os.Getenv("GOOGLE_PLAY_PACKAGE_NAME"))
		cfg.GoogleServiceJSON = os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")
		if cfg.GooglePlayPackage == "" || cfg.GoogleServiceJSON == "" {
			return EngineConfig{}, fmt.Errorf("Google Play refund configuration incomplete")
		}
		cfg.GooglePlayRevoke = os.Getenv("GOOGLE_PLAY_REFUND_REVOKE") == "true"
	default:
		return EngineConfig{}, fmt.Errorf("unknown REFUND_PROVIDER %q", cfg.RefundProvider)
	}

	if v := os.Getenv("FCM_TOPIC"); v != "" {
		cfg.FCMTopic = v
	}

	if cfg.QueueLimit < 0 || cfg.AMQPPrefetch <= 0 {
		return EngineConfig{}, fmt.Errorf("queue limit and prefetch must be positive")
	}
	if cfg.MaxLimboAttempts < 0 {
		return EngineConfig{}, fmt.Errorf("LIMBO_MAX_ATTEMPTS must be >= 0")
	}
	if cfg.LimboSweep <= 0 {
		return EngineConfig{}, fmt.Errorf("LIMBO_SWEEP_SECONDS must be positive")
	}

	return cfg, nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
