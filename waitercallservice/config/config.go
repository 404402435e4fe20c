package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Token store backends.
const (
	StoreSQL       = "sql"
	StoreFirestore = "firestore"
)

// Realtime mirror backends.
const (
	RealtimeRTDB      = "rtdb"
	RealtimeFirestore = "firestore"
	RealtimeBoth      = "both"
	RealtimeNone      = "none"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TokenTTL time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	Concurrency     int
}

type APNSConfig struct {
	Enabled     bool
	KeyID       string
	TeamID      string
	BundleID    string
	P8Key       string
	P8KeyFile   string
	Sandbox     bool
	Concurrency int
}

type FCMConfig struct {
	CredentialsFile string
	CredentialsJSON string
	// Endpoint overrides https://fcm.googleapis.com, for tests and emulators.
	Endpoint      string
	Concurrency   int
	RefreshMargin time.Duration
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type RealtimeConfig struct {
	Backend     string
	DatabaseURL string
	// Retention is how long a finished call stays visible to realtime listeners.
	Retention     time.Duration
	SweepInterval time.Duration
}

type MessageConfig struct {
	AndroidChannel string
	DefaultSound   string
	DefaultIcon    string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	IdentityServiceURL     string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
	APNS       APNSConfig
	FCM        FCMConfig
	Database   DatabaseConfig
	Realtime   RealtimeConfig
	Messages   MessageConfig

	TokenStoreBackend string

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}
	overrideInt := func(key string, apply func(int)) {
		override(key, func(val string) {
			if n, err := strconv.Atoi(val); err == nil {
				apply(n)
			}
		})
	}
	overrideDuration := func(key string, apply func(time.Duration)) {
		override(key, func(val string) {
			if d, err := time.ParseDuration(val); err == nil {
				apply(d)
			}
		})
	}
	overrideBool := func(key string, apply func(bool)) {
		override(key, func(val string) {
			if b, err := strconv.ParseBool(val); err == nil {
				apply(b)
			}
		})
	}

	// 1. Apply Environment Overrides
	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })
	override("TOPIC_ID", func(v string) { cfg.TopicID = v })
	overrideInt("NUM_PIPELINE_WORKERS", func(n int) {
		if n > 0 {
			cfg.NumPipelineWorkers = n
		}
	})
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityServiceURL = v })

	// Redis
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	overrideInt("REDIS_DB", func(n int) { cfg.Redis.DB = n })
	overrideBool("REDIS_ENABLED", func(b bool) { cfg.Redis.Enabled = b })

	// VAPID
	override("VAPID_PUBLIC_KEY", func(v string) { cfg.Vapid.PublicKey = v })
	override("VAPID_PRIVATE_KEY", func(v string) { cfg.Vapid.PrivateKey = v })
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Vapid.SubscriberEmail = v })

	// APNs
	override("APNS_KEY_ID", func(v string) { cfg.APNS.KeyID = v })
	override("APNS_TEAM_ID", func(v string) { cfg.APNS.TeamID = v })
	override("APNS_BUNDLE_ID", func(v string) { cfg.APNS.BundleID = v })
	override("APNS_P8_KEY", func(v string) { cfg.APNS.P8Key = v })
	override("APNS_P8_KEY_FILE", func(v string) { cfg.APNS.P8KeyFile = v })
	overrideBool("APNS_SANDBOX", func(b bool) { cfg.APNS.Sandbox = b })
	overrideBool("APNS_ENABLED", func(b bool) { cfg.APNS.Enabled = b })

	// FCM
	override("FCM_CREDENTIALS_FILE", func(v string) { cfg.FCM.CredentialsFile = v })
	override("FCM_CREDENTIALS_JSON", func(v string) { cfg.FCM.CredentialsJSON = v })
	override("FCM_ENDPOINT", func(v string) { cfg.FCM.Endpoint = v })
	overrideInt("FCM_SEND_CONCURRENCY", func(n int) {
		if n > 0 {
			cfg.FCM.Concurrency = n
		}
	})

	// Storage and realtime
	override("DATABASE_DRIVER", func(v string) { cfg.Database.Driver = v })
	override("DATABASE_DSN", func(v string) { cfg.Database.DSN = v })
	override("TOKEN_STORE_BACKEND", func(v string) { cfg.TokenStoreBackend = strings.ToLower(v) })
	override("REALTIME_BACKEND", func(v string) { cfg.Realtime.Backend = strings.ToLower(v) })
	override("REALTIME_DATABASE_URL", func(v string) { cfg.Realtime.DatabaseURL = v })
	overrideDuration("REALTIME_RETENTION", func(d time.Duration) { cfg.Realtime.Retention = d })
	overrideDuration("REALTIME_SWEEP_INTERVAL", func(d time.Duration) { cfg.Realtime.SweepInterval = d })

	// CORS
	override("CORS_ALLOWED_ORIGINS", func(v string) {
		var cleanOrigins []string
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	})

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.IdentityServiceURL == "" {
		cfg.IdentityServiceURL = "http://localhost:3000"
	}
	if cfg.TokenStoreBackend == "" {
		cfg.TokenStoreBackend = StoreSQL
	}
	if cfg.Realtime.Backend == "" {
		cfg.Realtime.Backend = RealtimeNone
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Redis.TokenTTL <= 0 {
		cfg.Redis.TokenTTL = 24 * time.Hour
	}
	if cfg.FCM.RefreshMargin <= 0 {
		cfg.FCM.RefreshMargin = 5 * time.Minute
	}
	if cfg.Realtime.Retention <= 0 {
		cfg.Realtime.Retention = time.Hour
	}
	if cfg.Realtime.SweepInterval <= 0 {
		cfg.Realtime.SweepInterval = 5 * time.Minute
	}

	// 3. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	// Calls are always kept in SQL, whichever backend holds the tokens.
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required (set via YAML or DATABASE_DSN env var)")
	}
	switch cfg.TokenStoreBackend {
	case StoreSQL, StoreFirestore:
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.TokenStoreBackend)
	}
	switch cfg.Realtime.Backend {
	case RealtimeRTDB, RealtimeBoth:
		if cfg.Realtime.DatabaseURL == "" {
			return nil, fmt.Errorf("realtime database url is required for backend %q (set via YAML or REALTIME_DATABASE_URL env var)", cfg.Realtime.Backend)
		}
	case RealtimeFirestore, RealtimeNone:
	default:
		return nil, fmt.Errorf("unknown realtime backend %q", cfg.Realtime.Backend)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
