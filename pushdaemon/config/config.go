package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// StoreType selects the backing store.
type StoreType string

const (
	StoreMemory    StoreType = "memory"
	StoreRedis     StoreType = "redis"
	StoreFirestore StoreType = "firestore"
	StorePostgres  StoreType = "postgres"
)

const (
	DefaultBatchSize    = 100
	DefaultPushPoll     = 2 * time.Second
	DefaultSyncSchedule = "@every 1m"
	DefaultCacheTTL     = 5 * time.Minute
)

// DefaultProcessingLease is how long a claimed notification stays hidden
// from other pollers before it is considered abandoned.
const DefaultProcessingLease = 10 * time.Minute

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheApps puts a read-aside Redis cache in front of app lookups.
	CacheApps bool
	CacheTTL  time.Duration
}

type IngestionConfig struct {
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// Enabled reports whether notifications are also consumed from Pub/Sub.
func (c IngestionConfig) Enabled() bool { return c.SubscriptionID != "" }

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID   string
	ListenAddr  string
	StoreType   StoreType
	PostgresDSN string

	// BatchSize caps the notifications held in memory at once.
	BatchSize       int
	PushPoll        time.Duration
	SyncSchedule    string
	RatePerSec      int
	ProcessingLease time.Duration
	// LogFile, when set, receives the JSON log instead of stdout and is
	// reopened on SIGHUP.
	LogFile string

	IdentityServiceURL string
	CorsConfig         middleware.CorsConfig
	Redis              RedisConfig
	Ingestion          IngestionConfig

	// Apps are saved to the store at startup.
	Apps []push.App
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("STORE_TYPE"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_TYPE", "source", "env")
		cfg.StoreType = StoreType(strings.ToLower(val))
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		logger.Debug("Overriding config value", "key", "POSTGRES_DSN", "source", "env")
		cfg.PostgresDSN = val
	}
	if val := os.Getenv("BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("Overriding config value", "key", "BATCH_SIZE", "source", "env")
			cfg.BatchSize = n
		}
	}
	if val := os.Getenv("PUSH_POLL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			logger.Debug("Overriding config value", "key", "PUSH_POLL", "source", "env")
			cfg.PushPoll = d
		}
	}
	if val := os.Getenv("SYNC_SCHEDULE"); val != "" {
		logger.Debug("Overriding config value", "key", "SYNC_SCHEDULE", "source", "env")
		cfg.SyncSchedule = val
	}
	if val := os.Getenv("RATE_PER_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.RatePerSec = n
		}
	}
	if val := os.Getenv("LOG_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "LOG_FILE", "source", "env")
		cfg.LogFile = val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		cfg.IdentityServiceURL = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.Ingestion.SubscriptionID = val
		cfg.Ingestion.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		cfg.Ingestion.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			cfg.Ingestion.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_CACHE_APPS"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.CacheApps = enabled
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StoreType == "" {
		cfg.StoreType = StoreMemory
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PushPoll <= 0 {
		cfg.PushPoll = DefaultPushPoll
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = DefaultSyncSchedule
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultProcessingLease
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = DefaultCacheTTL
	}
	if cfg.Ingestion.NumPipelineWorkers <= 0 {
		cfg.Ingestion.NumPipelineWorkers = 1
	}
	if cfg.Ingestion.PubsubConsumerConfig == nil && cfg.Ingestion.SubscriptionID != "" {
		cfg.Ingestion.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Ingestion.SubscriptionID)
	}

	// 3. Final Validation
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func (cfg *Config) validate() error {
	var errs []error
	switch cfg.StoreType {
	case StoreMemory:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis store (set via YAML or REDIS_ADDR env var)"))
		}
	case StoreFirestore:
		if cfg.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the firestore store (set via YAML or PROJECT_ID env var)"))
		}
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres store (set via YAML or POSTGRES_DSN env var)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_type %q", cfg.StoreType))
	}
	if cfg.Redis.CacheApps && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis.cache_apps is set"))
	}
	if cfg.Ingestion.Enabled() && cfg.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required for pubsub ingestion"))
	}
	for i, app := range cfg.Apps {
		if app.ID == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: id is required", i))
		}
		if !app.Service.Valid() {
			errs = append(errs, fmt.Errorf("apps[%d]: unknown service %q", i, app.Service))
		}
	}
	return errors.Join(errs...)
}
