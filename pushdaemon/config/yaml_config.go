package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheApps bool          `yaml:"cache_apps"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type YamlIngestionConfig struct {
	TopicID                string `yaml:"topic_id"`
	SubscriptionID         string `yaml:"subscription_id"`
	SubscriptionDLQTopicID string `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int    `yaml:"num_pipeline_workers"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID          string              `yaml:"project_id"`
	ListenAddr         string              `yaml:"listen_addr"`
	StoreType          string              `yaml:"store_type"`
	PostgresDSN        string              `yaml:"postgres_dsn"`
	BatchSize          int                 `yaml:"batch_size"`
	PushPoll           time.Duration       `yaml:"push_poll"`
	SyncSchedule       string              `yaml:"sync_schedule"`
	RatePerSec         int                 `yaml:"rate_per_sec"`
	ProcessingLease    time.Duration       `yaml:"processing_lease"`
	LogFile            string              `yaml:"log_file"`
	IdentityServiceURL string              `yaml:"identity_service_url"`
	CorsConfig         YamlCorsConfig      `yaml:"cors"`
	RedisConfig        YamlRedisConfig     `yaml:"redis"`
	Ingestion          YamlIngestionConfig `yaml:"ingestion"`
	Apps               []push.App          `yaml:"apps"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		StoreType:          StoreType(baseCfg.StoreType),
		PostgresDSN:        baseCfg.PostgresDSN,
		BatchSize:          baseCfg.BatchSize,
		PushPoll:           baseCfg.PushPoll,
		SyncSchedule:       baseCfg.SyncSchedule,
		RatePerSec:         baseCfg.RatePerSec,
		ProcessingLease:    baseCfg.ProcessingLease,
		LogFile:            baseCfg.LogFile,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:      baseCfg.RedisConfig.Addr,
			Password:  baseCfg.RedisConfig.Password,
			DB:        baseCfg.RedisConfig.DB,
			CacheApps: baseCfg.RedisConfig.CacheApps,
			CacheTTL:  baseCfg.RedisConfig.CacheTTL,
		},
		Ingestion: IngestionConfig{
			TopicID:                baseCfg.Ingestion.TopicID,
			SubscriptionID:         baseCfg.Ingestion.SubscriptionID,
			SubscriptionDLQTopicID: baseCfg.Ingestion.SubscriptionDLQTopicID,
			NumPipelineWorkers:     baseCfg.Ingestion.NumPipelineWorkers,
		},
		Apps: baseCfg.Apps,
	}

	if cfg.Ingestion.SubscriptionID != "" {
		cfg.Ingestion.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Ingestion.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store_type", cfg.StoreType,
		"apps", len(cfg.Apps),
	)

	return cfg, nil
}
