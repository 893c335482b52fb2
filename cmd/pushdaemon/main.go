package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/joho/godotenv"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-daemon/internal/platform"
	"github.com/tinywideclouds/go-push-daemon/internal/reflection"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-daemon/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/postgres"
	redisStore "github.com/tinywideclouds/go-push-daemon/internal/storage/redis"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"

	"github.com/tinywideclouds/go-push-daemon/pushdaemon"
	"github.com/tinywideclouds/go-push-daemon/pushdaemon/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	pushOnce := flag.Bool("push", false, "deliver everything currently due, then exit")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	newLogger := func(w io.Writer) *slog.Logger {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: logLevel,
		})).With("service", "go-push-daemon")
	}
	logger := newLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Log File ---
	var logFile *pushdaemon.LogFile
	if cfg.LogFile != "" {
		logFile, err = pushdaemon.OpenLogFile(cfg.LogFile)
		if err != nil {
			logger.Error("Log file failed", "err", err)
			os.Exit(1)
		}
		defer logFile.Close()
		logger = newLogger(logFile)
		slog.SetDefault(logger)
	}

	// --- Store (Optionally Decorated) ---
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "store_type", cfg.StoreType, "err", err)
		os.Exit(1)
	}
	logger.Info("Store initialized", "type", cfg.StoreType)

	if cfg.Redis.CacheApps {
		logger.Info("Initializing Redis app cache...", "addr", cfg.Redis.Addr)
		rdb, err := redisStore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		store = cache.NewCachedAppStore(store, cache.NewRedisClient(rdb), cfg.Redis.CacheTTL)
		logger.Info("Store upgraded", "type", "redis_cached_"+string(cfg.StoreType))
	}

	// --- Reflection ---
	metrics, err := reflection.NewMetrics(nil)
	if err != nil {
		logger.Error("Metrics initialization failed", "err", err)
		os.Exit(1)
	}
	reflector := reflection.Multi{reflection.NewLogging(logger), metrics}

	// --- Auth ---
	var authMiddleware func(http.Handler) http.Handler
	if cfg.IdentityServiceURL != "" {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
		if err != nil {
			logger.Error("JWT discovery failed", "identity_url", cfg.IdentityServiceURL, "err", err)
			os.Exit(1)
		}
		authMiddleware, err = middleware.NewJWKSAuthMiddleware(jwksURL, logger)
		if err != nil {
			logger.Error("JWKS middleware failed", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("IDENTITY_SERVICE_URL not set. Admin API is unauthenticated.")
	}

	deps := pushdaemon.Dependencies{
		Store:          store,
		Providers:      platform.NewRegistry(reflector, logger),
		Reflector:      reflector,
		AuthMiddleware: authMiddleware,
		LogFile:        logFile,
	}

	// --- Run Once ---
	if *pushOnce {
		daemon, err := pushdaemon.New(cfg, deps, logger)
		if err != nil {
			logger.Error("Daemon creation failed", "err", err)
			os.Exit(1)
		}
		pushCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := daemon.Push(pushCtx); err != nil {
			logger.Error("Push failed", "err", err)
			os.Exit(1)
		}
		_ = store.Close()
		return
	}

	// --- Consumer ---
	if cfg.Ingestion.Enabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		deps.Consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
	}

	daemon, err := pushdaemon.New(cfg, deps, logger)
	if err != nil {
		logger.Error("Daemon creation failed", "err", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting daemon...", "listen_addr", cfg.ListenAddr)
		errCh <- daemon.Start(runCtx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Daemon stopped with error", "err", err)
				shutdown(daemon, logger)
				os.Exit(1)
			}
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP received: reopening logs, syncing apps")
				daemon.ReopenLogs()
				daemon.TriggerSync()
				daemon.Wakeup()
			case syscall.SIGUSR2:
				daemon.DumpStatus(runCtx)
			default:
				logger.Info("Shutdown signal received", "signal", sig.String())
				cancel()
				shutdown(daemon, logger)
				return
			}
		}
	}
}

func shutdown(daemon *pushdaemon.Daemon, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := daemon.Shutdown(ctx); err != nil {
		logger.Error("Shutdown finished with errors", "err", err)
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Store, error) {
	switch cfg.StoreType {
	case config.StoreRedis:
		rdb, err := redisStore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return redisStore.NewStore(rdb, logger, redisStore.WithProcessingLease(cfg.ProcessingLease)), nil
	case config.StoreFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client failed: %w", err)
		}
		return fsStore.NewStore(fsClient, logger, fsStore.WithProcessingLease(cfg.ProcessingLease)), nil
	case config.StorePostgres:
		return postgres.NewStore(cfg.PostgresDSN, logger, postgres.WithProcessingLease(cfg.ProcessingLease))
	default:
		return memory.NewStore(), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.Ingestion.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.Ingestion.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(time.Second),
			MaximumBackoff: durationpb.New(time.Minute),
		},
		EnableMessageOrdering: false,
	}
	if cfg.Ingestion.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.Ingestion.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	consumerCfg := *cfg.Ingestion.PubsubConsumerConfig
	consumerCfg.SubscriptionID = subConfig.Name
	return messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
