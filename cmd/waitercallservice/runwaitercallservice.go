package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/tinywideclouds/go-waitercall-service/internal/auth/accesstoken"
	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
	"github.com/tinywideclouds/go-waitercall-service/internal/message"
	"github.com/tinywideclouds/go-waitercall-service/internal/notifier"
	"github.com/tinywideclouds/go-waitercall-service/internal/platform/apns"
	"github.com/tinywideclouds/go-waitercall-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-waitercall-service/internal/platform/web"
	"github.com/tinywideclouds/go-waitercall-service/internal/realtime"
	"github.com/tinywideclouds/go-waitercall-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-waitercall-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-waitercall-service/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-waitercall-service/internal/tokens"
	"github.com/tinywideclouds/go-waitercall-service/pkg/dispatch"
	"github.com/tinywideclouds/go-waitercall-service/waitercallservice"
	"github.com/tinywideclouds/go-waitercall-service/waitercallservice/config"
)

//go:embed local.yaml
var configFile []byte

const (
	mirrorRetryWindow = 5 * time.Second
	mirrorQueueSize   = 256
)

func main() {
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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-waitercall-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Service exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return fmt.Errorf("yaml config invalid: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config failed: %w", err)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client failed: %w", err)
	}
	defer psClient.Close()

	var fsClient *firestore.Client
	if cfg.TokenStoreBackend == config.StoreFirestore ||
		cfg.Realtime.Backend == config.RealtimeFirestore || cfg.Realtime.Backend == config.RealtimeBoth {
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("firestore client failed: %w", err)
		}
		defer fsClient.Close()
	}

	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
	}

	// --- Stores ---
	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("database open failed: %w", err)
	}
	defer db.Close()
	if err := sqlstore.Migrate(ctx, db); err != nil {
		return err
	}

	var tokenStore dispatch.TokenStore
	switch cfg.TokenStoreBackend {
	case config.StoreFirestore:
		tokenStore = fsStore.NewFirestoreStore(fsClient, logger)
	default:
		tokenStore = sqlstore.NewTokenStore(db, logger)
	}
	logger.Info("TokenStore initialized", "type", cfg.TokenStoreBackend)
	if redisClient != nil {
		tokenStore = cache.NewCachedTokenStore(tokenStore, redisClient, cfg.Redis.TokenTTL, logger)
		logger.Info("TokenStore upgraded", "type", "redis_cached_"+cfg.TokenStoreBackend)
	}

	callStore := sqlstore.NewCallStore(db)

	// --- Google credentials ---
	var sourceOpts []accesstoken.Option
	sourceOpts = append(sourceOpts,
		accesstoken.WithRefreshMargin(cfg.FCM.RefreshMargin),
		accesstoken.WithLogger(logger),
	)
	if redisClient != nil {
		sourceOpts = append(sourceOpts, accesstoken.WithSharedCache(redisClient))
	}
	saKey, err := accesstoken.LoadServiceAccountKey(cfg.FCM.CredentialsJSON, cfg.FCM.CredentialsFile)
	if err != nil && !errors.Is(err, accesstoken.ErrNoCredentials) {
		return fmt.Errorf("service account key: %w", err)
	}
	haveKey := err == nil

	// --- Dispatchers ---
	dispatchers := make(map[dispatch.Provider]dispatch.Dispatcher)

	if haveKey {
		fcmTokens, err := accesstoken.NewSource(saKey, []string{accesstoken.ScopeFirebaseMessaging}, sourceOpts...)
		if err != nil {
			return fmt.Errorf("fcm access token source: %w", err)
		}
		projectID := saKey.ProjectID
		if projectID == "" {
			projectID = cfg.ProjectID
		}
		dispatchers[dispatch.ProviderFCM] = fcm.NewDispatcher(fcm.Config{
			ProjectID:   projectID,
			Endpoint:    cfg.FCM.Endpoint,
			Concurrency: cfg.FCM.Concurrency,
		}, fcmTokens, logger)
		logger.Info("FCM dispatcher enabled", "project_id", projectID)
	} else {
		logger.Warn("No FCM service account configured. FCM tokens will not be reached.")
	}

	if cfg.APNS.Enabled {
		p8 := cfg.APNS.P8Key
		if p8 == "" && cfg.APNS.P8KeyFile != "" {
			raw, err := os.ReadFile(cfg.APNS.P8KeyFile)
			if err != nil {
				return fmt.Errorf("failed to read apns key: %w", err)
			}
			p8 = string(raw)
		}
		apnsDispatcher, err := apns.NewDispatcher(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: p8,
			Sandbox:      cfg.APNS.Sandbox,
			Concurrency:  cfg.APNS.Concurrency,
		}, logger)
		if err != nil {
			return err
		}
		dispatchers[dispatch.ProviderAPNs] = apnsDispatcher
		logger.Info("APNs dispatcher enabled", "bundle_id", cfg.APNS.BundleID, "sandbox", cfg.APNS.Sandbox)
	}

	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Raw web push subscriptions will not be reached.")
	} else {
		dispatchers[dispatch.ProviderWebPush] = web.NewDispatcher(cfg.Vapid, logger)
		logger.Info("Web push dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
	}

	// --- Realtime mirror ---
	var mirrors realtime.Multi
	if cfg.Realtime.Backend == config.RealtimeRTDB || cfg.Realtime.Backend == config.RealtimeBoth {
		if !haveKey {
			return errors.New("the realtime database mirror needs service account credentials")
		}
		dbTokens, err := accesstoken.NewSource(saKey,
			[]string{accesstoken.ScopeFirebaseDatabase, accesstoken.ScopeUserInfoEmail}, sourceOpts...)
		if err != nil {
			return fmt.Errorf("rtdb access token source: %w", err)
		}
		app, err := firebase.NewApp(ctx, &firebase.Config{
			ProjectID:   cfg.ProjectID,
			DatabaseURL: cfg.Realtime.DatabaseURL,
		}, option.WithTokenSource(dbTokens.TokenSource(ctx)))
		if err != nil {
			return fmt.Errorf("failed to initialize firebase app: %w", err)
		}
		dbClient, err := app.Database(ctx)
		if err != nil {
			return fmt.Errorf("failed to create realtime database client: %w", err)
		}
		mirrors = append(mirrors, realtime.NewRTDBMirror(realtime.NewDatabaseUpdater(dbClient), logger))
	}
	if cfg.Realtime.Backend == config.RealtimeFirestore || cfg.Realtime.Backend == config.RealtimeBoth {
		mirrors = append(mirrors, realtime.NewFirestoreMirror(fsClient, logger))
	}
	var mirror calls.Mirror
	var asyncMirror *realtime.Async
	if len(mirrors) > 0 {
		asyncMirror = realtime.NewAsync(realtime.NewResilient(mirrors, mirrorRetryWindow, logger),
			mirrorQueueSize, 2*mirrorRetryWindow, logger)
		mirror = asyncMirror
		logger.Info("Realtime mirror enabled", "backend", cfg.Realtime.Backend,
			"retention", cfg.Realtime.Retention)
	}

	// --- Core ---
	builder := message.NewBuilder(
		message.WithAndroidChannel(cfg.Messages.AndroidChannel),
		message.WithDefaultSound(cfg.Messages.DefaultSound),
		message.WithDefaultIcon(cfg.Messages.DefaultIcon),
		message.WithNotificationType("waiter_call"),
	)
	n := notifier.New(tokens.NewManager(tokenStore, logger), builder, dispatchers, logger)
	callService := calls.NewService(callStore, n, mirror, logger)

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		return fmt.Errorf("jwt config discovery failed: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return fmt.Errorf("auth middleware failed: %w", err)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		return err
	}

	service, err := waitercallservice.New(cfg, consumer, n, tokenStore, callService, authMiddleware, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	if asyncMirror != nil {
		go callService.RunSweeper(ctx, cfg.Realtime.SweepInterval, cfg.Realtime.Retention)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...")
	err = service.Start(ctx)
	if asyncMirror != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*mirrorRetryWindow)
		defer cancel()
		if closeErr := asyncMirror.Close(drainCtx); closeErr != nil {
			logger.Warn("Realtime mirror did not drain", "err", closeErr)
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
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
			return nil, fmt.Errorf("could not create sub %s: %w", sub, err)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
