package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TokenTTL string `yaml:"token_ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
	Concurrency     int    `yaml:"concurrency"`
}

type YamlAPNSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	KeyID       string `yaml:"key_id"`
	TeamID      string `yaml:"team_id"`
	BundleID    string `yaml:"bundle_id"`
	P8KeyFile   string `yaml:"p8_key_file"`
	Sandbox     bool   `yaml:"sandbox"`
	Concurrency int    `yaml:"concurrency"`
}

type YamlFCMConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
	Concurrency     int    `yaml:"concurrency"`
	RefreshMargin   string `yaml:"refresh_margin"`
}

type YamlDatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type YamlRealtimeConfig struct {
	Backend       string `yaml:"backend"`
	DatabaseURL   string `yaml:"database_url"`
	Retention     string `yaml:"retention"`
	SweepInterval string `yaml:"sweep_interval"`
}

type YamlMessageConfig struct {
	AndroidChannel string `yaml:"android_channel"`
	DefaultSound   string `yaml:"default_sound"`
	DefaultIcon    string `yaml:"default_icon"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	IdentityServiceURL     string             `yaml:"identity_service_url"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	VapidConfig            YamlVapidConfig    `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig     `yaml:"apns"`
	FCMConfig              YamlFCMConfig      `yaml:"fcm"`
	DatabaseConfig         YamlDatabaseConfig `yaml:"database"`
	RealtimeConfig         YamlRealtimeConfig `yaml:"realtime"`
	MessageConfig          YamlMessageConfig  `yaml:"messages"`
	TokenStoreBackend      string             `yaml:"token_store"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	tokenTTL, err := parseDuration("redis.token_ttl", baseCfg.RedisConfig.TokenTTL)
	if err != nil {
		return nil, err
	}
	refreshMargin, err := parseDuration("fcm.refresh_margin", baseCfg.FCMConfig.RefreshMargin)
	if err != nil {
		return nil, err
	}
	retention, err := parseDuration("realtime.retention", baseCfg.RealtimeConfig.Retention)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parseDuration("realtime.sweep_interval", baseCfg.RealtimeConfig.SweepInterval)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		TopicID:            baseCfg.TopicID,
		SubscriptionID:     baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TokenTTL: tokenTTL,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
			Concurrency:     baseCfg.VapidConfig.Concurrency,
		},
		APNS: APNSConfig{
			Enabled:     baseCfg.APNSConfig.Enabled,
			KeyID:       baseCfg.APNSConfig.KeyID,
			TeamID:      baseCfg.APNSConfig.TeamID,
			BundleID:    baseCfg.APNSConfig.BundleID,
			P8KeyFile:   baseCfg.APNSConfig.P8KeyFile,
			Sandbox:     baseCfg.APNSConfig.Sandbox,
			Concurrency: baseCfg.APNSConfig.Concurrency,
		},
		FCM: FCMConfig{
			CredentialsFile: baseCfg.FCMConfig.CredentialsFile,
			Endpoint:        baseCfg.FCMConfig.Endpoint,
			Concurrency:     baseCfg.FCMConfig.Concurrency,
			RefreshMargin:   refreshMargin,
		},
		Database: DatabaseConfig{
			Driver: baseCfg.DatabaseConfig.Driver,
			DSN:    baseCfg.DatabaseConfig.DSN,
		},
		Realtime: RealtimeConfig{
			Backend:       baseCfg.RealtimeConfig.Backend,
			DatabaseURL:   baseCfg.RealtimeConfig.DatabaseURL,
			Retention:     retention,
			SweepInterval: sweepInterval,
		},
		Messages: MessageConfig{
			AndroidChannel: baseCfg.MessageConfig.AndroidChannel,
			DefaultSound:   baseCfg.MessageConfig.DefaultSound,
			DefaultIcon:    baseCfg.MessageConfig.DefaultIcon,
		},
		TokenStoreBackend:      baseCfg.TokenStoreBackend,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"token_store", cfg.TokenStoreBackend,
		"realtime", cfg.Realtime.Backend,
	)

	return cfg, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
