package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/voice-gateway/admission"
	"github.com/abdelmounim-dev/voice-gateway/broker"
	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/logging"
	"github.com/abdelmounim-dev/voice-gateway/metrics"
	"github.com/abdelmounim-dev/voice-gateway/pipeline"
	"github.com/abdelmounim-dev/voice-gateway/server"
	"github.com/abdelmounim-dev/voice-gateway/services"
	"github.com/abdelmounim-dev/voice-gateway/session"
	"github.com/abdelmounim-dev/voice-gateway/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(envName); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		cfg := config.Get()

		logger, logCloser := newLogger(cfg.Log)
		defer logCloser.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func newLogger(c config.LogConfig) (*slog.Logger, io.Closer) {
	return logging.New(logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	})
}

func needsRedis(cfg *config.AppConfig) bool {
	return cfg.Auth.Enabled || cfg.Broker.Type == broker.TypeRedis
}

func newBroker(cfg *config.AppConfig, rdb *redis.Client, logger *slog.Logger) (broker.MessageBroker, error) {
	return broker.New(broker.Config{
		Type:         cfg.Broker.Type,
		Encoding:     cfg.Broker.Encoding,
		RedisChannel: cfg.Broker.Redis.Channel,
		KafkaBrokers: cfg.Broker.Kafka.Brokers,
		KafkaTopic:   cfg.Broker.Kafka.Topic,
		KafkaGroupID: cfg.Broker.Kafka.GroupID,
	}, rdb, logger)
}

func newProvider(cfg *config.AppConfig, logger *slog.Logger) (*services.OpenAIProvider, error) {
	return services.NewOpenAIProvider(services.OpenAIConfig{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		ChatModel:      cfg.LLM.Model,
		SystemPrompt:   cfg.LLM.SystemPrompt,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		STTModel:       cfg.STT.Model,
		Language:       cfg.STT.Language,
		TTSModel:       cfg.TTS.Model,
		Voice:          cfg.TTS.Voice,
		ResponseFormat: cfg.TTS.ResponseFormat,
	}, logger)
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	var rdb *redis.Client
	if needsRedis(cfg) {
		client, err := services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer services.CloseRedisClient(client)
		rdb = client
	}

	logger.Info("initializing message broker", "type", cfg.Broker.Type, "encoding", cfg.Broker.Encoding)
	messageBroker, err := newBroker(cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		messageBroker.Close()
		return err
	}
	executor := pipeline.NewExecutor(provider, provider, provider, pipeline.Config{
		Timeout:       cfg.Pipeline.Timeout,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryDelay:    cfg.Pipeline.RetryDelay,
		MaxRetryDelay: cfg.Pipeline.MaxRetryDelay,
		MimeType:      cfg.Pipeline.MimeType,
	}, logger)

	slots, err := admission.NewSlotAllocator(cfg.Concurrency.MaxConcurrent, cfg.Concurrency.AcquireTimeout, logger)
	if err != nil {
		messageBroker.Close()
		return err
	}
	limiter := admission.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	limiter.Start(ctx)
	defer limiter.Stop()

	manager := websocket.NewClientManager(logger)
	sessions := session.NewStore(cfg.Session.MaxHistory, cfg.Session.IdleTimeout, logger,
		session.WithRemoveHook(manager.SessionRemoved))
	sessions.Start(ctx)
	defer sessions.Stop()

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, rdb, logger)
		logger.Info("JWT authentication is enabled")
	} else {
		logger.Info("JWT authentication is disabled")
	}

	handler := websocket.NewHandler(websocket.Dependencies{
		Manager:      manager,
		Sessions:     sessions,
		RateLimiter:  limiter,
		Slots:        slots,
		Pipeline:     executor,
		Broker:       messageBroker,
		JWTValidator: jwtValidator,
	}, cfg.WebSocket, cfg.Auth, logger)

	srv := server.NewServer(cfg.Server, handler, manager, server.Status{
		Sessions:    sessions,
		Slots:       slots,
		RateLimiter: limiter,
	}, logger)

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		defer metricsSrv.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("voice gateway started",
		"port", cfg.Server.Port,
		"path", cfg.Server.Path,
		"max_concurrent", cfg.Concurrency.MaxConcurrent,
		"rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimit.Requests, cfg.RateLimit.Window),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			messageBroker.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx, messageBroker)
}
