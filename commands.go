package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/voice-gateway/broker"
	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/services"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the gateway would start with, after defaults,
config file, .env and environment variables are applied.

Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(envName); err != nil {
			return err
		}
		out := redact(*config.Get())

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func redact(cfg config.AppConfig) config.AppConfig {
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = redacted
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	if cfg.OpenAI.APIKey != "" {
		cfg.OpenAI.APIKey = redacted
	}
	return cfg
}

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream turn events from the configured broker",
	Long: `Subscribe to the configured message broker and print every completed
turn as one JSON line. Works with the redis and kafka brokers.

Examples:
  voice-gateway tail
  voice-gateway tail --limit 10
  VOICEGW_BROKER_TYPE=kafka voice-gateway tail`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(envName); err != nil {
			return err
		}
		cfg := config.Get()
		logger, logCloser := newLogger(cfg.Log)
		defer logCloser.Close()

		if cfg.Broker.Type == broker.TypeNone || cfg.Broker.Type == "" {
			return errors.New("no broker configured; set broker.type to redis or kafka")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var rdb *redis.Client
		if cfg.Broker.Type == broker.TypeRedis {
			client, err := services.NewRedisClient(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer services.CloseRedisClient(client)
			rdb = client
		}

		mb, err := newBroker(cfg, rdb, logger)
		if err != nil {
			return err
		}
		defer mb.Close()

		sub, ok := mb.(broker.Subscriber)
		if !ok {
			return fmt.Errorf("broker %q cannot be tailed", mb.Type())
		}
		events, err := sub.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Fprintf(os.Stderr, "tailing %s broker, press Ctrl+C to stop\n", mb.Type())

		enc := json.NewEncoder(cmd.OutOrStdout())
		seen := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				seen++
				if tailLimit > 0 && seen >= tailLimit {
					return nil
				}
			}
		}
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 0, "stop after this many events (0 = unlimited)")
}
