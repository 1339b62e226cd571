package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("server.path must start with '/'")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	switch strings.ToLower(c.Broker.Type) {
	case "", "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
		if c.Broker.Redis.Channel == "" {
			return errors.New("broker.redis.channel must be configured for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.Topic == "" {
			return errors.New("kafka topic must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}
	switch c.Broker.Encoding {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("invalid broker encoding: %s. Must be 'json' or 'msgpack'", c.Broker.Encoding)
	}

	if c.WebSocket.MessageSizeLimit < 1 {
		return errors.New("websocket.messageSizeLimit must be positive")
	}
	if c.WebSocket.MaxUtteranceBytes < 1 {
		return errors.New("websocket.maxUtteranceBytes must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("ping interval should be positive and less than pong timeout")
	}

	if c.Pipeline.Timeout <= 0 {
		return errors.New("pipeline.timeout must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.maxRetries must not be negative")
	}
	if c.Pipeline.RetryDelay < 0 || c.Pipeline.MaxRetryDelay < c.Pipeline.RetryDelay {
		return errors.New("pipeline.maxRetryDelay must be at least pipeline.retryDelay")
	}

	if c.Concurrency.MaxConcurrent < 1 {
		return errors.New("concurrency.maxConcurrent must be at least 1")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		return errors.New("rateLimit.requests and rateLimit.window must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.MaxHistory < 1 {
		return errors.New("session.idleTimeout and session.maxHistory must be positive")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s. Must be 'json' or 'text'", c.Log.Format)
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "VOICEGW_PORT", "PORT")
	v.BindEnv("server.path", "VOICEGW_WS_PATH")

	// Auth
	v.BindEnv("auth.enabled", "VOICEGW_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "VOICEGW_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "VOICEGW_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "VOICEGW_AUTH_REVOCATION_KEY")

	// Redis
	v.BindEnv("redis.address", "VOICEGW_REDIS_ADDRESS")
	v.BindEnv("redis.password", "VOICEGW_REDIS_PASSWORD")

	// Broker
	v.BindEnv("broker.type", "VOICEGW_BROKER_TYPE")
	v.BindEnv("broker.encoding", "VOICEGW_BROKER_ENCODING")
	v.BindEnv("broker.redis.channel", "VOICEGW_REDIS_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "VOICEGW_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.topic", "VOICEGW_KAFKA_TOPIC")

	// Pipeline and admission
	v.BindEnv("pipeline.timeout", "VOICEGW_PIPELINE_TIMEOUT")
	v.BindEnv("pipeline.maxRetries", "VOICEGW_PIPELINE_MAX_RETRIES")
	v.BindEnv("pipeline.retryDelay", "VOICEGW_PIPELINE_RETRY_DELAY")
	v.BindEnv("concurrency.maxConcurrent", "VOICEGW_MAX_CONCURRENT")
	v.BindEnv("rateLimit.requests", "VOICEGW_RATE_LIMIT_REQUESTS")
	v.BindEnv("rateLimit.window", "VOICEGW_RATE_LIMIT_WINDOW")
	v.BindEnv("session.idleTimeout", "VOICEGW_SESSION_IDLE_TIMEOUT")
	v.BindEnv("session.maxHistory", "VOICEGW_MAX_HISTORY")

	// Providers
	v.BindEnv("openai.apiKey", "VOICEGW_OPENAI_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("openai.baseURL", "VOICEGW_OPENAI_BASE_URL", "OPENAI_BASE_URL")
	v.BindEnv("llm.model", "VOICEGW_LLM_MODEL")
	v.BindEnv("tts.voice", "VOICEGW_TTS_VOICE")

	// Logging
	v.BindEnv("log.level", "VOICEGW_LOG_LEVEL", "LOG_LEVEL")
	v.BindEnv("log.format", "VOICEGW_LOG_FORMAT")
	v.BindEnv("log.file", "VOICEGW_LOG_FILE")
}
