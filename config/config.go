package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "VOICEGW"

type AppConfig struct {
	Server      ServerConfig
	Auth        AuthConfig
	Redis       RedisConfig
	Broker      BrokerConfig
	WebSocket   WebSocketConfig
	Pipeline    PipelineConfig
	Concurrency ConcurrencyConfig
	RateLimit   RateLimitConfig
	Session     SessionConfig
	OpenAI      OpenAIConfig
	LLM         LLMConfig
	STT         STTConfig
	TTS         TTSConfig
	Log         LogConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port            int
	Path            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

// RedisConfig is shared by the token revocation check and the redis broker.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout time.Duration
}

type BrokerConfig struct {
	Type     string
	Encoding string
	Redis    BrokerRedisConfig
	Kafka    BrokerKafkaConfig
}

type BrokerRedisConfig struct {
	Channel string
}

type BrokerKafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type WebSocketConfig struct {
	MessageSizeLimit  int64
	MaxUtteranceBytes int
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
}

type PipelineConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MimeType      string
}

type ConcurrencyConfig struct {
	MaxConcurrent  int
	AcquireTimeout time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type SessionConfig struct {
	IdleTimeout time.Duration
	MaxHistory  int
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type LLMConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

type STTConfig struct {
	Model    string
	Language string
}

type TTSConfig struct {
	Model          string
	Voice          string
	ResponseFormat string
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads the process-wide configuration for env. A config file is
// optional; defaults, .env and environment variables are always applied.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()

		v := viper.GetViper()
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		instance, initErr = Load(v)
	})
	return initErr
}

// Load applies defaults and environment bindings to v, then unmarshals and
// validates the result.
func Load(v *viper.Viper) (*AppConfig, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Get() *AppConfig {
	return instance
}
