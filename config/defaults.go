package config

import (
	"time"

	"github.com/spf13/viper"
)

const defaultSystemPrompt = "You are a helpful voice-based customer support assistant. " +
	"Keep answers concise and clear. They will be read aloud."

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.path", "/ws/voice")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5*time.Second)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.encoding", "json")
	v.SetDefault("broker.redis.channel", "voice:turns")
	v.SetDefault("broker.kafka.topic", "voice-turns")
	v.SetDefault("broker.kafka.groupID", "voice-gateway-tail")

	// WebSocket
	v.SetDefault("websocket.messageSizeLimit", 1<<20)
	v.SetDefault("websocket.maxUtteranceBytes", 25<<20)
	v.SetDefault("websocket.handshakeTimeout", 10*time.Second)
	v.SetDefault("websocket.pingInterval", 25*time.Second)
	v.SetDefault("websocket.pongTimeout", 60*time.Second)
	v.SetDefault("websocket.writeTimeout", 10*time.Second)

	// Pipeline
	v.SetDefault("pipeline.timeout", 30*time.Second)
	v.SetDefault("pipeline.maxRetries", 2)
	v.SetDefault("pipeline.retryDelay", time.Second)
	v.SetDefault("pipeline.maxRetryDelay", 5*time.Second)
	v.SetDefault("pipeline.mimeType", "audio/webm")

	// Admission
	v.SetDefault("concurrency.maxConcurrent", 10)
	v.SetDefault("concurrency.acquireTimeout", 2*time.Second)
	v.SetDefault("rateLimit.requests", 10)
	v.SetDefault("rateLimit.window", 60*time.Second)

	// Session
	v.SetDefault("session.idleTimeout", 300*time.Second)
	v.SetDefault("session.maxHistory", 20)

	// Providers
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.systemPrompt", defaultSystemPrompt)
	v.SetDefault("llm.maxTokens", 300)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("stt.model", "whisper-1")
	v.SetDefault("stt.language", "en")
	v.SetDefault("tts.model", "tts-1")
	v.SetDefault("tts.voice", "alloy")
	v.SetDefault("tts.responseFormat", "mp3")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 10)
	v.SetDefault("log.maxBackups", 5)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}
