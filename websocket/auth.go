package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/abdelmounim-dev/voice-gateway/config"
)

// Scopes checked on authenticated connections.
const (
	ScopePipelineRun  = "pipeline:run"
	ScopeSessionReset = "session:reset"
)

var ErrTokenRevoked = errors.New("token has been revoked")

// CustomClaims are the JWT claims accepted at handshake. A scope may end in
// '*' to grant every scope sharing its prefix. The jti claim is used for
// revocation.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// JWTValidator checks handshake tokens.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
	logger      *slog.Logger
}

func NewJWTValidator(cfg *config.AuthConfig, redisClient *redis.Client, logger *slog.Logger) *JWTValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger.With(slog.String("component", "websocket.auth")),
	}
}

// ValidateToken verifies the HMAC signature and standard claims, then
// checks the Redis revocation list.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("could not cast claims to CustomClaims")
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every client out.
		v.logger.ErrorContext(ctx, "failed to check token revocation status", "error", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil {
		return false, nil
	}
	if jti == "" {
		v.logger.WarnContext(ctx, "token is missing jti claim, cannot check revocation")
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}

// HasScope reports whether claims grant required. Nil claims mean auth is
// disabled and everything is allowed.
func HasScope(claims *CustomClaims, required string) bool {
	if claims == nil {
		return true
	}
	for _, scope := range claims.Scopes {
		if scope == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, "*"); ok && strings.HasPrefix(required, prefix) {
			return true
		}
	}
	return false
}
