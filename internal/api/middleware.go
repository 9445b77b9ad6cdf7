package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"broker-gateway/internal/logging"
	"broker-gateway/internal/security"
)

const (
	userContextKey      = "UserID"
	requestIDContextKey = "RequestID"
)

// RequestIDMiddleware tags each request with an ID, taken from X-Request-ID
// when the client sends one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// RequestLogger logs every request with its status and latency, and puts a
// request-scoped logger in the request context.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With().Str("request_id", c.GetString(requestIDContextKey)).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLogger))
		c.Next()

		status := c.Writer.Status()
		ev := logger.Info()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		} else if status >= http.StatusBadRequest {
			ev = logger.Warn()
		}
		ev.Str("request_id", c.GetString(requestIDContextKey)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("user", c.GetString(userContextKey)).
			Msg("HTTP request")
	}
}

// UserClaims are the bearer token claims. The subject is the user ID.
type UserClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for userID.
func IssueToken(userID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	if err := security.ValidateUserID(claims.Subject); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// AuthMiddleware enforces bearer JWT auth.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":  "AUTH_NOT_CONFIGURED",
				"error": "server.jwt_secret is not set",
			})
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		userID, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(userContextKey, userID)
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

type userLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newUserLimiters(rps float64, burst int) *userLimiters {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &userLimiters{limit: rate.Limit(rps), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (u *userLimiters) get(userID string) *rate.Limiter {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(u.limit, u.burst)
		u.limiters[userID] = l
	}
	return l
}

// RateLimitMiddleware throttles each authenticated user separately.
func RateLimitMiddleware(limiters *userLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiters.get(CurrentUserID(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}
