package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/metrics"
	"github.com/xizzxy/gatekeeper/internal/store"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	identityKey     = "identity"
)

// Evaluator decides one request for a resource and caller identity.
type Evaluator interface {
	Evaluate(ctx context.Context, resource, identity string) (limiter.Decision, error)
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(requestIDKey),
			"user_agent", c.Request.UserAgent(),
		)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-API-Key, X-Request-ID, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Header("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func MetricsMiddleware(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// IdentityMiddleware resolves who is calling from the API key, then the
// client IP. Guarded routes limit on this identity; only the allow endpoint
// accepts an explicit key, since there the caller is asking on someone
// else's behalf.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetHeader("X-API-Key")
		if identity == "" {
			identity = c.Query("api_key")
		}
		if identity == "" {
			identity = c.ClientIP()
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) string {
	if id := c.GetString(identityKey); id != "" {
		return id
	}
	return c.ClientIP()
}

// RateLimitMiddleware evaluates every request against resource's policy
// and stops the ones that are not admitted.
func RateLimitMiddleware(ev Evaluator, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := ev.Evaluate(c.Request.Context(), resource, identityFrom(c))
		if !writeDecision(c, d, err) {
			return
		}
		c.Next()
	}
}

// writeDecision sets the rate limit headers and, when the request is not
// admitted, aborts with 429 (or 503 when the store failed closed). A key
// too contended to update is over its limit in practice and gets 429. It
// reports whether the request may proceed.
func writeDecision(c *gin.Context, d limiter.Decision, err error) bool {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetUnix(), 10))
	if d.Allowed {
		return true
	}

	var retryAfter int64
	if d.RetryAfterSeconds != nil {
		retryAfter = *d.RetryAfterSeconds
	}
	c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))

	status, message := http.StatusTooManyRequests, "rate limit exceeded"
	if err != nil && !errors.Is(err, store.ErrConflict) {
		status, message = http.StatusServiceUnavailable, "rate limiter unavailable"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"allowed":             false,
		"error":               message,
		"retry_after_seconds": retryAfter,
	})
	return false
}
