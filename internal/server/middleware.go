package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/authz"
	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/secrets"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// keyPrefixLen is how much of a rejected token the failure log shows.
const keyPrefixLen = 8

const contextKeyAPIKey = "keygate.apikey"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// KeyFromContext returns the key stored by Authenticate.
func KeyFromContext(c *gin.Context) (*apikey.APIKey, bool) {
	v, ok := c.Get(contextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*apikey.APIKey)
	return key, ok && key != nil
}

// Authenticate validates the request's API key and stores it in the context.
func Authenticate(svc *apikey.Service, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token, err := svc.Extractor().Extract(c.Request)
		if err == nil {
			var key *apikey.APIKey
			key, err = svc.Authenticate(ctx, token)
			if err == nil {
				c.Set(contextKeyAPIKey, key)
				c.Next()
				return
			}
		}

		fields := []observability.Field{
			observability.Error(err),
			observability.String("client_ip", c.ClientIP()),
			observability.String("path", c.Request.URL.Path),
		}
		if token != "" {
			fields = append(fields, observability.String("key_prefix", secrets.Prefix(token, keyPrefixLen)))
		}
		logger.WithContext(ctx).Warn("authentication failed", fields...)

		abortWithAuthError(c, err)
	}
}

// RequirePermission rejects requests whose key lacks permission. It must run
// after Authenticate.
func RequirePermission(gate *authz.Gate, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, _ := KeyFromContext(c)
		if _, err := gate.Require(permission, key); err != nil {
			abortWithAuthError(c, err)
			return
		}
		c.Next()
	}
}

// abortWithAuthError maps an authentication or authorization error to a
// response.
func abortWithAuthError(c *gin.Context, err error) {
	var (
		rle *apikey.RateLimitError
		fe  *authz.ForbiddenError
	)

	switch {
	case errors.As(err, &rle):
		seconds := rle.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error:      "rate limit exceeded",
			RetryAfter: seconds,
		})
	case errors.As(err, &fe):
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
			Error: fmt.Sprintf("permission %q required", fe.Permission),
		})
	case errors.Is(err, apikey.ErrMissingToken):
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "API key required"})
	case errors.Is(err, apikey.ErrExpired):
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "API key expired"})
	case errors.Is(err, apikey.ErrUnauthenticated):
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// requestID propagates or assigns the request ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// observe records request metrics and the access log.
func observe(metrics *observability.Metrics, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.RequestStarted()
		defer metrics.RequestFinished()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordRequest(c.Request.Method, c.FullPath(), status, duration)

		logger.WithContext(c.Request.Context()).Debug("request completed",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Duration("duration", duration),
			observability.String("client_ip", c.ClientIP()),
		)
	}
}
