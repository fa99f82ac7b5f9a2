package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/apperr"
	"github.com/richardliu001/firm-records/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ctxClaims  = "claims"
	ctxActorID = "actor_id"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// RateLimitMiddleware simple token bucket per client IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// AuthMiddleware requires a valid bearer access token.
func AuthMiddleware(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortWithError(c, apperr.Unauthorized("missing bearer token"), nil)
			return
		}
		claims, err := tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			abortWithError(c, apperr.Unauthorized("invalid access token"), nil)
			return
		}
		id, _ := claims.UserID()
		c.Set(ctxClaims, claims)
		c.Set(ctxActorID, id)
		c.Next()
	}
}

// RequireAdmin checks the caller against storage, not the token's role
// claim, so demoted or disabled admins lose access immediately.
func RequireAdmin(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := svc.GetUser(c, actorID(c))
		if err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				err = apperr.Unauthorized("unknown account")
			}
			abortWithError(c, err, log)
			return
		}
		if !actor.IsActiveAdmin() {
			abortWithError(c, apperr.Forbidden("administrator role required"), log)
			return
		}
		c.Next()
	}
}

func actorID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ctxActorID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
