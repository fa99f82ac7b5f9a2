package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/firm-records/internal/clock"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/outbox"
	"github.com/richardliu001/firm-records/internal/service"
	"go.uber.org/zap"
)

// NewRouter wires the account API. liveness may be nil when the dispatcher
// runs elsewhere; /healthz is then served by that process only.
func NewRouter(svc *service.AccountService, liveness outbox.Liveness, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))

	if liveness != nil {
		r.GET("/healthz", HealthHandler(liveness, cfg.Outbox.StaleAfter, clock.System{}, log))
	}

	v1 := r.Group("/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	{
		auth := v1.Group("/auth")
		auth.POST("/register", registerHandler(svc, log))
		auth.POST("/verification/resend", resendHandler(svc, log))
		auth.GET("/verify", verifyHandler(svc, cfg.Verification.RedirectURL, log))
		auth.POST("/login", loginHandler(svc, log))

		admin := v1.Group("/admin", AuthMiddleware(svc.Tokens()), RequireAdmin(svc, log))
		admin.PATCH("/users/:id/role", changeRoleHandler(svc, log))
		admin.PATCH("/users/:id/status", changeStatusHandler(svc, log))
	}
	return r
}

// NewHealthRouter serves only /healthz, for the standalone dispatcher.
func NewHealthRouter(liveness outbox.Liveness, cfg config.OutboxConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", HealthHandler(liveness, cfg.StaleAfter, clock.System{}, log))
	return r
}
