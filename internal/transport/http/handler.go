package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/apperr"
	"github.com/richardliu001/firm-records/internal/clock"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/richardliu001/firm-records/internal/outbox"
	"github.com/richardliu001/firm-records/internal/service"
	"go.uber.org/zap"
)

type userResponse struct {
	ID        uuid.UUID        `json:"id"`
	Email     string           `json:"email"`
	RoleID    uint             `json:"role_id"`
	Status    model.UserStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, RoleID: u.RoleID, Status: u.Status, CreatedAt: u.CreatedAt}
}

type credentialsReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func registerHandler(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.InvalidRequest(err.Error()), log)
			return
		}
		u, err := svc.Register(c, req.Email, req.Password)
		if err != nil {
			writeError(c, err, log)
			return
		}
		c.JSON(http.StatusCreated, toUserResponse(u))
	}
}

type resendReq struct {
	Email string `json:"email" binding:"required"`
}

func resendHandler(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resendReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.InvalidRequest(err.Error()), log)
			return
		}
		if err := svc.ResendVerification(c, req.Email); err != nil {
			writeError(c, err, log)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "if the account awaits verification, a new link was sent"})
	}
}

// verifyHandler redirects to redirectURL on success when one is configured.
func verifyHandler(svc *service.AccountService, redirectURL string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := svc.VerifyEmail(c, c.Query("token"))
		if err != nil {
			log.Errorf("verify email: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		switch outcome {
		case service.OutcomeOk:
			if redirectURL != "" {
				c.Redirect(http.StatusFound, redirectURL)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": outcome.String()})
		case service.OutcomeExpired:
			c.JSON(http.StatusGone, gin.H{"error": "verification link expired", "status": outcome.String()})
		case service.OutcomeAlreadyUsed:
			c.JSON(http.StatusConflict, gin.H{"error": "verification link already used", "status": outcome.String()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verification link", "status": outcome.String()})
		}
	}
}

func loginHandler(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.InvalidRequest(err.Error()), log)
			return
		}
		token, u, err := svc.Login(c, req.Email, req.Password)
		if err != nil {
			writeError(c, err, log)
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer", "user": toUserResponse(u)})
	}
}

type roleReq struct {
	RoleID uint `json:"role_id" binding:"required"`
}

func changeRoleHandler(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			writeError(c, apperr.InvalidRequest("invalid user id"), log)
			return
		}
		var req roleReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.InvalidRequest(err.Error()), log)
			return
		}
		u, err := svc.ChangeRole(c, actorID(c), id, req.RoleID)
		if err != nil {
			writeError(c, err, log)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(u))
	}
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func changeStatusHandler(svc *service.AccountService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			writeError(c, apperr.InvalidRequest("invalid user id"), log)
			return
		}
		var req statusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.InvalidRequest(err.Error()), log)
			return
		}
		status, err := model.ParseUserStatus(req.Status)
		if err != nil {
			writeError(c, apperr.Validation(err.Error()), log)
			return
		}
		u, err := svc.ChangeStatus(c, actorID(c), id, status)
		if err != nil {
			writeError(c, err, log)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(u))
	}
}

// HealthHandler reports dispatcher liveness: 200 when fresh, 503 otherwise.
func HealthHandler(l outbox.Liveness, staleAfter time.Duration, clk clock.Clock, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, err := outbox.CheckHealth(c, l, clk.Now(), staleAfter)
		if err != nil {
			log.Warnf("read dispatcher liveness: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "error": "liveness unavailable"})
			return
		}
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	}
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidRequest, apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error, log *zap.SugaredLogger) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		if log != nil {
			log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": code})
		return
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	c.JSON(statusFor(code), gin.H{"error": msg, "code": code})
}

func abortWithError(c *gin.Context, err error, log *zap.SugaredLogger) {
	writeError(c, err, log)
	c.Abort()
}
