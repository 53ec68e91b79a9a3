package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-sync/internal/handler"
	"github.com/jwalitptl/notify-sync/internal/middleware"
	notifsvc "github.com/jwalitptl/notify-sync/internal/service/notification"
	"github.com/jwalitptl/notify-sync/internal/session"
	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/validator"
)

// Switcher moves the notification sync onto a new credential.
type Switcher interface {
	SetSession(ctx context.Context, sess session.Session) error
}

// Store persists the credential across restarts.
type Store interface {
	Save(s session.Session) error
	Clear() error
}

type Handler struct {
	switcher  Switcher
	store     Store
	logger    *logger.Logger
	validator validator.Validator
}

// NewHandler builds the login/logout binding. store may be nil, in which
// case sessions live only in memory.
func NewHandler(switcher Switcher, store Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		switcher:  switcher,
		store:     store,
		logger:    log,
		validator: validator.New(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	s := r.Group("/session")
	{
		s.PUT("", h.Login)
		s.DELETE("", h.Logout)
	}
}

type LoginRequest struct {
	Token  string `json:"token" validate:"required"`
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	UserID string `json:"user_id"`
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	if err := h.validator.Validate(req); err != nil {
		h.fail(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	sess, err := resolve(req)
	if err != nil {
		h.fail(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	if h.store != nil {
		if err := h.store.Save(sess); err != nil {
			h.logger.Error(err, "failed to persist session", "user_id", sess.UserID)
		}
	}
	if err := h.switcher.SetSession(c.Request.Context(), sess); err != nil {
		if errors.Is(err, notifsvc.ErrClosed) {
			h.fail(c, err)
			return
		}
		// The switch happened; only the first fetch failed.
		h.logger.Warn("initial fetch for new session failed", "user_id", sess.UserID, "error", err.Error())
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(LoginResponse{UserID: sess.UserID}))
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.switcher.SetSession(c.Request.Context(), session.Session{}); err != nil {
		h.fail(c, err)
		return
	}
	if h.store != nil {
		if err := h.store.Clear(); err != nil {
			h.logger.Error(err, "failed to clear stored session")
		}
	}
	c.Status(http.StatusNoContent)
}

// resolve prefers an explicit user id and falls back to the token claims.
func resolve(req LoginRequest) (session.Session, error) {
	if req.UserID != "" {
		return session.New(req.Token, req.UserID), nil
	}
	sess, err := session.FromToken(req.Token)
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := middleware.StatusOf(err)
	if errors.Is(err, notifsvc.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	handler.Fail(c, status, err)
}
