package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/identity"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/live"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "livesession_user_id"

var (
	errMissingDirectory  = errors.New("session directory dependency required")
	errMissingPresence   = errors.New("presence dependency required")
	errMissingIdentities = errors.New("identity resolver dependency required")
	errMissingHub        = errors.New("hub dependency required")
)

// SessionDirectory serves the REST session surface.
type SessionDirectory interface {
	FindByCode(ctx context.Context, code string) (sessions.Session, error)
	Create(ctx context.Context, request sessions.CreateRequest) (sessions.Session, error)
}

// ParticipantCounter reports participant counts for snapshots.
type ParticipantCounter interface {
	CountActive(ctx context.Context, sessionID, excludeUserID string) (int64, error)
}

// IdentityResolver resolves the caller of an HTTP or upgrade request.
type IdentityResolver interface {
	ResolveRequest(ctx context.Context, request *http.Request) identity.Resolution
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Directory      SessionDirectory
	Presence       ParticipantCounter
	Identities     IdentityResolver
	Hub            *live.Hub
	IDProvider     ids.Provider
	AllowedOrigins []string
	OutboxSize     int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving health, session lookup and the live channel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		directory:  deps.Directory,
		presence:   deps.Presence,
		identities: deps.Identities,
		logger:     logger,
		channels: &channelEndpoint{
			hub:            deps.Hub,
			identities:     deps.Identities,
			idProvider:     idProvider,
			allowedOrigins: deps.AllowedOrigins,
			outboxSize:     deps.OutboxSize,
			logger:         logger,
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/live", handler.channels.handleUpgrade)
	router.GET("/sessions/:code", handler.handleGetSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleCreateSession)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	directory  SessionDirectory
	presence   ParticipantCounter
	identities IdentityResolver
	channels   *channelEndpoint
	logger     *zap.Logger
}

type sessionSnapshotPayload struct {
	SessionID         string          `json:"sessionId"`
	JoinCode          string          `json:"joinCode"`
	Status            sessions.Status `json:"status"`
	CurrentSlideIndex int             `json:"currentSlideIndex"`
	LessonID          string          `json:"lessonId"`
	ParticipantCount  int64           `json:"participantCount"`
}

type createSessionRequestPayload struct {
	JoinCode string `json:"join_code"`
	LessonID string `json:"lesson_id"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, err := h.directory.FindByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusOK, session)
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createSessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.directory.Create(c.Request.Context(), sessions.CreateRequest{
		JoinCode:  request.JoinCode,
		TeacherID: userID,
		LessonID:  request.LessonID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusCreated, session)
}

func (h *httpHandler) respondSnapshot(c *gin.Context, status int, session sessions.Session) {
	count, err := h.presence.CountActive(c.Request.Context(), session.ID, session.TeacherID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, sessionSnapshotPayload{
		SessionID:         session.ID,
		JoinCode:          session.JoinCode,
		Status:            session.Status,
		CurrentSlideIndex: session.CurrentSlideIndex,
		LessonID:          session.LessonID,
		ParticipantCount:  count,
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := errs.Classify(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": string(code), "message": errs.Message(code)})
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidState:
		return http.StatusConflict
	case errs.CodeUnauthorized:
		return http.StatusForbidden
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	resolution := h.identities.ResolveRequest(c.Request.Context(), c.Request)
	if !resolution.Authenticated() {
		h.logger.Info("request rejected without a valid credential",
			zap.String("path", c.FullPath()),
			zap.String("identity_state", string(resolution.State)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, strings.TrimSpace(resolution.UserID))
	c.Next()
}
