package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityContextKey = "batchline_identity"

var (
	errMissingVerifier      = errors.New("token verifier dependency required")
	errMissingRegistry      = errors.New("presence registry dependency required")
	errMissingRooms         = errors.New("room router dependency required")
	errMissingProfiles      = errors.New("profile directory dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
	errMissingVotes         = errors.New("vote engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
	errMalformedEvent       = errors.New("malformed event")
	errUnknownEvent         = errors.New("unknown event")
)

// TokenVerifier authenticates bearer credentials.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ProfileDirectory records connections and resolves display names.
type ProfileDirectory interface {
	Touch(ctx context.Context, identity auth.Identity) error
	FirstName(ctx context.Context, userID string) string
}

type Dependencies struct {
	Verifier       TokenVerifier
	Registry       *presence.Registry
	Rooms          *rooms.Router
	Profiles       ProfileDirectory
	Notifications  *notifications.Service
	Votes          *votes.Engine
	PushPublicKey  string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Votes == nil {
		return nil, errMissingVotes
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		registry:      deps.Registry,
		rooms:         deps.Rooms,
		notifications: deps.Notifications,
		votes:         deps.Votes,
		pushPublicKey: deps.PushPublicKey,
		logger:        logger,
	}
	realtime := newRealtimeHandler(deps, logger)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", realtime.handleSocket)
	router.GET("/push/public-key", handler.handlePushPublicKey)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/channels", handler.handleListChannels)
	protected.POST("/channels", handler.handleCreateChannel)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/push/subscriptions", handler.handleSubscribe)
	protected.DELETE("/push/subscriptions", handler.handleUnsubscribe)
	protected.POST("/questions/:id/reactions", handler.handleSetReaction)
	protected.POST("/answers/:id/upvote", handler.handleAnswerUpvote)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	verifier      TokenVerifier
	registry      *presence.Registry
	rooms         *rooms.Router
	notifications *notifications.Service
	votes         *votes.Engine
	pushPublicKey string
	logger        *zap.Logger
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Rooms       int    `json:"rooms"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: stats.Connections,
		Users:       stats.Users,
		Rooms:       stats.Rooms,
	})
}

type createChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateChannel(c *gin.Context) {
	identity := identityFrom(c)
	var request createChannelRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel, err := h.rooms.CreateChannel(c.Request.Context(), rooms.ChannelDraft{
		Name:        request.Name,
		Description: request.Description,
		OwnerID:     identity.UserID,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, channel)
	case errors.Is(err, rooms.ErrInvalidChannel):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
	case errors.Is(err, rooms.ErrChannelNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "channel_name_taken"})
	default:
		h.logger.Error("failed to create channel", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel_create_failed"})
	}
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	channels, err := h.rooms.ListChannels(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list channels", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	identity := identityFrom(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	payloads, err := h.notifications.List(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payloads})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	identity := identityFrom(c)
	err := h.notifications.MarkRead(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, notifications.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
	default:
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_update_failed"})
	}
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	identity := identityFrom(c)
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to mark notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	identity := identityFrom(c)
	var request subscriptionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	_, err := h.notifications.Subscribe(c.Request.Context(), notifications.PushSubscription{
		UserID:   identity.UserID,
		Endpoint: request.Endpoint,
		P256dh:   request.Keys.P256dh,
		Auth:     request.Keys.Auth,
	})
	switch {
	case err == nil:
		c.Status(http.StatusCreated)
	case errors.Is(err, notifications.ErrInvalidSubscription):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscription"})
	default:
		h.logger.Error("failed to save push subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription_failed"})
	}
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	identity := identityFrom(c)
	var request unsubscribeRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Endpoint) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.notifications.Unsubscribe(c.Request.Context(), identity.UserID, request.Endpoint); err != nil {
		h.logger.Error("failed to remove push subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePushPublicKey(c *gin.Context) {
	if h.pushPublicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push_disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.pushPublicKey})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleSetReaction(c *gin.Context) {
	identity := identityFrom(c)
	var request reactionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.votes.SetReaction(c.Request.Context(), identity.UserID, c.Param("id"), request.Emoji)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, votes.ErrQuestionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "question_not_found"})
	case errors.Is(err, votes.ErrInvalidEmoji):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_emoji"})
	default:
		h.logger.Error("failed to set reaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reaction_failed"})
	}
}

func (h *httpHandler) handleAnswerUpvote(c *gin.Context) {
	identity := identityFrom(c)
	result, err := h.votes.ToggleAnswerUpvote(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, votes.ErrAnswerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "answer_not_found"})
	default:
		h.logger.Error("failed to toggle answer upvote", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upvote_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		logTokenFailure(h.logger, "token validation failed", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}
