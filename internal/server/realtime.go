package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound event names.
const (
	inboundSendMessage        = "sendMessage"
	inboundGetMessages        = "getMessages"
	inboundTyping             = "typing"
	inboundJoinChannel        = "join_channel"
	inboundLeaveChannel       = "leave_channel"
	inboundSendChannelMessage = "send_channel_message"

	handshakeTokenParam = "token"
	eventTimeout        = 15 * time.Second
)

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sendMessagePayload struct {
	Content string `json:"content"`
}

type getMessagesPayload struct {
	Limit int `json:"limit"`
}

type typingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type channelPayload struct {
	ChannelID string `json:"channelId"`
}

type channelMessagePayload struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

type connectedPayload struct {
	RoomID string        `json:"roomId"`
	User   users.Summary `json:"user"`
}

type historyPayload struct {
	RoomID   string                 `json:"roomId"`
	Messages []rooms.MessagePayload `json:"messages"`
}

type userTypingPayload struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	IsTyping  bool   `json:"isTyping"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// realtimeHandler authenticates socket handshakes and dispatches in-band events.
type realtimeHandler struct {
	verifier  TokenVerifier
	registry  *presence.Registry
	rooms     *rooms.Router
	profiles  ProfileDirectory
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	newConnID func() string
}

func newRealtimeHandler(deps Dependencies, logger *zap.Logger) *realtimeHandler {
	allowed := deps.AllowedOrigins
	return &realtimeHandler{
		verifier: deps.Verifier,
		registry: deps.Registry,
		rooms:    deps.Rooms,
		profiles: deps.Profiles,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(request *http.Request) bool {
				return originAllowed(allowed, request.Header.Get("Origin"))
			},
		},
		logger: logger,
		newConnID: func() string {
			return uuid.NewString()
		},
	}
}

// handleSocket verifies the credential before upgrading; a rejected handshake
// gets a plain 401 and no socket.
func (h *realtimeHandler) handleSocket(c *gin.Context) {
	token := strings.TrimSpace(c.Query(handshakeTokenParam))
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		metrics.HandshakesRejected.Inc()
		logTokenFailure(h.logger, "socket handshake rejected", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	conn := newConnection(h.newConnID(), identity, socket, connectionBufferSize, h.logger)
	go conn.run()
	h.serve(conn)
}

func (h *realtimeHandler) serve(conn *wsConnection) {
	ctx := conn.ctx
	identity := conn.Identity()

	if err := h.profiles.Touch(ctx, identity); err != nil {
		h.logger.Warn("profile touch failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("connection registration failed", zap.String("user_id", identity.UserID), zap.Error(err))
		conn.Close()
		return
	}
	metrics.ConnectionsActive.Inc()
	defer h.disconnect(conn)

	roomID, err := h.rooms.JoinBatchRoom(conn)
	if err != nil {
		h.logger.Error("batch room join failed", zap.String("user_id", identity.UserID), zap.String("batch", identity.BatchKey()), zap.Error(err))
		return
	}
	conn.Deliver(presence.Event{Name: presence.EventConnected, Data: connectedPayload{
		RoomID: roomID,
		User:   users.Summary{UserID: identity.UserID, FirstName: h.profiles.FirstName(ctx, identity.UserID)},
	}})
	if err := h.sendHistory(ctx, conn, roomID, 0); err != nil {
		sendError(conn, "Message history unavailable")
	}

	socket := conn.socket
	socket.SetReadLimit(maxInboundBytes)
	if err := socket.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket closed unexpectedly", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(conn, data)
	}
}

func (h *realtimeHandler) disconnect(conn *wsConnection) {
	vacated := h.registry.Unregister(conn.ID())
	metrics.ConnectionsActive.Dec()
	conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	h.rooms.Disconnected(ctx, vacated)
}

// dispatch handles one inbound event. Failures are reported to the acting
// connection only.
func (h *realtimeHandler) dispatch(conn *wsConnection, data []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("event handler panicked", zap.String("connection_id", conn.ID()), zap.Any("panic", recovered))
			sendError(conn, "Something went wrong")
		}
	}()

	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
		sendError(conn, "Malformed event")
		return
	}
	ctx, cancel := context.WithTimeout(conn.ctx, eventTimeout)
	defer cancel()

	var err error
	switch envelope.Event {
	case inboundSendMessage:
		var payload sendMessagePayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			_, err = h.rooms.RouteMessage(ctx, conn, payload.Content)
		}
	case inboundGetMessages:
		var payload getMessagesPayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			identity := conn.Identity()
			err = h.sendHistory(ctx, conn, rooms.ResolveBatchRoom(identity.Year, identity.Branch), payload.Limit)
		}
	case inboundTyping:
		var payload typingPayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			h.relayTyping(ctx, conn, payload.IsTyping)
		}
	case inboundJoinChannel:
		var payload channelPayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			var snapshot rooms.ChannelSnapshot
			snapshot, err = h.rooms.JoinChannel(ctx, conn, strings.TrimSpace(payload.ChannelID))
			if err == nil {
				conn.Deliver(presence.Event{Name: presence.EventChannelJoined, Data: snapshot})
			}
		}
	case inboundLeaveChannel:
		var payload channelPayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			channelID := strings.TrimSpace(payload.ChannelID)
			if err = h.rooms.LeaveChannel(ctx, conn, channelID); err == nil {
				conn.Deliver(presence.Event{Name: presence.EventChannelLeft, Data: channelPayload{ChannelID: channelID}})
			}
		}
	case inboundSendChannelMessage:
		var payload channelMessagePayload
		if err = decodeData(envelope.Data, &payload); err == nil {
			_, err = h.rooms.RouteChannelMessage(ctx, conn, payload.ChannelID, payload.Content)
		}
	default:
		err = errUnknownEvent
	}
	if err != nil {
		h.logEventFailure(conn, envelope.Event, err)
		sendError(conn, clientMessage(err))
	}
}

func (h *realtimeHandler) sendHistory(ctx context.Context, conn *wsConnection, roomID string, limit int) error {
	messages, err := h.rooms.History(ctx, roomID, limit)
	if err != nil {
		return err
	}
	conn.Deliver(presence.Event{Name: presence.EventMessageHistory, Data: historyPayload{RoomID: roomID, Messages: messages}})
	return nil
}

func (h *realtimeHandler) relayTyping(ctx context.Context, conn *wsConnection, isTyping bool) {
	identity := conn.Identity()
	payload := userTypingPayload{
		UserID:    identity.UserID,
		FirstName: h.profiles.FirstName(ctx, identity.UserID),
		IsTyping:  isTyping,
	}
	roomID := rooms.ResolveBatchRoom(identity.Year, identity.Branch)
	h.registry.Broadcast(roomID, presence.Event{Name: presence.EventUserTyping, Data: payload}, conn.ID())
}

func (h *realtimeHandler) logEventFailure(conn *wsConnection, event string, err error) {
	fields := []zap.Field{
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().UserID),
		zap.String("batch", conn.Identity().BatchKey()),
		zap.String("event", event),
		zap.Error(err),
	}
	if isClientError(err) {
		h.logger.Info("event rejected", fields...)
		return
	}
	h.logger.Warn("event failed", fields...)
}

func decodeData(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errMalformedEvent
	}
	return nil
}

func sendError(conn presence.Conn, message string) {
	conn.Deliver(presence.Event{Name: presence.EventError, Data: errorPayload{Message: message}})
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, rooms.ErrRateLimited):
		return "Rate limit exceeded. Please slow down."
	case errors.Is(err, rooms.ErrEmptyContent):
		return "Message content cannot be empty"
	case errors.Is(err, rooms.ErrContentTooLong):
		return "Message is too long"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return "Channel not found"
	case errors.Is(err, rooms.ErrNotAMember):
		return "Join the channel before sending messages"
	case errors.Is(err, errMalformedEvent):
		return "Malformed event"
	case errors.Is(err, errUnknownEvent):
		return "Unknown event"
	default:
		return "Message could not be delivered"
	}
}

func isClientError(err error) bool {
	for _, expected := range []error{
		rooms.ErrRateLimited,
		rooms.ErrEmptyContent,
		rooms.ErrContentTooLong,
		rooms.ErrRoomNotFound,
		rooms.ErrNotAMember,
		errMalformedEvent,
		errUnknownEvent,
	} {
		if errors.Is(err, expected) {
			return true
		}
	}
	return false
}

func logTokenFailure(logger *zap.Logger, message string, err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		logger.Info(message, zap.Error(err))
		return
	}
	logger.Warn(message, zap.Error(err))
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
