package rooms

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/keylock"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	"go.uber.org/zap"
)

const (
	DefaultMaxContentLength = 4000

	operationRouteMessage  = "rooms.route_message"
	operationHistory       = "rooms.history"
	operationCreateChannel = "rooms.create_channel"
	operationJoinChannel   = "rooms.join_channel"
	operationLeaveChannel  = "rooms.leave_channel"
	operationListChannels  = "rooms.list_channels"
	roomKindBatch          = "batch"
	roomKindChannel        = "channel"
	operationNotifyMention = "rooms.notify_mention"
	batchRoomLabel         = "your batch room"
)

var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_]+)`)

// MessageStore persists and reads room messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, draft MessageDraft) (Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// ChannelStore persists community rooms.
type ChannelStore interface {
	CreateChannel(ctx context.Context, draft ChannelDraft) (Channel, error)
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	TouchChannel(ctx context.Context, channelID string) error
}

// Directory resolves display names.
type Directory interface {
	FirstName(ctx context.Context, userID string) string
	Summaries(ctx context.Context, userIDs []string) []users.Summary
}

// Limiter admits or denies a user's next message.
type Limiter interface {
	Allow(userID string) bool
}

// Notifier delivers mention notifications.
type Notifier interface {
	Notify(ctx context.Context, request notifications.Request) (notifications.Payload, bool, error)
}

// Config wires the router. A nil Notifier disables mention notifications.
type Config struct {
	Messages         MessageStore
	Channels         ChannelStore
	Registry         *presence.Registry
	Limiter          Limiter
	Directory        Directory
	Notifier         Notifier
	MaxContentLength int
	Logger           *zap.Logger
}

// Router assigns connections to rooms and routes their messages.
type Router struct {
	messages         MessageStore
	channels         ChannelStore
	registry         *presence.Registry
	limiter          Limiter
	directory        Directory
	notifier         Notifier
	maxContentLength int
	roomLocks        *keylock.Keyed
	logger           *zap.Logger
}

// NewRouter validates cfg and constructs a Router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Messages == nil {
		return nil, errors.New("rooms: message store required")
	}
	if cfg.Channels == nil {
		return nil, errors.New("rooms: channel store required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("rooms: presence registry required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("rooms: rate limiter required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("rooms: directory required")
	}
	maxLength := cfg.MaxContentLength
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		messages:         cfg.Messages,
		channels:         cfg.Channels,
		registry:         cfg.Registry,
		limiter:          cfg.Limiter,
		directory:        cfg.Directory,
		notifier:         cfg.Notifier,
		maxContentLength: maxLength,
		roomLocks:        keylock.NewKeyed(),
		logger:           logger,
	}, nil
}

// JoinBatchRoom places a registered connection into its batch room.
func (r *Router) JoinBatchRoom(conn presence.Conn) (string, error) {
	identity := conn.Identity()
	roomID := ResolveBatchRoom(identity.Year, identity.Branch)
	if _, err := r.registry.JoinRoom(conn.ID(), presence.RoomRef{ID: roomID}); err != nil {
		return "", err
	}
	return roomID, nil
}

// RouteMessage persists content into the sender's batch room and broadcasts
// it to every connection in that room, the sender included.
func (r *Router) RouteMessage(ctx context.Context, conn presence.Conn, content string) (MessagePayload, error) {
	identity := conn.Identity()
	roomID := ResolveBatchRoom(identity.Year, identity.Branch)
	return r.route(ctx, conn, roomID, content, roomKindBatch)
}

// RouteChannelMessage persists content into a community room the connection
// has joined and broadcasts it.
func (r *Router) RouteChannelMessage(ctx context.Context, conn presence.Conn, channelID, content string) (MessagePayload, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || IsBatchRoom(channelID) {
		return MessagePayload{}, ErrRoomNotFound
	}
	payload, err := r.route(ctx, conn, channelID, content, roomKindChannel)
	if err != nil {
		return MessagePayload{}, err
	}
	if touchErr := r.channels.TouchChannel(ctx, channelID); touchErr != nil {
		r.logError(operationRouteMessage, "touch_failed", touchErr, zap.String("room_id", channelID))
	}
	return payload, nil
}

func (r *Router) route(ctx context.Context, conn presence.Conn, roomID, content, kind string) (MessagePayload, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		metrics.MessagesRejected.WithLabelValues("empty").Inc()
		return MessagePayload{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > r.maxContentLength {
		metrics.MessagesRejected.WithLabelValues("too_long").Inc()
		return MessagePayload{}, ErrContentTooLong
	}
	if !r.registry.IsMember(conn.ID(), roomID) {
		metrics.MessagesRejected.WithLabelValues("not_member").Inc()
		return MessagePayload{}, ErrNotAMember
	}
	identity := conn.Identity()
	if !r.limiter.Allow(identity.UserID) {
		metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		r.logger.Info("message rate limited", zap.String("user_id", identity.UserID), zap.String("room_id", roomID))
		return MessagePayload{}, ErrRateLimited
	}
	sender := users.Summary{UserID: identity.UserID, FirstName: r.directory.FirstName(ctx, identity.UserID)}

	payload, err := r.persistAndBroadcast(ctx, identity, sender, roomID, trimmed, kind)
	if err != nil {
		return MessagePayload{}, err
	}
	metrics.MessagesRouted.WithLabelValues(kind).Inc()
	r.notifyMentions(ctx, roomID, kind, sender, trimmed)
	return payload, nil
}

// persistAndBroadcast holds the room's lock so broadcast order matches
// persisted order within the room.
func (r *Router) persistAndBroadcast(ctx context.Context, identity auth.Identity, sender users.Summary, roomID, content, kind string) (MessagePayload, error) {
	unlock := r.roomLocks.Lock(roomID)
	defer unlock()

	message, err := r.messages.SaveMessage(ctx, MessageDraft{
		RoomID:   roomID,
		SenderID: identity.UserID,
		Content:  content,
		Year:     identity.Year,
		Branch:   identity.Branch,
	})
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("persist_failed").Inc()
		r.logError(operationRouteMessage, "persist_failed", err, zap.String("room_id", roomID), zap.String("user_id", identity.UserID), zap.String("batch", identity.BatchKey()))
		return MessagePayload{}, serviceerr.New(operationRouteMessage, "persist_failed", err)
	}

	payload := messagePayload(message, sender)
	eventName := presence.EventNewMessage
	if kind == roomKindChannel {
		eventName = presence.EventNewChannelMessage
	}
	r.registry.Broadcast(roomID, presence.Event{Name: eventName, Data: payload}, "")
	return payload, nil
}

// notifyMentions sends a mention notification to every other member of the
// room whose first name appears as an @name token in content.
func (r *Router) notifyMentions(ctx context.Context, roomID, kind string, sender users.Summary, content string) {
	if r.notifier == nil {
		return
	}
	mentioned := mentionedNames(content)
	if len(mentioned) == 0 {
		return
	}
	var label string
	for _, member := range r.directory.Summaries(ctx, r.registry.MembersOf(roomID)) {
		if member.UserID == sender.UserID {
			continue
		}
		if _, ok := mentioned[strings.ToLower(member.FirstName)]; !ok {
			continue
		}
		if label == "" {
			label = r.roomLabel(ctx, roomID, kind)
		}
		resourceID := roomID
		_, _, err := r.notifier.Notify(ctx, notifications.Request{
			RecipientID: member.UserID,
			ActorID:     sender.UserID,
			Kind:        notifications.KindMention,
			Message:     sender.FirstName + " mentioned you in " + label,
			ResourceID:  &resourceID,
		})
		if err != nil {
			r.logError(operationNotifyMention, "notify_failed", err, zap.String("room_id", roomID), zap.String("recipient_id", member.UserID))
		}
	}
}

func (r *Router) roomLabel(ctx context.Context, roomID, kind string) string {
	if kind != roomKindChannel {
		return batchRoomLabel
	}
	channel, err := r.channels.GetChannel(ctx, roomID)
	if err != nil {
		return roomID
	}
	return "#" + channel.Name
}

func mentionedNames(content string) map[string]struct{} {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	names := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		names[strings.ToLower(match[1])] = struct{}{}
	}
	return names
}

// History returns up to limit recent messages of the room, oldest first.
func (r *Router) History(ctx context.Context, roomID string, limit int) ([]MessagePayload, error) {
	messages, err := r.messages.RecentMessages(ctx, roomID, limit)
	if err != nil {
		r.logError(operationHistory, "query_failed", err, zap.String("room_id", roomID))
		return nil, serviceerr.New(operationHistory, "query_failed", err)
	}
	senderIDs := make([]string, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, message := range messages {
		if _, ok := seen[message.SenderID]; ok {
			continue
		}
		seen[message.SenderID] = struct{}{}
		senderIDs = append(senderIDs, message.SenderID)
	}
	names := make(map[string]users.Summary, len(senderIDs))
	for _, summary := range r.directory.Summaries(ctx, senderIDs) {
		names[summary.UserID] = summary
	}
	payloads := make([]MessagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload(message, names[message.SenderID]))
	}
	return payloads, nil
}

func messagePayload(message Message, sender users.Summary) MessagePayload {
	payload := MessagePayload{
		ID:        message.ID,
		Content:   message.Content,
		RoomID:    message.RoomID,
		Sender:    sender,
		CreatedAt: message.CreatedAt,
	}
	if !IsBatchRoom(message.RoomID) {
		payload.ChannelID = message.RoomID
	}
	return payload
}

func (r *Router) logError(operation, reason string, err error, fields ...zap.Field) {
	if r.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	r.logger.Error("room operation failed", allFields...)
}
