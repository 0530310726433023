// Package notifications persists notices and fans them out to live
// connections and browser push endpoints.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/keylock"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPushConcurrency = 4
	defaultPushTimeout     = 10 * time.Second
	defaultLinkBaseURL     = "/"
	pushTitle              = "Batchline"

	operationNotify      = "notifications.notify"
	operationList        = "notifications.list"
	operationMarkRead    = "notifications.mark_read"
	operationSubscribe   = "notifications.subscribe"
	operationUnsubscribe = "notifications.unsubscribe"
	operationPush        = "notifications.push"
)

// LiveDelivery pushes events to a user's live connections.
type LiveDelivery interface {
	SendToUser(userID string, event presence.Event) int
}

// Directory resolves display names.
type Directory interface {
	FirstName(ctx context.Context, userID string) string
}

// ServiceConfig wires the fan-out service. LinkBaseURL prefixes the resource
// id in the url of push payloads.
type ServiceConfig struct {
	Store           *Store
	Live            LiveDelivery
	Directory       Directory
	Push            PushSender
	PushConcurrency int
	PushTimeout     time.Duration
	LinkBaseURL     string
	Logger          *zap.Logger
}

// Service deduplicates, persists and delivers notifications.
type Service struct {
	store           *Store
	live            LiveDelivery
	directory       Directory
	push            PushSender
	pushConcurrency int
	pushTimeout     time.Duration
	linkBaseURL     string
	dedupeLocks     *keylock.Striped
	logger          *zap.Logger
}

// NewService constructs the fan-out service. A nil Push disables offline delivery.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Live == nil {
		return nil, errMissingLiveDelivery
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	concurrency := cfg.PushConcurrency
	if concurrency <= 0 {
		concurrency = defaultPushConcurrency
	}
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	linkBaseURL := strings.TrimSpace(cfg.LinkBaseURL)
	if linkBaseURL == "" {
		linkBaseURL = defaultLinkBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:           cfg.Store,
		live:            cfg.Live,
		directory:       cfg.Directory,
		push:            cfg.Push,
		pushConcurrency: concurrency,
		pushTimeout:     timeout,
		linkBaseURL:     linkBaseURL,
		dedupeLocks:     keylock.New(0),
		logger:          logger,
	}, nil
}

// Notify persists and delivers a notification. It reports false without error
// when the request targets the actor or duplicates an unread upvote notice.
func (s *Service) Notify(ctx context.Context, request Request) (Payload, bool, error) {
	request.RecipientID = strings.TrimSpace(request.RecipientID)
	request.ActorID = strings.TrimSpace(request.ActorID)
	if request.RecipientID == "" || request.ActorID == "" || request.Kind == "" {
		return Payload{}, false, ErrInvalidRequest
	}
	if request.RecipientID == request.ActorID {
		metrics.NotificationsSuppressed.WithLabelValues("self").Inc()
		return Payload{}, false, nil
	}

	dedupe := request.Kind == KindUpvote && request.ResourceID != nil
	notification, created, err := s.persist(ctx, request, dedupe)
	if err != nil {
		s.logError(operationNotify, "persist_failed", err, zap.String("recipient_id", request.RecipientID))
		return Payload{}, false, serviceerr.New(operationNotify, "persist_failed", err)
	}
	if !created {
		metrics.NotificationsSuppressed.WithLabelValues("duplicate").Inc()
		return Payload{}, false, nil
	}
	metrics.NotificationsCreated.WithLabelValues(string(request.Kind)).Inc()

	payload := Payload{
		ID:         notification.ID,
		Type:       notification.Kind,
		Message:    notification.Message,
		ResourceID: notification.ResourceID,
		IsRead:     notification.IsRead,
		CreatedAt:  notification.CreatedAt,
		Actor: users.Summary{
			UserID:    notification.ActorID,
			FirstName: s.directory.FirstName(ctx, notification.ActorID),
		},
	}
	s.live.SendToUser(notification.RecipientID, presence.Event{Name: presence.EventNotification, Data: payload})
	s.deliverPush(ctx, notification.RecipientID, payload)
	return payload, true, nil
}

func (s *Service) persist(ctx context.Context, request Request, dedupe bool) (Notification, bool, error) {
	if dedupe {
		unlock := s.dedupeLocks.Lock(dedupeKey(request))
		defer unlock()
	}
	return s.store.Create(ctx, request, dedupe)
}

// deliverPush sends to every subscription of the recipient concurrently.
// Gone subscriptions are deleted; other failures are logged.
func (s *Service) deliverPush(ctx context.Context, recipientID string, payload Payload) {
	if s.push == nil {
		return
	}
	subscriptions, err := s.store.Subscriptions(ctx, recipientID)
	if err != nil {
		s.logError(operationPush, "list_failed", err, zap.String("recipient_id", recipientID))
		return
	}
	if len(subscriptions) == 0 {
		return
	}
	body, err := json.Marshal(pushMessage{
		Title:   pushTitle,
		Message: payload.Message,
		URL:     s.linkFor(payload.ResourceID),
	})
	if err != nil {
		s.logError(operationPush, "encode_failed", err)
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()
	group, groupCtx := errgroup.WithContext(pushCtx)
	group.SetLimit(s.pushConcurrency)
	for _, subscription := range subscriptions {
		subscription := subscription
		group.Go(func() error {
			s.sendOne(groupCtx, subscription, body)
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Service) sendOne(ctx context.Context, subscription PushSubscription, body []byte) {
	err := s.push.Send(ctx, subscription, body)
	switch {
	case err == nil:
		metrics.PushDeliveries.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrSubscriptionGone):
		metrics.PushDeliveries.WithLabelValues("gone").Inc()
		if deleteErr := s.store.DeleteSubscriptionByID(ctx, subscription.ID); deleteErr != nil {
			s.logError(operationPush, "prune_failed", deleteErr, zap.String("subscription_id", subscription.ID))
			return
		}
		s.logger.Info("push subscription pruned",
			zap.String("subscription_id", subscription.ID),
			zap.String("user_id", subscription.UserID))
	default:
		metrics.PushDeliveries.WithLabelValues("failed").Inc()
		s.logger.Warn("push delivery failed",
			zap.String("subscription_id", subscription.ID),
			zap.String("user_id", subscription.UserID),
			zap.Error(err))
	}
}

// List returns the recipient's latest notifications with actor names.
func (s *Service) List(ctx context.Context, recipientID string, limit int) ([]Payload, error) {
	notifications, err := s.store.List(ctx, recipientID, limit)
	if err != nil {
		s.logError(operationList, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, serviceerr.New(operationList, "query_failed", err)
	}
	payloads := make([]Payload, 0, len(notifications))
	for _, notification := range notifications {
		payloads = append(payloads, Payload{
			ID:         notification.ID,
			Type:       notification.Kind,
			Message:    notification.Message,
			ResourceID: notification.ResourceID,
			IsRead:     notification.IsRead,
			CreatedAt:  notification.CreatedAt,
			Actor: users.Summary{
				UserID:    notification.ActorID,
				FirstName: s.directory.FirstName(ctx, notification.ActorID),
			},
		})
	}
	return payloads, nil
}

// MarkRead dismisses one notification.
func (s *Service) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	if err := s.store.MarkRead(ctx, recipientID, notificationID); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			return err
		}
		s.logError(operationMarkRead, "update_failed", err, zap.String("notification_id", notificationID))
		return serviceerr.New(operationMarkRead, "update_failed", err)
	}
	return nil
}

// MarkAllRead dismisses every unread notification of the recipient.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	updated, err := s.store.MarkAllRead(ctx, recipientID)
	if err != nil {
		s.logError(operationMarkRead, "update_failed", err, zap.String("recipient_id", recipientID))
		return 0, serviceerr.New(operationMarkRead, "update_failed", err)
	}
	return updated, nil
}

// Subscribe registers a push endpoint for the user.
func (s *Service) Subscribe(ctx context.Context, subscription PushSubscription) (PushSubscription, error) {
	stored, err := s.store.SaveSubscription(ctx, subscription)
	if err != nil {
		if errors.Is(err, ErrInvalidSubscription) {
			return PushSubscription{}, err
		}
		s.logError(operationSubscribe, "persist_failed", err, zap.String("user_id", subscription.UserID))
		return PushSubscription{}, serviceerr.New(operationSubscribe, "persist_failed", err)
	}
	return stored, nil
}

// Unsubscribe removes the user's push endpoint.
func (s *Service) Unsubscribe(ctx context.Context, userID, endpoint string) (bool, error) {
	removed, err := s.store.DeleteSubscription(ctx, userID, endpoint)
	if err != nil {
		s.logError(operationUnsubscribe, "delete_failed", err, zap.String("user_id", userID))
		return false, serviceerr.New(operationUnsubscribe, "delete_failed", err)
	}
	return removed, nil
}

// PushEnabled reports whether offline delivery is configured.
func (s *Service) PushEnabled() bool {
	return s.push != nil
}

// linkFor returns the page a push click opens: the base for notices without a
// resource, otherwise the base joined with the escaped resource id.
func (s *Service) linkFor(resourceID *string) string {
	if resourceID == nil || strings.TrimSpace(*resourceID) == "" {
		return s.linkBaseURL
	}
	return strings.TrimRight(s.linkBaseURL, "/") + "/" + url.PathEscape(*resourceID)
}

func dedupeKey(request Request) string {
	resourceID := ""
	if request.ResourceID != nil {
		resourceID = *request.ResourceID
	}
	return strings.Join([]string{request.RecipientID, request.ActorID, string(request.Kind), resourceID}, "|")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("notification operation failed", allFields...)
}
