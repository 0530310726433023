package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// StoreConfig wires the gorm-backed notification store.
type StoreConfig struct {
	Database *gorm.DB
	IDs      ids.Provider
	Clock    func() time.Time
}

// Store persists notifications and push subscriptions.
type Store struct {
	db    *gorm.DB
	ids   ids.Provider
	clock func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDs == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, ids: cfg.IDs, clock: clock}, nil
}

// Create persists the notification. With dedupe set it reports false instead
// when an unread notification for the same recipient, actor, kind and resource exists.
func (s *Store) Create(ctx context.Context, request Request, dedupe bool) (Notification, bool, error) {
	notificationID, err := s.ids.NewID()
	if err != nil {
		return Notification{}, false, err
	}
	notification := Notification{
		ID:          notificationID,
		RecipientID: request.RecipientID,
		ActorID:     request.ActorID,
		Kind:        request.Kind,
		Message:     request.Message,
		ResourceID:  request.ResourceID,
		CreatedAt:   s.clock().UTC(),
	}
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupe && request.ResourceID != nil {
			var existing int64
			if err := tx.Model(&Notification{}).
				Where("recipient_id = ? AND actor_id = ? AND kind = ? AND resource_id = ? AND is_read = ?",
					request.RecipientID, request.ActorID, request.Kind, *request.ResourceID, false).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return nil
			}
		}
		if err := tx.Create(&notification).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Notification{}, false, err
	}
	if !created {
		return Notification{}, false, nil
	}
	return notification, true, nil
}

// List returns the recipient's latest notifications, newest first.
func (s *Store) List(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

// MarkRead flags one of the recipient's notifications as read.
func (s *Store) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var existing int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			return ErrNotificationNotFound
		}
	}
	return nil
}

// MarkAllRead flags every unread notification of the recipient and returns how many changed.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

// SaveSubscription upserts a push subscription by endpoint.
func (s *Store) SaveSubscription(ctx context.Context, subscription PushSubscription) (PushSubscription, error) {
	subscription.UserID = strings.TrimSpace(subscription.UserID)
	subscription.Endpoint = strings.TrimSpace(subscription.Endpoint)
	if subscription.UserID == "" || subscription.Endpoint == "" || subscription.P256dh == "" || subscription.Auth == "" {
		return PushSubscription{}, ErrInvalidSubscription
	}
	subscriptionID, err := s.ids.NewID()
	if err != nil {
		return PushSubscription{}, err
	}
	subscription.ID = subscriptionID
	subscription.CreatedAt = s.clock().UTC()
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth"}),
		}).
		Create(&subscription).Error
	if err != nil {
		return PushSubscription{}, err
	}
	var stored PushSubscription
	if err := s.db.WithContext(ctx).Where("endpoint = ?", subscription.Endpoint).Take(&stored).Error; err != nil {
		return PushSubscription{}, err
	}
	return stored, nil
}

// Subscriptions returns every push subscription of the user.
func (s *Store) Subscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	var subscriptions []PushSubscription
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// DeleteSubscription removes the user's subscription for endpoint.
func (s *Store) DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, strings.TrimSpace(endpoint)).
		Delete(&PushSubscription{})
	return result.RowsAffected > 0, result.Error
}

// DeleteSubscriptionByID removes one subscription.
func (s *Store) DeleteSubscriptionByID(ctx context.Context, subscriptionID string) error {
	return s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&PushSubscription{}).Error
}
