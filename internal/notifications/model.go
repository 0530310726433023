package notifications

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
)

// Kind classifies the domain event behind a notification.
type Kind string

const (
	KindReply   Kind = "reply"
	KindUpvote  Kind = "upvote"
	KindMention Kind = "mention"
)

var (
	ErrSubscriptionGone       = errors.New("notifications: push subscription gone")
	ErrNotificationNotFound   = errors.New("notifications: notification not found")
	ErrInvalidSubscription    = errors.New("notifications: invalid push subscription")
	ErrInvalidRequest         = errors.New("notifications: invalid notification request")
	errMissingDatabase        = errors.New("notifications: database handle is required")
	errMissingIDProvider      = errors.New("notifications: id provider is required")
	errMissingStore           = errors.New("notifications: store is required")
	errMissingLiveDelivery    = errors.New("notifications: live delivery is required")
	errMissingDirectory       = errors.New("notifications: directory is required")
	errMissingVAPIDKeys       = errors.New("notifications: vapid key pair is required")
	errMissingVAPIDSubscriber = errors.New("notifications: vapid subscriber is required")
)

// Notification is a persisted notice for one recipient.
type Notification struct {
	ID          string    `gorm:"column:notification_id;primaryKey;size:64;not null"`
	RecipientID string    `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient,priority:1"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null"`
	Kind        Kind      `gorm:"column:kind;size:32;not null"`
	Message     string    `gorm:"column:message;size:500;not null"`
	ResourceID  *string   `gorm:"column:resource_id;size:190"`
	IsRead      bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_notifications_recipient,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// PushSubscription is one browser push endpoint of a user.
type PushSubscription struct {
	ID        string    `gorm:"column:subscription_id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Endpoint  string    `gorm:"column:endpoint;size:1024;not null;uniqueIndex"`
	P256dh    string    `gorm:"column:p256dh;size:255;not null"`
	Auth      string    `gorm:"column:auth;size:255;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// Request describes a notification to fan out.
type Request struct {
	RecipientID string
	ActorID     string
	Kind        Kind
	Message     string
	ResourceID  *string
}

// Payload is the outbound shape of a notification.
type Payload struct {
	ID         string        `json:"id"`
	Type       Kind          `json:"type"`
	Message    string        `json:"message"`
	ResourceID *string       `json:"resourceId"`
	IsRead     bool          `json:"isRead"`
	CreatedAt  time.Time     `json:"createdAt"`
	Actor      users.Summary `json:"actor"`
}

// pushMessage is the body handed to the push service.
type pushMessage struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	URL     string `json:"url"`
}
