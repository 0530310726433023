package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
)

const (
	batchRoomPrefix      = "batch_"
	maxChannelNameLength = 120
	maxDescriptionLength = 500
)

var (
	ErrEmptyContent      = errors.New("rooms: message content is empty")
	ErrContentTooLong    = errors.New("rooms: message content too long")
	ErrRateLimited       = errors.New("rooms: rate limit exceeded")
	ErrRoomNotFound      = errors.New("rooms: room not found")
	ErrNotAMember        = errors.New("rooms: not a member of room")
	ErrInvalidChannel    = errors.New("rooms: invalid channel")
	ErrChannelNameTaken  = errors.New("rooms: channel name already taken")
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ResolveBatchRoom returns the id of the always-present room for (year, branch).
func ResolveBatchRoom(year int, branch string) string {
	return fmt.Sprintf("%s%d_%s", batchRoomPrefix, year, strings.ToLower(strings.TrimSpace(branch)))
}

// IsBatchRoom reports whether roomID names a batch room.
func IsBatchRoom(roomID string) bool {
	return strings.HasPrefix(roomID, batchRoomPrefix)
}

// Channel is a user-created community room. Whether anyone is joined lives
// only in the presence registry.
type Channel struct {
	ID             string    `gorm:"column:channel_id;primaryKey;size:64;not null"`
	Name           string    `gorm:"column:name;size:120;not null;uniqueIndex"`
	Description    string    `gorm:"column:description;size:500;not null;default:''"`
	OwnerID        string    `gorm:"column:owner_id;size:190;not null"`
	IsDefault      bool      `gorm:"column:is_default;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Channel) TableName() string {
	return "channels"
}

// Message is a persisted room message. IDs are ULIDs, so ordering by id is
// ordering by persistence.
type Message struct {
	ID        string    `gorm:"column:message_id;primaryKey;size:26;not null;index:idx_messages_room,priority:2"`
	RoomID    string    `gorm:"column:room_id;size:190;not null;index:idx_messages_room,priority:1"`
	SenderID  string    `gorm:"column:sender_id;size:190;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	BatchYear int       `gorm:"column:batch_year;not null"`
	Branch    string    `gorm:"column:batch_branch;size:32;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageDraft is the input to persistence.
type MessageDraft struct {
	RoomID   string
	SenderID string
	Content  string
	Year     int
	Branch   string
}

// ChannelDraft is the input to channel creation.
type ChannelDraft struct {
	Name        string
	Description string
	OwnerID     string
	IsDefault   bool
}

func (d ChannelDraft) normalized() (ChannelDraft, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.OwnerID = strings.TrimSpace(d.OwnerID)
	if d.Name == "" || len(d.Name) > maxChannelNameLength {
		return ChannelDraft{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidChannel, maxChannelNameLength)
	}
	if len(d.Description) > maxDescriptionLength {
		return ChannelDraft{}, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidChannel, maxDescriptionLength)
	}
	if d.OwnerID == "" {
		return ChannelDraft{}, fmt.Errorf("%w: owner required", ErrInvalidChannel)
	}
	return d, nil
}

// MessagePayload is the outbound shape of a persisted message.
type MessagePayload struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	RoomID    string        `json:"roomId"`
	ChannelID string        `json:"channelId,omitempty"`
	Sender    users.Summary `json:"sender"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ChannelPayload is the outbound shape of a channel.
type ChannelPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	IsDefault   bool      `json:"isDefault"`
	Members     int       `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChannelSnapshot is what a connection receives after joining a channel.
type ChannelSnapshot struct {
	ChannelID   string           `json:"channelId"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Members     []users.Summary  `json:"members"`
	Messages    []MessagePayload `json:"messages"`
}

// MemberListPayload is broadcast after channel membership changes.
type MemberListPayload struct {
	ChannelID string          `json:"channelId"`
	Members   []users.Summary `json:"members"`
}
