package rooms

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// StoreConfig wires the gorm-backed room and message store.
type StoreConfig struct {
	Database   *gorm.DB
	MessageIDs ids.Provider
	ChannelIDs ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store persists channels and messages.
type Store struct {
	db         *gorm.DB
	messageIDs ids.Provider
	channelIDs ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.MessageIDs == nil || cfg.ChannelIDs == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		messageIDs: cfg.MessageIDs,
		channelIDs: cfg.ChannelIDs,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SaveMessage assigns an id and timestamp and persists the message.
func (s *Store) SaveMessage(ctx context.Context, draft MessageDraft) (Message, error) {
	messageID, err := s.messageIDs.NewID()
	if err != nil {
		return Message{}, err
	}
	message := Message{
		ID:        messageID,
		RoomID:    draft.RoomID,
		SenderID:  draft.SenderID,
		Content:   draft.Content,
		BatchYear: draft.Year,
		Branch:    draft.Branch,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}
	return message, nil
}

// RecentMessages returns up to limit messages of the room, oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	limit = clampHistoryLimit(limit)
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("message_id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// CreateChannel persists a new channel.
func (s *Store) CreateChannel(ctx context.Context, draft ChannelDraft) (Channel, error) {
	normalized, err := draft.normalized()
	if err != nil {
		return Channel{}, err
	}
	channelID, err := s.channelIDs.NewID()
	if err != nil {
		return Channel{}, err
	}
	now := s.clock().UTC()
	channel := Channel{
		ID:             channelID,
		Name:           normalized.Name,
		Description:    normalized.Description,
		OwnerID:        normalized.OwnerID,
		IsDefault:      normalized.IsDefault,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Channel{}).Where("LOWER(name) = ?", strings.ToLower(channel.Name)).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrChannelNameTaken
		}
		return tx.Create(&channel).Error
	})
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// GetChannel loads a channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var channel Channel
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, ErrRoomNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// ListChannels returns every channel, defaults first.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := s.db.WithContext(ctx).
		Order("is_default DESC").
		Order("name ASC").
		Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// TouchChannel records activity on the channel.
func (s *Store) TouchChannel(ctx context.Context, channelID string) error {
	result := s.db.WithContext(ctx).
		Model(&Channel{}).
		Where("channel_id = ?", channelID).
		Update("last_activity_at", s.clock().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// DeleteChannel removes a non-default channel and its messages. It reports
// false when nothing eligible was deleted.
func (s *Store) DeleteChannel(ctx context.Context, channelID string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("channel_id = ? AND is_default = ?", channelID, false).Delete(&Channel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("room_id = ?", channelID).Delete(&Message{}).Error
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// ListIdleChannels returns non-default channels created and last active before cutoff.
func (s *Store) ListIdleChannels(ctx context.Context, cutoff time.Time) ([]Channel, error) {
	var channels []Channel
	if err := s.db.WithContext(ctx).
		Where("is_default = ? AND created_at < ? AND last_activity_at < ?", false, cutoff.UTC(), cutoff.UTC()).
		Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// ListReclaimableChannels returns every non-default channel.
func (s *Store) ListReclaimableChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := s.db.WithContext(ctx).Where("is_default = ?", false).Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
