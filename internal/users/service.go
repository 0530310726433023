package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves display names and records presence-time profile updates.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	names  sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Touch records that the identity just connected, creating a bare profile when
// registration has not produced one yet.
func (s *Service) Touch(ctx context.Context, identity auth.Identity) error {
	userID := normalize(identity.UserID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	profile := Profile{
		UserID:     userID,
		Role:       normalize(identity.Role),
		BatchYear:  identity.Year,
		Branch:     normalize(identity.Branch),
		LastSeenAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "batch_year", "batch_branch", "last_seen_at"}),
		}).
		Create(&profile).Error
}

// Lookup returns the stored profile for userID.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if err != nil {
		return Profile{}, err
	}
	if profile.FirstName != "" {
		s.names.Store(profile.UserID, profile.FirstName)
	}
	return profile, nil
}

// FirstName returns the cached display name, falling back to the user id.
func (s *Service) FirstName(ctx context.Context, userID string) string {
	if cached, ok := s.names.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name
		}
	}
	profile, err := s.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return userID
	}
	if profile.FirstName == "" {
		return userID
	}
	return profile.FirstName
}

// Summaries resolves display names for each id, preserving order.
func (s *Service) Summaries(ctx context.Context, userIDs []string) []Summary {
	summaries := make([]Summary, 0, len(userIDs))
	for _, userID := range userIDs {
		summaries = append(summaries, Summary{UserID: userID, FirstName: s.FirstName(ctx, userID)})
	}
	return summaries
}

// AdjustKarma moves the author's karma inside the caller's transaction.
func AdjustKarma(tx *gorm.DB, userID string, delta int64) error {
	if delta == 0 || normalize(userID) == "" {
		return nil
	}
	return tx.Model(&Profile{}).
		Where("user_id = ?", userID).
		Update("karma", gorm.Expr("karma + ?", delta)).Error
}
