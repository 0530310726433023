package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/rooms"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedDefaultChannels = "2026-01-12_seed_default_channels"

	systemOwnerID = "system"
)

type defaultChannel struct {
	name        string
	description string
}

var defaultChannels = []defaultChannel{
	{name: "general", description: "Campus-wide conversation"},
	{name: "announcements", description: "Official updates"},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultChannels, apply: seedDefaultChannels},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedDefaultChannels(db *gorm.DB) error {
	now := time.Now().UTC()
	return db.Transaction(func(tx *gorm.DB) error {
		for _, channel := range defaultChannels {
			var existing int64
			if err := tx.Model(&rooms.Channel{}).Where("name = ?", channel.name).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				if err := tx.Model(&rooms.Channel{}).Where("name = ?", channel.name).Update("is_default", true).Error; err != nil {
					return err
				}
				continue
			}
			channelID, err := uuid.NewV7()
			if err != nil {
				return err
			}
			record := rooms.Channel{
				ID:             channelID.String(),
				Name:           channel.name,
				Description:    channel.description,
				OwnerID:        systemOwnerID,
				IsDefault:      true,
				CreatedAt:      now,
				LastActivityAt: now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
