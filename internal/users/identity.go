package users

import (
	"strings"
	"time"
)

// Profile is the directory row for a platform member. Registration owns the
// row; this service reads names and keeps batch and karma current.
type Profile struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FirstName  string    `gorm:"column:first_name;size:120"`
	LastName   string    `gorm:"column:last_name;size:120"`
	Role       string    `gorm:"column:role;size:32"`
	BatchYear  int       `gorm:"column:batch_year;index:idx_profiles_batch,priority:1"`
	Branch     string    `gorm:"column:batch_branch;size:32;index:idx_profiles_batch,priority:2"`
	Karma      int64     `gorm:"column:karma;not null;default:0"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Summary is the minimal identity echo attached to outbound events.
type Summary struct {
	UserID    string `json:"id"`
	FirstName string `json:"firstName"`
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
