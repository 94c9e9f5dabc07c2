package store

import (
	"time"
)

// Activity is a normalized record of a single provider event. The
// (user_id, source, external_id) tuple is unique: re-observing the same
// provider event updates the stored row instead of duplicating it.
type Activity struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID     string `gorm:"index;uniqueIndex:idx_activity_key,priority:1"`
	Source     string `gorm:"uniqueIndex:idx_activity_key,priority:2"`
	ExternalID string `gorm:"uniqueIndex:idx_activity_key,priority:3"`

	EventType   string `gorm:"index"`
	Title       string
	Description string
	RepoID      int64 `gorm:"index"`
	RepoName    string
	Actor       string
	OccurredAt  time.Time `gorm:"index"`
	Raw         []byte    // Raw provider payload JSON
}

// SelectedRepo is a repository a user has opted into tracking. Only events
// belonging to a selected repo are persisted as activities.
type SelectedRepo struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID  string `gorm:"index;uniqueIndex:idx_selected_repo,priority:1"`
	RepoID  int64  `gorm:"uniqueIndex:idx_selected_repo,priority:2"`
	Name    string // owner/name
	Owner   string
	URL     string
	Private bool
}

// Connection holds a user's provider credentials. At most one connection
// exists per (user, provider); reconnecting upserts the row.
type Connection struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID       string `gorm:"index;uniqueIndex:idx_connection,priority:1"`
	Provider     string `gorm:"uniqueIndex:idx_connection,priority:2"`
	Login        string // provider-native account login
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CacheEntry is the durable tier of the result cache. CapturedAt on the
// stored row is authoritative for TTL checks across processes.
type CacheEntry struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Key        string `gorm:"uniqueIndex"`
	UserID     string `gorm:"index"`
	Value      []byte
	CapturedAt time.Time
	TTLSeconds int64
}

// Expired reports whether the entry's TTL has lapsed at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.CapturedAt) >= time.Duration(e.TTLSeconds)*time.Second
}
