package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

// Store wraps the durable persistence layer for activities, repo
// selections, connections, and the durable cache tier.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

var tracer = otel.Tracer("store")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

func New(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// Set pragmas for performance
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=normal;")

	if migrate {
		err = db.AutoMigrate(&Activity{}, &SelectedRepo{}, &Connection{}, &CacheEntry{})
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

// DB exposes the underlying gorm handle for callers that need raw access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// UpsertCounts reports the per-record outcomes of an activity batch write.
type UpsertCounts struct {
	New     int
	Updated int
	Skipped int
	Failed  int
}

// UpsertActivities writes a batch of activities keyed by
// (user_id, source, external_id). Each record is written atomically on its
// own so a failing record never rolls back ones already committed.
func (s *Store) UpsertActivities(ctx context.Context, activities []Activity) UpsertCounts {
	ctx, span := tracer.Start(ctx, "UpsertActivities")
	defer span.End()

	var counts UpsertCounts

	for i := range activities {
		a := activities[i]

		var existing Activity
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND source = ? AND external_id = ?", a.UserID, a.Source, a.ExternalID).
			First(&existing).Error

		switch {
		case err == nil:
			if existing.sameContent(&a) {
				counts.Skipped++
				continue
			}
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
			if err := s.db.WithContext(ctx).Save(&a).Error; err != nil {
				s.logger.Error("failed to update activity", "external_id", a.ExternalID, "err", err)
				counts.Failed++
				continue
			}
			counts.Updated++
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
				s.logger.Error("failed to create activity", "external_id", a.ExternalID, "err", err)
				counts.Failed++
				continue
			}
			counts.New++
		default:
			s.logger.Error("failed to look up activity", "external_id", a.ExternalID, "err", err)
			counts.Failed++
		}
	}

	return counts
}

func (a *Activity) sameContent(other *Activity) bool {
	return a.Title == other.Title &&
		a.Description == other.Description &&
		a.EventType == other.EventType &&
		a.RepoID == other.RepoID &&
		a.RepoName == other.RepoName &&
		a.Actor == other.Actor &&
		a.OccurredAt.Equal(other.OccurredAt) &&
		string(a.Raw) == string(other.Raw)
}

// ListActivities returns a user's stored activities, newest first.
// An empty source matches all sources.
func (s *Store) ListActivities(ctx context.Context, userID, source string, limit int) ([]Activity, error) {
	ctx, span := tracer.Start(ctx, "ListActivities")
	defer span.End()

	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if source != "" {
		q = q.Where("source = ?", source)
	}

	var activities []Activity
	err := q.Order("occurred_at desc").Limit(limit).Find(&activities).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	return activities, nil
}

func (s *Store) CountActivities(ctx context.Context, userID, source string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Activity{}).Where("user_id = ?", userID)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// GetSelectedRepos returns the user's tracked repositories.
func (s *Store) GetSelectedRepos(ctx context.Context, userID string) ([]SelectedRepo, error) {
	var repos []SelectedRepo
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("name asc").Find(&repos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get selected repos: %w", err)
	}
	return repos, nil
}

// UpsertSelectedRepo adds a repo to the user's allow-list, refreshing
// display metadata when the repo was already selected.
func (s *Store) UpsertSelectedRepo(ctx context.Context, repo SelectedRepo) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "repo_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "owner", "url", "private", "updated_at"}),
	}).Create(&repo).Error
	if err != nil {
		return fmt.Errorf("failed to upsert selected repo: %w", err)
	}
	return nil
}

// DeleteSelectedRepo removes a repo from the allow-list. Removing a repo
// that was never selected is a no-op, reported via the bool return.
func (s *Store) DeleteSelectedRepo(ctx context.Context, userID string, repoID int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND repo_id = ?", userID, repoID).
		Delete(&SelectedRepo{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete selected repo: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetConnection returns the user's credential record for a provider.
func (s *Store) GetConnection(ctx context.Context, userID, provider string) (*Connection, error) {
	var conn Connection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

func (s *Store) UpsertConnection(ctx context.Context, conn Connection) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"login", "access_token", "refresh_token", "expires_at", "updated_at"}),
	}).Create(&conn).Error
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a user's provider connection and cascades to the
// selected repos. When purgeActivities is set the provider's activities are
// removed as well.
func (s *Store) DeleteConnection(ctx context.Context, userID, provider string, purgeActivities bool) error {
	ctx, span := tracer.Start(ctx, "DeleteConnection")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND provider = ?", userID, provider).Delete(&Connection{}).Error; err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&SelectedRepo{}).Error; err != nil {
			return fmt.Errorf("failed to delete selected repos: %w", err)
		}
		if purgeActivities {
			if err := tx.Where("user_id = ? AND source = ?", userID, provider).Delete(&Activity{}).Error; err != nil {
				return fmt.Errorf("failed to delete activities: %w", err)
			}
		}
		return nil
	})
}

// ListConnectedUserIDs returns the ids of all users holding a connection
// for the given provider. Used by the background sync scheduler.
func (s *Store) ListConnectedUserIDs(ctx context.Context, provider string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("provider = ?", provider).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connected users: %w", err)
	}
	return userIDs, nil
}

// GetCacheEntry reads a durable cache row by key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "value", "captured_at", "ttl_seconds", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&CacheEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCacheEntriesForUser(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&CacheEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete user cache entries: %w", err)
	}
	return nil
}

// DeleteExpiredCacheEntries removes durable cache rows whose TTL has lapsed
// at the given instant. Safe to run repeatedly.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteExpiredCacheEntries")
	defer span.End()

	var entries []CacheEntry
	err := s.db.WithContext(ctx).Select("id", "captured_at", "ttl_seconds").Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	expired := make([]uint, 0, len(entries))
	for i := range entries {
		if entries[i].Expired(now) {
			expired = append(expired, entries[i].ID)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", expired).Delete(&CacheEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", res.Error)
	}

	return res.RowsAffected, nil
}
