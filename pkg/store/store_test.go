package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := New(logger, filepath.Join(t.TempDir(), "test.db"), true)
	require.NoError(t, err)

	return st
}

func testActivity(userID, externalID, title string) Activity {
	return Activity{
		UserID:     userID,
		Source:     "github",
		ExternalID: externalID,
		EventType:  "PushEvent",
		Title:      title,
		RepoID:     42,
		RepoName:   "acme/repo",
		Actor:      "alice",
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Raw:        []byte(`{"size":1}`),
	}
}

func TestUpsertActivities(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	batch := []Activity{
		testActivity("u1", "e1", "Pushed 1 commit(s) to acme/repo"),
		testActivity("u1", "e2", "Starred acme/repo"),
	}

	counts := st.UpsertActivities(ctx, batch)
	assert.Equal(t, 2, counts.New)
	assert.Equal(t, 0, counts.Updated)

	// Re-observing identical content is a no-op.
	counts = st.UpsertActivities(ctx, batch)
	assert.Equal(t, 0, counts.New)
	assert.Equal(t, 0, counts.Updated)
	assert.Equal(t, 2, counts.Skipped)

	// Amended content updates the existing row instead of duplicating.
	batch[0].Title = "Pushed 2 commit(s) to acme/repo"
	counts = st.UpsertActivities(ctx, batch)
	assert.Equal(t, 0, counts.New)
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, counts.Skipped)

	activities, err := st.ListActivities(ctx, "u1", "github", 10)
	require.NoError(t, err)
	assert.Len(t, activities, 2)

	n, err := st.CountActivities(ctx, "u1", "github")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestUpsertActivitiesScopedToUser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// The same external id may show up for two users tracking the same
	// repo; each gets their own row.
	st.UpsertActivities(ctx, []Activity{testActivity("u1", "e1", "t")})
	st.UpsertActivities(ctx, []Activity{testActivity("u2", "e1", "t")})

	n, err := st.CountActivities(ctx, "u1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = st.CountActivities(ctx, "u2", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSelectedRepos(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	repo := SelectedRepo{UserID: "u1", RepoID: 42, Name: "acme/repo", Owner: "acme"}
	require.NoError(t, st.UpsertSelectedRepo(ctx, repo))

	// Re-adding refreshes display metadata without erroring.
	repo.Name = "acme/renamed"
	require.NoError(t, st.UpsertSelectedRepo(ctx, repo))

	repos, err := st.GetSelectedRepos(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "acme/renamed", repos[0].Name)

	removed, err := st.DeleteSelectedRepo(ctx, "u1", 42)
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing a repo that was never selected is a no-op.
	removed, err = st.DeleteSelectedRepo(ctx, "u1", 999)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestConnections(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.GetConnection(ctx, "u1", "github")
	assert.ErrorIs(t, err, ErrNotFound)

	conn := Connection{UserID: "u1", Provider: "github", Login: "alice", AccessToken: "tok1"}
	require.NoError(t, st.UpsertConnection(ctx, conn))

	// Reconnect upserts rather than duplicating.
	conn.AccessToken = "tok2"
	require.NoError(t, st.UpsertConnection(ctx, conn))

	got, err := st.GetConnection(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok2", got.AccessToken)

	userIDs, err := st.ListConnectedUserIDs(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, userIDs)
}

func TestDeleteConnectionCascades(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.UpsertConnection(ctx, Connection{UserID: "u1", Provider: "github", Login: "alice", AccessToken: "tok"}))
	require.NoError(t, st.UpsertSelectedRepo(ctx, SelectedRepo{UserID: "u1", RepoID: 42, Name: "acme/repo"}))
	st.UpsertActivities(ctx, []Activity{testActivity("u1", "e1", "t")})

	require.NoError(t, st.DeleteConnection(ctx, "u1", "github", true))

	_, err := st.GetConnection(ctx, "u1", "github")
	assert.ErrorIs(t, err, ErrNotFound)

	repos, err := st.GetSelectedRepos(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, repos)

	n, err := st.CountActivities(ctx, "u1", "github")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestCacheEntries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	entry := CacheEntry{
		Key:        "activities:u1:github:abc:50",
		UserID:     "u1",
		Value:      []byte(`[]`),
		CapturedAt: time.Now(),
		TTLSeconds: 120,
	}
	require.NoError(t, st.PutCacheEntry(ctx, entry))

	got, err := st.GetCacheEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.False(t, got.Expired(time.Now()))
	assert.True(t, got.Expired(time.Now().Add(3*time.Minute)))

	// Upsert on the same key replaces the value.
	entry.Value = []byte(`[{"id":"1"}]`)
	require.NoError(t, st.PutCacheEntry(ctx, entry))
	got, err = st.GetCacheEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"}]`, string(got.Value))

	require.NoError(t, st.DeleteCacheEntriesForUser(ctx, "u1"))
	_, err = st.GetCacheEntry(ctx, entry.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredCacheEntries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now()
	require.NoError(t, st.PutCacheEntry(ctx, CacheEntry{Key: "fresh", UserID: "u1", CapturedAt: now, TTLSeconds: 300}))
	require.NoError(t, st.PutCacheEntry(ctx, CacheEntry{Key: "stale", UserID: "u1", CapturedAt: now.Add(-10 * time.Minute), TTLSeconds: 300}))

	removed, err := st.DeleteExpiredCacheEntries(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	// Sweeping again removes nothing; the operation is idempotent.
	removed, err = st.DeleteExpiredCacheEntries(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)

	_, err = st.GetCacheEntry(ctx, "fresh")
	assert.NoError(t, err)
	_, err = st.GetCacheEntry(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
}
