package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/teamlens/syncd/pkg/cache"
	"github.com/teamlens/syncd/pkg/github"
	"github.com/teamlens/syncd/pkg/notify"
	"github.com/teamlens/syncd/pkg/store"
	"github.com/teamlens/syncd/pkg/telemetry"
)

const providerGitHub = "github"

// Sync result statuses and classified error reasons. These are the only
// failure vocabulary exposed to callers; raw provider errors stay in logs.
const (
	StatusOK          = "ok"
	StatusNoResources = "no-resources"
	StatusError       = "error"

	ReasonAuthExpired  = "auth_expired"
	ReasonRateLimited  = "rate_limited"
	ReasonNotConnected = "not_connected"
	ReasonUnavailable  = "provider_unavailable"
	ReasonInternal     = "internal"
)

// Counts reports per-record outcomes of one sync run. Fetched counts
// events that survived the selection filter.
type Counts struct {
	Fetched int `json:"fetched"`
	New     int `json:"new"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Result is the outcome of one sync run.
type Result struct {
	Status        string        `json:"status"`
	Counts        Counts        `json:"counts"`
	FromCache     bool          `json:"from_cache"`
	FromStored    bool          `json:"from_stored,omitempty"`
	CacheDegraded bool          `json:"cache_degraded,omitempty"`
	Advisory      string        `json:"advisory,omitempty"`
	ErrorReason   string        `json:"error_reason,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// Options carries the tunables of the orchestrator. The caller owns
// defaults; everything here is wired from flags.
type Options struct {
	PageSize     int
	ActivityTTL  time.Duration
	FetchTimeout time.Duration
	SyncTimeout  time.Duration
	RetryBackoff time.Duration
}

// Syncer coordinates one end-to-end sync per user: resolve scope, consult
// the cache, fetch on miss, filter, deduplicate, persist, and notify.
type Syncer struct {
	logger *slog.Logger
	store  *store.Store
	cache  *cache.Cache
	gh     *github.Client
	sink   notify.Sink
	events *notify.Broadcaster
	tlmt   telemetry.Telemetry
	opts   Options

	// At most one sync per user runs at a time; concurrent callers for
	// the same user wait for and share the in-flight run's result.
	group singleflight.Group
}

var tracer = otel.Tracer("syncer")

func New(
	logger *slog.Logger,
	st *store.Store,
	ca *cache.Cache,
	gh *github.Client,
	sink notify.Sink,
	events *notify.Broadcaster,
	tlmt telemetry.Telemetry,
	opts Options,
) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.ActivityTTL <= 0 {
		opts.ActivityTTL = 2 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 60 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}

	return &Syncer{
		logger: logger.With("module", "syncer"),
		store:  st,
		cache:  ca,
		gh:     gh,
		sink:   sink,
		events: events,
		tlmt:   tlmt,
		opts:   opts,
	}
}

// Run executes a sync for the user. On-demand and scheduled callers share
// this entry point and its semantics.
func (s *Syncer) Run(ctx context.Context, userID string) Result {
	v, _, _ := s.group.Do(userID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
		defer cancel()
		return s.run(runCtx, userID), nil
	})
	return v.(Result)
}

func (s *Syncer) run(ctx context.Context, userID string) Result {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	start := time.Now()
	logger := s.logger.With("user_id", userID)

	res := Result{Status: StatusOK}
	defer func() {
		syncsTotal.WithLabelValues(res.Status).Inc()
		syncDuration.Observe(time.Since(start).Seconds())
	}()

	// Resolve scope. An empty selection is a deliberate no-op, not an
	// error, and never touches the remote adapter.
	repos, err := s.store.GetSelectedRepos(ctx, userID)
	if err != nil {
		logger.Error("failed to resolve selected repos", "err", err)
		res = s.fail(ctx, userID, start, ReasonInternal)
		return res
	}
	if len(repos) == 0 {
		res.Status = StatusNoResources
		res.Elapsed = time.Since(start)
		return res
	}

	allowed := make(map[int64]struct{}, len(repos))
	repoIDs := make([]int64, 0, len(repos))
	for _, r := range repos {
		allowed[r.RepoID] = struct{}{}
		repoIDs = append(repoIDs, r.RepoID)
	}

	key := s.cacheKey(userID, repoIDs)

	var events []github.Event
	cached, degraded, ok := s.cache.Get(ctx, key)
	res.CacheDegraded = degraded
	if ok {
		if err := json.Unmarshal(cached, &events); err != nil {
			logger.Warn("failed to decode cached events, refetching", "err", err)
			events = nil
			ok = false
		} else {
			res.FromCache = true
		}
	}

	if !ok {
		events, err = s.fetch(ctx, logger, userID)
		if err != nil {
			res = s.classifyFetchFailure(ctx, logger, userID, start, err, res)
			return res
		}

		if raw, merr := json.Marshal(events); merr == nil {
			if s.cache.Put(ctx, key, userID, raw, s.opts.ActivityTTL) {
				res.CacheDegraded = true
			}
		}
	}

	// Filter to the allow-list, then upsert keyed by
	// (user, source, external_id) so re-observed events dedupe.
	activities := make([]store.Activity, 0, len(events))
	for _, ev := range events {
		if _, ok := allowed[ev.Repo.ID]; !ok {
			continue
		}
		activities = append(activities, github.Normalize(userID, ev))
	}
	res.Counts.Fetched = len(activities)

	counts := s.store.UpsertActivities(ctx, activities)
	res.Counts.New = counts.New
	res.Counts.Updated = counts.Updated
	res.Counts.Skipped = counts.Skipped
	res.Counts.Failed = counts.Failed

	activitiesPersisted.WithLabelValues("new").Add(float64(counts.New))
	activitiesPersisted.WithLabelValues("updated").Add(float64(counts.Updated))
	activitiesPersisted.WithLabelValues("skipped").Add(float64(counts.Skipped))
	activitiesPersisted.WithLabelValues("failed").Add(float64(counts.Failed))

	if counts.Failed > 0 {
		// Partial persistence is still a successful sync; the caller
		// sees the records that made it plus a non-zero failed count.
		res.Advisory = "partial_persist"
	}
	if res.CacheDegraded && res.Advisory == "" {
		res.Advisory = "cache_degraded"
	}

	res.Elapsed = time.Since(start)

	s.sink.Publish(ctx, userID, notify.NewEvent("sync_completed", map[string]any{
		"fetched":    res.Counts.Fetched,
		"new":        res.Counts.New,
		"updated":    res.Counts.Updated,
		"skipped":    res.Counts.Skipped,
		"failed":     res.Counts.Failed,
		"from_cache": res.FromCache,
		"advisory":   res.Advisory,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}))

	s.tlmt.Capture(ctx, userID, "sync_completed", map[string]any{
		"fetched": res.Counts.Fetched,
		"new":     res.Counts.New,
		"updated": res.Counts.Updated,
	})

	return res
}

// fetch loads the user's connection and calls the provider with a per-step
// timeout. A transient failure is retried once after a backoff.
func (s *Syncer) fetch(ctx context.Context, logger *slog.Logger, userID string) ([]github.Event, error) {
	conn, err := s.store.GetConnection(ctx, userID, providerGitHub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotConnected
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	if !conn.ExpiresAt.IsZero() && conn.ExpiresAt.Before(time.Now()) {
		return nil, github.ErrAuthExpired
	}

	events, err := s.fetchOnce(ctx, conn)
	if errors.Is(err, github.ErrTransient) {
		logger.Warn("transient provider error, retrying once", "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.RetryBackoff):
		}
		events, err = s.fetchOnce(ctx, conn)
	}

	return events, err
}

func (s *Syncer) fetchOnce(ctx context.Context, conn *store.Connection) ([]github.Event, error) {
	// A slow provider call must not hold the whole sync hostage.
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	return s.gh.ListRecentEvents(fetchCtx, conn.AccessToken, conn.Login, s.opts.PageSize)
}

var errNotConnected = errors.New("no provider connection")

func (s *Syncer) classifyFetchFailure(ctx context.Context, logger *slog.Logger, userID string, start time.Time, err error, res Result) Result {
	switch {
	case errors.Is(err, github.ErrAuthExpired):
		logger.Warn("provider auth expired, user must reconnect")
		return s.fail(ctx, userID, start, ReasonAuthExpired)
	case errors.Is(err, errNotConnected):
		return s.fail(ctx, userID, start, ReasonNotConnected)
	case errors.Is(err, github.ErrRateLimited):
		// Degrade to the last persisted data when we have any; stale
		// beats unavailable for a dashboard.
		stored, serr := s.store.CountActivities(ctx, userID, providerGitHub)
		if serr == nil && stored > 0 {
			logger.Warn("rate limited, serving previously stored activities", "stored", stored)
			res.Status = StatusOK
			res.FromStored = true
			res.Advisory = ReasonRateLimited
			res.Elapsed = time.Since(start)
			s.sink.Publish(ctx, userID, notify.NewEvent("sync_completed", map[string]any{
				"fetched":     0,
				"from_stored": true,
				"advisory":    ReasonRateLimited,
			}))
			return res
		}
		return s.fail(ctx, userID, start, ReasonRateLimited)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("sync cancelled", "err", err)
		return s.fail(ctx, userID, start, ReasonUnavailable)
	default:
		logger.Error("provider fetch failed", "err", err)
		return s.fail(ctx, userID, start, ReasonUnavailable)
	}
}

func (s *Syncer) fail(ctx context.Context, userID string, start time.Time, reason string) Result {
	s.sink.Publish(ctx, userID, notify.NewEvent("sync_failed", map[string]any{
		"reason": reason,
	}))

	s.tlmt.Capture(ctx, userID, "sync_failed", map[string]any{
		"reason": reason,
	})

	return Result{
		Status:      StatusError,
		ErrorReason: reason,
		Elapsed:     time.Since(start),
	}
}

// cacheKey scopes cached results by user, provider, selection set, and
// page size so a selection change naturally misses.
func (s *Syncer) cacheKey(userID string, repoIDs []int64) string {
	sort.Slice(repoIDs, func(i, j int) bool { return repoIDs[i] < repoIDs[j] })

	h := fnv.New64()
	for _, id := range repoIDs {
		fmt.Fprintf(h, "%d,", id)
	}

	return fmt.Sprintf("activities:%s:%s:%x:%d", userID, providerGitHub, h.Sum64(), s.opts.PageSize)
}

// RunAll syncs every user holding a provider connection. Used by the
// background scheduler; users are independent so a failure for one does
// not stop the rest.
func (s *Syncer) RunAll(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "RunAll")
	defer span.End()

	userIDs, err := s.store.ListConnectedUserIDs(ctx, providerGitHub)
	if err != nil {
		s.logger.Error("failed to list connected users", "err", err)
		return
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		res := s.Run(ctx, userID)
		if res.Status == StatusError {
			s.logger.Warn("scheduled sync failed", "user_id", userID, "reason", res.ErrorReason)
		}
	}
}

// RunLoop runs scheduled syncs until the shutdown channel closes.
func (s *Syncer) RunLoop(ctx context.Context, interval time.Duration, shutdown chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler running", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			s.logger.Info("shutting down sync scheduler")
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}
