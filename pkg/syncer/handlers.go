package syncer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/teamlens/syncd/pkg/notify"
	"github.com/teamlens/syncd/pkg/store"
)

type ActivitiesResponse struct {
	Activities []JSONActivity `json:"activities"`
	Error      string         `json:"error,omitempty"`
}

type JSONActivity struct {
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	EventType   string         `json:"event_type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	RepoID      int64          `json:"repo_id"`
	RepoName    string         `json:"repo_name"`
	Actor       string         `json:"actor"`
	OccurredAt  string         `json:"occurred_at"`
	Raw         map[string]any `json:"raw,omitempty"`
}

func dbActivityToJSON(a store.Activity) JSONActivity {
	var raw map[string]any
	if len(a.Raw) > 0 {
		if err := json.Unmarshal(a.Raw, &raw); err != nil {
			raw = map[string]any{"error": err.Error()}
		}
	}

	return JSONActivity{
		Source:      a.Source,
		ExternalID:  a.ExternalID,
		EventType:   a.EventType,
		Title:       a.Title,
		Description: a.Description,
		RepoID:      a.RepoID,
		RepoName:    a.RepoName,
		Actor:       a.Actor,
		OccurredAt:  a.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Raw:         raw,
	}
}

// HandleRunSync handles POST /users/:userID/sync. The `refresh` query
// param drops the user's cache first so the run hits the provider.
func (s *Syncer) HandleRunSync(c echo.Context) error {
	userID := c.Param("userID")
	if userID == "" {
		return c.String(http.StatusBadRequest, "missing user id")
	}

	if c.QueryParam("refresh") == "true" {
		if err := s.cache.InvalidateUser(c.Request().Context(), userID); err != nil {
			s.logger.Warn("failed to invalidate user cache for refresh", "user_id", userID, "err", err)
		}
	}

	res := s.Run(c.Request().Context(), userID)

	status := http.StatusOK
	if res.Status == StatusError {
		switch res.ErrorReason {
		case ReasonAuthExpired:
			status = http.StatusUnauthorized
		case ReasonRateLimited:
			status = http.StatusTooManyRequests
		case ReasonNotConnected:
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
	}

	return c.JSON(status, res)
}

// HandleGetActivities handles the GET /users/:userID/activities endpoint
func (s *Syncer) HandleGetActivities(c echo.Context) error {
	userID := c.Param("userID")
	source := c.QueryParam("source")
	limitParam := c.QueryParam("limit")

	resp := ActivitiesResponse{}

	limit := 100
	if limitParam != "" {
		l, err := strconv.Atoi(limitParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid limit: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		limit = l
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	activities, err := s.store.ListActivities(c.Request().Context(), userID, source, limit)
	if err != nil {
		s.logger.Error("failed to list activities", "user_id", userID, "err", err)
		resp.Error = "failed to list activities"
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Activities = make([]JSONActivity, 0, len(activities))
	for _, a := range activities {
		resp.Activities = append(resp.Activities, dbActivityToJSON(a))
	}

	return c.JSON(http.StatusOK, resp)
}

type RepoRequest struct {
	RepoID  int64  `json:"repo_id"`
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	URL     string `json:"url"`
	Private bool   `json:"private"`
}

func (s *Syncer) HandleListRepos(c echo.Context) error {
	repos, err := s.store.GetSelectedRepos(c.Request().Context(), c.Param("userID"))
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to list repos")
	}
	return c.JSON(http.StatusOK, repos)
}

// HandleAddRepo upserts a repo into the user's allow-list. Re-adding an
// existing repo refreshes its display metadata.
func (s *Syncer) HandleAddRepo(c echo.Context) error {
	userID := c.Param("userID")

	var req RepoRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, fmt.Sprintf("invalid repo: %s", err))
	}
	if req.RepoID == 0 || req.Name == "" {
		return c.String(http.StatusBadRequest, "repo_id and name are required")
	}

	err := s.store.UpsertSelectedRepo(c.Request().Context(), store.SelectedRepo{
		UserID:  userID,
		RepoID:  req.RepoID,
		Name:    req.Name,
		Owner:   req.Owner,
		URL:     req.URL,
		Private: req.Private,
	})
	if err != nil {
		s.logger.Error("failed to add repo", "user_id", userID, "err", err)
		return c.String(http.StatusInternalServerError, "failed to add repo")
	}

	// Selection changed, cached results for the old scope are moot.
	if err := s.cache.InvalidateUser(c.Request().Context(), userID); err != nil {
		s.logger.Warn("failed to invalidate cache after repo add", "user_id", userID, "err", err)
	}

	s.sink.Publish(c.Request().Context(), userID, notify.NewEvent("repos_changed", map[string]any{
		"action":  "added",
		"repo_id": req.RepoID,
	}))

	return c.NoContent(http.StatusNoContent)
}

// HandleRemoveRepo removes a repo from the allow-list; removing a repo
// that was never selected is a no-op.
func (s *Syncer) HandleRemoveRepo(c echo.Context) error {
	userID := c.Param("userID")

	repoID, err := strconv.ParseInt(c.Param("repoID"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, fmt.Sprintf("invalid repo id: %s", err))
	}

	removed, err := s.store.DeleteSelectedRepo(c.Request().Context(), userID, repoID)
	if err != nil {
		s.logger.Error("failed to remove repo", "user_id", userID, "err", err)
		return c.String(http.StatusInternalServerError, "failed to remove repo")
	}

	if removed {
		if err := s.cache.InvalidateUser(c.Request().Context(), userID); err != nil {
			s.logger.Warn("failed to invalidate cache after repo remove", "user_id", userID, "err", err)
		}
		s.sink.Publish(c.Request().Context(), userID, notify.NewEvent("repos_changed", map[string]any{
			"action":  "removed",
			"repo_id": repoID,
		}))
	}

	return c.NoContent(http.StatusNoContent)
}

type ConnectionRequest struct {
	Login        string `json:"login"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// HandlePutConnection upserts a user's provider credential record. The
// OAuth dance happens elsewhere; this receives its outcome.
func (s *Syncer) HandlePutConnection(c echo.Context) error {
	userID := c.Param("userID")
	provider := c.Param("provider")

	var req ConnectionRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, fmt.Sprintf("invalid connection: %s", err))
	}
	if req.AccessToken == "" || req.Login == "" {
		return c.String(http.StatusBadRequest, "login and access_token are required")
	}

	conn := store.Connection{
		UserID:       userID,
		Provider:     provider,
		Login:        req.Login,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if req.ExpiresAt != "" {
		t, err := parseTime(req.ExpiresAt)
		if err != nil {
			return c.String(http.StatusBadRequest, fmt.Sprintf("invalid expires_at: %s", err))
		}
		conn.ExpiresAt = t
	}

	if err := s.store.UpsertConnection(c.Request().Context(), conn); err != nil {
		s.logger.Error("failed to upsert connection", "user_id", userID, "err", err)
		return c.String(http.StatusInternalServerError, "failed to save connection")
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleDeleteConnection disconnects a provider, cascading to selected
// repos and the user's cache. `purge=true` removes activities as well.
func (s *Syncer) HandleDeleteConnection(c echo.Context) error {
	userID := c.Param("userID")
	provider := c.Param("provider")
	purge := c.QueryParam("purge") == "true"

	if err := s.store.DeleteConnection(c.Request().Context(), userID, provider, purge); err != nil {
		s.logger.Error("failed to delete connection", "user_id", userID, "err", err)
		return c.String(http.StatusInternalServerError, "failed to disconnect")
	}

	if err := s.cache.InvalidateUser(c.Request().Context(), userID); err != nil {
		s.logger.Warn("failed to invalidate cache on disconnect", "user_id", userID, "err", err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Syncer) HandleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Syncer) HandleCacheSweep(c echo.Context) error {
	removed, err := s.cache.SweepExpired(c.Request().Context())
	if err != nil {
		s.logger.Error("manual cache sweep failed", "err", err)
		return c.String(http.StatusInternalServerError, "sweep failed")
	}
	return c.JSON(http.StatusOK, map[string]int64{"removed": removed})
}

// HandleEvents streams the user's notifications over SSE until the client
// disconnects.
func (s *Syncer) HandleEvents(c echo.Context) error {
	if s.events == nil {
		return c.String(http.StatusNotImplemented, "event streaming not enabled")
	}

	userID := c.Param("userID")

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	subID, ch := s.events.Subscribe(userID)
	defer s.events.Unsubscribe(userID, subID)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case evt, open := <-ch:
			if !open {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func parseTime(s string) (time.Time, error) {
	return dateparse.ParseAny(s)
}
