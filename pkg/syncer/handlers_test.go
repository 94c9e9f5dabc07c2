package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, f *fixture, method, path string, body string, paramNames, paramValues []string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames(paramNames...)
	c.SetParamValues(paramValues...)

	require.NoError(t, handler(c))

	return rec
}

func TestHandleRunSyncNoResources(t *testing.T) {
	f := newFixture(t, serveEvents)
	f.connectUser(t, "u1")

	rec := doRequest(t, f, http.MethodPost, "/users/u1/sync", "", []string{"userID"}, []string{"u1"}, f.syncer.HandleRunSync)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"no-resources"`)
}

func TestHandleRunSyncAuthExpiredMapsTo401(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	f.connectUser(t, "u1")
	f.selectRepo(t, "u1", 42, "acme/repo")

	rec := doRequest(t, f, http.MethodPost, "/users/u1/sync", "", []string{"userID"}, []string{"u1"}, f.syncer.HandleRunSync)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_reason":"auth_expired"`)
}

func TestHandleAddAndListRepos(t *testing.T) {
	f := newFixture(t, serveEvents)

	body := `{"repo_id":42,"name":"acme/repo","owner":"acme","url":"https://github.com/acme/repo"}`
	rec := doRequest(t, f, http.MethodPost, "/users/u1/repos", body, []string{"userID"}, []string{"u1"}, f.syncer.HandleAddRepo)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, f, http.MethodGet, "/users/u1/repos", "", []string{"userID"}, []string{"u1"}, f.syncer.HandleListRepos)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme/repo")

	sinkEvents := f.sink.byType("repos_changed")
	require.Len(t, sinkEvents, 1)
}

func TestHandleAddRepoRejectsMissingFields(t *testing.T) {
	f := newFixture(t, serveEvents)

	rec := doRequest(t, f, http.MethodPost, "/users/u1/repos", `{"owner":"acme"}`, []string{"userID"}, []string{"u1"}, f.syncer.HandleAddRepo)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRemoveRepoMissingIsNoOp(t *testing.T) {
	f := newFixture(t, serveEvents)

	rec := doRequest(t, f, http.MethodDelete, "/users/u1/repos/999", "", []string{"userID", "repoID"}, []string{"u1", "999"}, f.syncer.HandleRemoveRepo)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.sink.byType("repos_changed"))
}

func TestHandleGetActivities(t *testing.T) {
	f := newFixture(t, serveEvents)
	f.connectUser(t, "u1")
	f.selectRepo(t, "u1", 42, "acme/repo")
	f.syncer.Run(context.Background(), "u1")

	rec := doRequest(t, f, http.MethodGet, "/users/u1/activities?limit=10", "", []string{"userID"}, []string{"u1"}, f.syncer.HandleGetActivities)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme/repo")

	rec = doRequest(t, f, http.MethodGet, "/users/u1/activities?limit=bogus", "", []string{"userID"}, []string{"u1"}, f.syncer.HandleGetActivities)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCacheStatsAndSweep(t *testing.T) {
	f := newFixture(t, serveEvents)
	f.connectUser(t, "u1")
	f.selectRepo(t, "u1", 42, "acme/repo")
	f.syncer.Run(context.Background(), "u1")

	rec := doRequest(t, f, http.MethodGet, "/cache/stats", "", nil, nil, f.syncer.HandleCacheStats)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hit_rate")

	rec = doRequest(t, f, http.MethodPost, "/cache/sweep", "", nil, nil, f.syncer.HandleCacheSweep)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "removed")
}

func TestHandlePutConnection(t *testing.T) {
	f := newFixture(t, serveEvents)

	body := `{"login":"alice","access_token":"tok"}`
	rec := doRequest(t, f, http.MethodPut, "/users/u1/connections/github", body,
		[]string{"userID", "provider"}, []string{"u1", "github"}, f.syncer.HandlePutConnection)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	conn, err := f.store.GetConnection(context.Background(), "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.Login)

	rec = doRequest(t, f, http.MethodPut, "/users/u1/connections/github", `{"login":"alice"}`,
		[]string{"userID", "provider"}, []string{"u1", "github"}, f.syncer.HandlePutConnection)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
