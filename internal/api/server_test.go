package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freelancehub/progress-service/internal/clock"
	"github.com/freelancehub/progress-service/internal/config"
	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/progress"
	"github.com/freelancehub/progress-service/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// stubLookup is a canned identity.Lookup for handler tests.
type stubLookup struct {
	users map[int64]identity.User
	err   error
}

func (s *stubLookup) Lookup(_ context.Context, userID int64) (identity.User, error) {
	if s.err != nil {
		return identity.User{}, s.err
	}
	u, ok := s.users[userID]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}

func newTestServer(t *testing.T, users identity.Lookup, cfg config.Config) (*httptest.Server, *memory.Store) {
	t.Helper()
	if users == nil {
		users = &stubLookup{users: map[int64]identity.User{5: {ID: 5, Username: "ada"}}}
	}
	s := memory.NewStore(clock.NewSystem())

	svc, err := progress.NewService(s, nil)
	require.NoError(t, err)
	analytics, err := progress.NewAnalytics(s, s, users, nil, nil, nil, progress.AnalyticsOptions{})
	require.NoError(t, err)
	comments, err := progress.NewCommentService(s, users, nil)
	require.NoError(t, err)

	srv := NewServer(svc, analytics, comments, cfg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func updateBody(projectID, contractID, freelancerID int64, title string, pct int) map[string]any {
	return map[string]any{
		"projectId":          projectID,
		"contractId":         contractID,
		"freelancerId":       freelancerID,
		"title":              title,
		"progressPercentage": pct,
	}
}

func TestUpdateLifecycle(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, created := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "kickoff", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(created["id"].(float64))
	require.NotZero(t, id)

	resp, fetched := doJSON(t, http.MethodGet, fmt.Sprintf("%s/%d", base, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "kickoff", fetched["title"])

	resp, replaced := doJSON(t, http.MethodPut, fmt.Sprintf("%s/%d", base, id), updateBody(1, 1, 7, "halfway", 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 50, replaced["progressPercentage"])

	resp, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, id), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, fmt.Sprintf("%s/%d", base, id), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsDecreaseWithBounds(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, _ := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "well along", 60))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "backslide", 40))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.EqualValues(t, 60, body["minAllowed"])
	require.EqualValues(t, 40, body["provided"])
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, _ := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "", 10))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "over", 120))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base, bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestListUpdatesFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	for i := 1; i <= 5; i++ {
		resp, _ := doJSON(t, http.MethodPost, base, updateBody(int64(i%2+1), 1, 7, fmt.Sprintf("step %d", i), i*10))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, base+"?projectId=2&sort=progressPercentage,asc&page=0&size=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, body["totalCount"])
	require.EqualValues(t, 2, body["size"])
	updates := body["updates"].([]any)
	require.Len(t, updates, 2)
	first := updates[0].(map[string]any)
	require.EqualValues(t, 10, first["progressPercentage"])

	resp, _ = doJSON(t, http.MethodGet, base+"?sort=nope,asc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, base+"?dateFrom=13-01-2026", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListByEntityRoutes(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, _ := doJSON(t, http.MethodPost, base, updateBody(3, 4, 9, "alpha", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, path := range []string{"/project/3", "/contract/4", "/freelancer/9"} {
		resp, body := doJSON(t, http.MethodGet, base+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, body["updates"].([]any), 1)
	}

	resp, _ = doJSON(t, http.MethodGet, base+"/project/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommentEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, created := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "kickoff", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	updateID := int64(created["id"].(float64))

	commentsURL := fmt.Sprintf("%s/%d/comments", base, updateID)
	resp, comment := doJSON(t, http.MethodPost, commentsURL, map[string]any{"userId": 5, "message": "looking good"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	commentID := int64(comment["id"].(float64))

	// Unknown author is rejected before anything is stored.
	resp, _ = doJSON(t, http.MethodPost, commentsURL, map[string]any{"userId": 404, "message": "ghost"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, listed := doJSON(t, http.MethodGet, commentsURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed["comments"].([]any), 1)

	commentURL := fmt.Sprintf("%s/v1/progress-comments/%d", ts.URL, commentID)
	resp, edited := doJSON(t, http.MethodPut, commentURL, map[string]any{"message": "revised"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "revised", edited["message"])

	resp, _ = doJSON(t, http.MethodDelete, commentURL, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, commentURL, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommentCreateIdentityOutageIsBadGateway(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &stubLookup{err: identity.ErrUnavailable}, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, created := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "kickoff", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	updateID := int64(created["id"].(float64))

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/%d/comments", base, updateID), map[string]any{"userId": 5, "message": "hello"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAnalyticsEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	base := ts.URL + "/v1/progress-updates"

	resp, _ := doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "kickoff", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, base, updateBody(1, 1, 7, "midway", 50))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, trend := doJSON(t, http.MethodGet, base+"/trend/project/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	points := trend["points"].([]any)
	require.Len(t, points, 1)
	require.EqualValues(t, 50, points[0].(map[string]any)["progressPercentage"])

	resp, stalled := doJSON(t, http.MethodGet, base+"/stalled/projects?daysWithoutUpdate=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, stalled["projects"].([]any))

	resp, rankings := doJSON(t, http.MethodGet, base+"/rankings/freelancers?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := rankings["rankings"].([]any)
	require.Len(t, entries, 1)
	require.EqualValues(t, 2, entries[0].(map[string]any)["updateCount"])

	resp, projRankings := doJSON(t, http.MethodGet, base+"/rankings/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, projRankings["rankings"].([]any), 1)

	resp, stats := doJSON(t, http.MethodGet, base+"/stats/freelancer/7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, stats["updateCount"])

	resp, dashboard := doJSON(t, http.MethodGet, base+"/stats/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, dashboard["totalUpdates"])
	require.EqualValues(t, 1, dashboard["distinctProjects"])

	resp, _ = doJSON(t, http.MethodGet, base+"/stalled/projects?daysWithoutUpdate=zero", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])

	raw, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	ts, _ := newTestServer(t, nil, cfg)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/progress-updates", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/progress-updates", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	require.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, config.Config{})
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
