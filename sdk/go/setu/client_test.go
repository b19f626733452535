package setu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(data any) map[string]any {
	return map[string]any{"data": data}
}

func apiError(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{"code": code, "message": message},
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, AdminKey: "admin-key", Actor: "sdk-test"})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/resolve", r.URL.Path)
		require.Equal(t, "sdk-test", r.Header.Get("X-Actor"))

		var req ResolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jwara", req.Term)

		_ = json.NewEncoder(w).Encode(envelope(Outcome{
			Term: "jwara",
			Tier: "exact",
			Results: []Candidate{
				{TargetCode: "R50.9", Title: "Fever, unspecified", Confidence: 0.99, Method: "exact"},
			},
		}))
	}))

	out, err := c.Resolve(context.Background(), ResolveRequest{Term: "jwara"})
	require.NoError(t, err)
	assert.Equal(t, "exact", out.Tier)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "R50.9", out.Results[0].TargetCode)
}

func TestResolvePausedError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(apiError("GOVERNANCE_PAUSED", "governance is paused"))
	}))

	_, err := c.Resolve(context.Background(), ResolveRequest{Term: "jwara"})
	require.Error(t, err)
	assert.True(t, IsPaused(err))
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestListReviewQueryParams(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "low_confidence", r.URL.Query().Get("reason"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(envelope([]ReviewTask{{SubjectID: "x", Status: "open"}}))
	}))

	tasks, err := c.ListReview(context.Background(), ReviewFilters{
		Status: "open", Reason: "low_confidence", Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "x", tasks[0].SubjectID)
}

func TestReviewLifecycleCalls(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/review/" + id.String() + "/start":
			_ = json.NewEncoder(w).Encode(envelope(ReviewTask{ID: id, Status: "in_progress"}))
		case "/v1/review/" + id.String() + "/resolve":
			var res ReviewResolution
			require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
			assert.Equal(t, "resolved", res.Status)
			_ = json.NewEncoder(w).Encode(envelope(ReviewTask{ID: id, Status: "resolved", ResolvedBy: res.ResolvedBy}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	task, err := c.StartReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", task.Status)

	task, err = c.ResolveReview(ctx, id, ReviewResolution{Status: "resolved", ResolvedBy: "dr-rao"})
	require.NoError(t, err)
	assert.Equal(t, "resolved", task.Status)
}

func TestCheckWriteBlocked(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(apiError("WRITE_BLOCKED", "write to protected resource blocked"))
	}))

	_, err := c.CheckWrite(context.Background(), "data/namaste.csv")
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
}

func TestGovernanceAdminKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(envelope(GovernanceSnapshot{Mode: "paused"}))
	}))

	snap, err := c.Pause(context.Background(), "drift")
	require.NoError(t, err)
	assert.Equal(t, "paused", snap.Mode)
}

func TestPauseWithoutAdminKey(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = c.Pause(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AdminKey is required")
}

func TestErrorEnvelopeFallback(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))

	_, err := c.Health(context.Background())
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.StatusCode)
	assert.Equal(t, "UNKNOWN", apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream exploded")
}
