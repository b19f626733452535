package lookup

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fever", r.URL.Query().Get("q"))
		assert.Equal(t, "v2", r.Header.Get("API-Version"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"destinationEntities": [
				{"theCode": "R50.9", "title": "<em class='found'>Fever</em>, unspecified"},
				{"theCode": "", "title": "entity without a code"},
				{"theCode": "1C62", "title": "Dengue <em class='found'>fever</em>"}
			]
		}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, StaticToken: "test-token"}, testLogger())
	results, err := c.Search(context.Background(), "fever", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Result{Code: "R50.9", Title: "Fever, unspecified"}, results[0])
	assert.Equal(t, Result{Code: "1C62", Title: "Dengue fever"}, results[1])
}

func TestSearchLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"destinationEntities": [
			{"theCode": "A1", "title": "one"},
			{"theCode": "A2", "title": "two"},
			{"theCode": "A3", "title": "three"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL}, testLogger())
	results, err := c.Search(context.Background(), "anything", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, StaticToken: "bad-token"}, testLogger())
	_, err := c.Search(context.Background(), "fever", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestClientCredentialsTokenReuse(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "setu-test", r.Form.Get("client_id"))
		assert.Equal(t, "icdapi_access", r.Form.Get("scope"))
		_, _ = w.Write([]byte(`{"access_token": "issued-token", "expires_in": 3600}`))
	}))
	defer tokenServer.Close()

	searchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer issued-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"destinationEntities": [{"theCode": "1C62", "title": "Dengue fever"}]}`))
	}))
	defer searchServer.Close()

	c := NewClient(Config{
		BaseURL:      searchServer.URL,
		TokenURL:     tokenServer.URL,
		ClientID:     "setu-test",
		ClientSecret: "secret",
	}, testLogger())

	ctx := context.Background()
	for range 3 {
		results, err := c.Search(ctx, "fever", 5)
		require.NoError(t, err)
		require.Len(t, results, 1)
	}

	// The token is fetched once and reused until near expiry.
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestTokenExpiryTriggersRefresh(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tokenCalls.Add(1)
		// expires_in below the refresh slack, so every search refetches
		_, _ = w.Write([]byte(`{"access_token": "short-lived", "expires_in": 10}`))
	}))
	defer tokenServer.Close()

	searchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"destinationEntities": []}`))
	}))
	defer searchServer.Close()

	c := NewClient(Config{
		BaseURL:      searchServer.URL,
		TokenURL:     tokenServer.URL,
		ClientID:     "setu-test",
		ClientSecret: "secret",
	}, testLogger())

	ctx := context.Background()
	for range 2 {
		_, err := c.Search(ctx, "fever", 5)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestTokenFetchFailure(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	c := NewClient(Config{
		BaseURL:      "http://localhost:1",
		TokenURL:     tokenServer.URL,
		ClientID:     "setu-test",
		ClientSecret: "wrong",
	}, testLogger())

	_, err := c.Search(context.Background(), "fever", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token status 401")
}

func TestDisabledClient(t *testing.T) {
	c := NewClient(Config{}, testLogger())
	assert.False(t, c.Enabled())

	results, err := c.Search(context.Background(), "fever", 5)
	require.NoError(t, err)
	assert.Nil(t, results)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}

func TestStripHighlight(t *testing.T) {
	assert.Equal(t, "Fever, unspecified", stripHighlight("<em class='found'>Fever</em>, unspecified"))
	assert.Equal(t, "plain", stripHighlight("plain"))
}
