// Package lookup queries the WHO ICD-11 search API as a fallback when the
// local vector index yields no candidates for a term.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenSlack refreshes the access token this long before its reported
// expiry so an in-flight search never presents a token about to lapse.
const tokenSlack = time.Minute

// Result is one ICD-11 entity returned by the WHO search endpoint, with the
// search-highlight markup stripped from the title.
type Result struct {
	Code  string
	Title string
}

// Config holds the WHO API endpoints and credentials. The WHO API issues
// short-lived access tokens from its token endpoint via the OAuth2
// client-credentials grant; StaticToken bypasses that for deployments that
// front the API with their own gateway.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	StaticToken  string
}

// Client calls the WHO ICD-11 MMS search endpoint. The zero value is not
// usable; construct with NewClient. A Client with an empty base URL is
// disabled and returns no results, so deployments without WHO access
// degrade to local-only resolution.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a WHO ICD-11 search client. cfg.BaseURL should point at
// the search endpoint, e.g.
// "https://id.who.int/icd/release/11/2024-01/mms/search".
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether the client has an endpoint configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.BaseURL != ""
}

type searchResponse struct {
	DestinationEntities []struct {
		TheCode string `json:"theCode"`
		Title   string `json:"title"`
	} `json:"destinationEntities"`
}

// Search queries the endpoint for entities matching text and returns up to
// limit results. A disabled client returns (nil, nil).
func (c *Client) Search(ctx context.Context, text string, limit int) ([]Result, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", text)
	q.Set("flatResults", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("lookup: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("API-Version", "v2")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("lookup: status %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("lookup: decode response: %w", err)
	}

	results := make([]Result, 0, limit)
	for _, e := range result.DestinationEntities {
		if e.TheCode == "" {
			continue
		}
		results = append(results, Result{Code: e.TheCode, Title: stripHighlight(e.Title)})
		if len(results) == limit {
			break
		}
	}
	c.logger.Debug("lookup: who search", "query", text, "results", len(results))
	return results, nil
}

// bearer returns the credential for the next request: the static token when
// configured, otherwise a cached client-credentials access token, fetched
// anew when missing or near expiry. The mutex serializes refreshes so
// concurrent searches share one token request.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" || c.cfg.TokenURL == "" {
		return c.cfg.StaticToken, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", "icdapi_access")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("lookup: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup: fetch token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("lookup: token status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("lookup: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("lookup: token response missing access_token")
	}

	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSlack)
	c.logger.Debug("lookup: access token refreshed", "expires_in", tok.ExpiresIn)
	return c.token, nil
}

// stripHighlight removes the <em class='found'> markers the search endpoint
// embeds around matched words in titles.
func stripHighlight(s string) string {
	s = strings.ReplaceAll(s, "<em class='found'>", "")
	return strings.ReplaceAll(s, "</em>", "")
}
