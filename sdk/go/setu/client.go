package setu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Setu server (e.g. "http://localhost:8080").
	BaseURL string

	// AdminKey authorizes governance mutations and audit reads.
	// Optional; resolution and review calls work without it.
	AdminKey string

	// Actor is recorded in the audit trail for calls made by this client.
	// Optional; the server defaults to "api".
	Actor string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Setu terminology mapping API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	adminKey string
	actor    string
	client   *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("setu: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		adminKey: cfg.AdminKey,
		actor:    cfg.Actor,
		client:   httpClient,
	}, nil
}

// Resolve maps a traditional-medicine term to ranked ICD-11 candidates.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (*Outcome, error) {
	var out Outcome
	if err := c.post(ctx, "/v1/resolve", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReview returns review-queue tasks matching the filters, newest first.
func (c *Client) ListReview(ctx context.Context, filters ReviewFilters) ([]ReviewTask, error) {
	q := url.Values{}
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}
	if filters.Reason != "" {
		q.Set("reason", filters.Reason)
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	path := "/v1/review"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []ReviewTask
	if err := c.get(ctx, path, &tasks, false); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetReview fetches one review task.
func (c *Client) GetReview(ctx context.Context, id uuid.UUID) (*ReviewTask, error) {
	var task ReviewTask
	if err := c.get(ctx, "/v1/review/"+id.String(), &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartReview moves an open task to in_progress.
func (c *Client) StartReview(ctx context.Context, id uuid.UUID) (*ReviewTask, error) {
	var task ReviewTask
	if err := c.post(ctx, "/v1/review/"+id.String()+"/start", nil, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// ResolveReview closes a task as resolved or dismissed.
func (c *Client) ResolveReview(ctx context.Context, id uuid.UUID, res ReviewResolution) (*ReviewTask, error) {
	var task ReviewTask
	if err := c.post(ctx, "/v1/review/"+id.String()+"/resolve", res, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// CheckWrite asks the guard whether a write to resource is allowed.
// A blocked write returns an error satisfying IsBlocked; the server has
// already recorded the attempt by the time this returns.
func (c *Client) CheckWrite(ctx context.Context, resource string) (*GuardVerdict, error) {
	body := map[string]string{"resource": resource}
	if c.actor != "" {
		body["actor"] = c.actor
	}
	var verdict GuardVerdict
	if err := c.post(ctx, "/v1/guard/check", body, &verdict, false); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// GovernanceStatus reads the current governance snapshot.
func (c *Client) GovernanceStatus(ctx context.Context) (*GovernanceSnapshot, error) {
	var snap GovernanceSnapshot
	if err := c.get(ctx, "/v1/governance", &snap, false); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Pause suspends automated suggestions. Requires AdminKey.
func (c *Client) Pause(ctx context.Context, reason string) (*GovernanceSnapshot, error) {
	var snap GovernanceSnapshot
	if err := c.post(ctx, "/v1/governance/pause", map[string]string{"reason": reason}, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Resume lifts a pause. Requires AdminKey.
func (c *Client) Resume(ctx context.Context) (*GovernanceSnapshot, error) {
	var snap GovernanceSnapshot
	if err := c.post(ctx, "/v1/governance/resume", nil, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetManual enters manual-approval mode. Requires AdminKey.
func (c *Client) SetManual(ctx context.Context) (*GovernanceSnapshot, error) {
	var snap GovernanceSnapshot
	if err := c.post(ctx, "/v1/governance/manual", nil, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ResetBlockedWrites zeroes the blocked-write counter. Requires AdminKey.
func (c *Client) ResetBlockedWrites(ctx context.Context) (*GovernanceSnapshot, error) {
	var snap GovernanceSnapshot
	if err := c.post(ctx, "/v1/governance/reset", nil, &snap, true); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health reads the server health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h, false); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) post(ctx context.Context, path string, body, dest any, admin bool) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("setu: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("setu: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest, admin)
}

func (c *Client) get(ctx context.Context, path string, dest any, admin bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("setu: create request: %w", err)
	}

	return c.doRequest(req, dest, admin)
}

func (c *Client) doRequest(req *http.Request, dest any, admin bool) error {
	if admin {
		if c.adminKey == "" {
			return fmt.Errorf("setu: AdminKey is required for %s", req.URL.Path)
		}
		req.Header.Set("Authorization", "Bearer "+c.adminKey)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("setu: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// handleResponse unwraps the server's { "data": ... } envelope or builds
// an *Error from the error envelope.
func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("setu: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
			return &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: strings.TrimSpace(string(raw))}
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}

	if dest == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("setu: decode response envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("setu: decode response data: %w", err)
	}
	return nil
}
