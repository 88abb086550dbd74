// Package famsupply is a Go client for the famsupplyd control API.
package famsupply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Stop requests wait for the supplier's stop timeout, so
// it is longer than a plain read would need.
const DefaultHTTPTimeout = 30 * time.Second

// Supplier actions accepted by the control API.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
)

// Client wraps the HTTP interactions with the famsupplyd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// SupplierStats are the live counters of a supplier instance.
type SupplierStats struct {
	State      string `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	Discovered int64  `json:"discovered"`
	Delivered  int64  `json:"delivered"`
	Dropped    int64  `json:"dropped"`
	Faults     int64  `json:"faults"`
	Incomplete int64  `json:"incomplete"`
	Pending    int    `json:"pending"`
	StartedAt  int64  `json:"started_at,omitempty"`
}

// SupplierStatus describes one configured supplier.
type SupplierStatus struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Description string        `json:"description,omitempty"`
	Stats       SupplierStats `json:"stats"`
}

// APIError represents an error response from the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("famsupply api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("famsupply api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the control API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request. Either a
// static token or a signed JWT is accepted by the daemon.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ListSuppliers returns every configured supplier ordered by id.
func (c *Client) ListSuppliers(ctx context.Context) ([]SupplierStatus, error) {
	var out []SupplierStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/suppliers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSupplier fetches one supplier by id.
func (c *Client) GetSupplier(ctx context.Context, id string) (SupplierStatus, error) {
	var out SupplierStatus
	err := c.call(ctx, http.MethodGet, "/api/v1/suppliers/"+url.PathEscape(id), &out)
	return out, err
}

// Start begins a supply session.
func (c *Client) Start(ctx context.Context, id string) (SupplierStatus, error) {
	return c.act(ctx, id, ActionStart)
}

// Stop ends the running session and waits for the daemon to report it idle.
func (c *Client) Stop(ctx context.Context, id string) (SupplierStatus, error) {
	return c.act(ctx, id, ActionStop)
}

// Pause suspends discovery and delivery.
func (c *Client) Pause(ctx context.Context, id string) (SupplierStatus, error) {
	return c.act(ctx, id, ActionPause)
}

// Resume continues a paused session.
func (c *Client) Resume(ctx context.Context, id string) (SupplierStatus, error) {
	return c.act(ctx, id, ActionResume)
}

func (c *Client) act(ctx context.Context, id, action string) (SupplierStatus, error) {
	var out SupplierStatus
	err := c.call(ctx, http.MethodPost, "/api/v1/suppliers/"+url.PathEscape(id)+"/"+action, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
