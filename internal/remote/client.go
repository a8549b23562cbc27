// Package remote speaks the server's record CRUD contract. The sync
// engine is its only caller; everything behind these three verbs
// (validation rules, persistence, rendering) is the server's concern.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"fintrack/internal/cache"
	"fintrack/internal/core"
)

const (
	tokenCacheKey = "csrf-token"
	tokenTTL      = 5 * time.Minute
)

var csrfMetaPattern = regexp.MustCompile(`<meta name="csrf-token" content="([^"]+)"`)

// StatusError reports a non-2xx response from the server.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.StatusCode)
}

// Client dispatches record mutations to the remote endpoint.
type Client struct {
	baseURL       string
	tokenPagePath string
	httpClient    *http.Client
	tokens        *cache.TTLCache[string]
}

func NewClient(baseURL, tokenPagePath string, timeout time.Duration) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		tokenPagePath: tokenPagePath,
		httpClient:    &http.Client{Timeout: timeout},
		tokens:        cache.NewTTLCache[string](1, tokenTTL),
	}
}

// recordPayload is the wire shape of a record mutation. Local-only fields
// (localId, sync bookkeeping) never leave the client.
type recordPayload struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	CategoryID  *int64 `json:"category_id,omitempty"`
}

func payloadFor(rec core.Record) (recordPayload, error) {
	amount, err := core.NormalizeAmount(rec.Amount)
	if err != nil {
		return recordPayload{}, fmt.Errorf("normalize amount: %w", err)
	}
	return recordPayload{
		Description: rec.Description,
		Amount:      amount,
		Date:        rec.Date,
		CategoryID:  rec.CategoryID,
	}, nil
}

// CreateRecord posts the record and returns the server-assigned identity.
func (c *Client) CreateRecord(ctx context.Context, rec core.Record) (string, error) {
	payload, err := payloadFor(rec)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/records", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	var created struct {
		ID json.Number `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID.String() == "" {
		return "", fmt.Errorf("create response carries no identity")
	}
	return created.ID.String(), nil
}

// UpdateRecord puts the record under its server identity.
func (c *Client) UpdateRecord(ctx context.Context, serverID string, rec core.Record) error {
	payload, err := payloadFor(rec)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPut, "/records/"+serverID, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// DeleteRecord removes the record under its server identity. A 404 means
// the target is already gone and counts as success.
func (c *Client) DeleteRecord(ctx context.Context, serverID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/records/"+serverID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		slog.DebugContext(ctx, "Record already deleted on server", "server_id", serverID)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Reachable probes the server base URL; the connectivity monitor uses it
// as its online check.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	// Any response at all means the network path is up
	return true
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if token := c.freshToken(ctx); token != "" {
		req.Header.Set("X-CSRF-TOKEN", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	// 419 is the framework's token-expired status; the cached token is no good
	if resp.StatusCode == 419 {
		c.tokens.Delete(tokenCacheKey)
	}
	return resp, nil
}

// freshToken returns the current anti-forgery token, fetching the token
// page when the cached one expired. An endpoint without anti-forgery
// protection simply yields no token and no header.
func (c *Client) freshToken(ctx context.Context) string {
	if token, ok := c.tokens.Get(tokenCacheKey); ok {
		return token
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.tokenPagePath, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "Token page unreachable", "error", err)
		return ""
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	match := csrfMetaPattern.FindSubmatch(page)
	if match == nil {
		return ""
	}

	token := string(match[1])
	c.tokens.Set(tokenCacheKey, token)
	return token
}
