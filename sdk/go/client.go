package nudgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Nudge HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Record represents the API roster model (partial).
type Record struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Emails       []string `json:"emails"`
	Role         string   `json:"role"`
	Status       string   `json:"status,omitempty"`
	LastUpdated  *string  `json:"last_updated,omitempty"`
	CompletedVia *string  `json:"completed_via,omitempty"`
}

// Roster wraps the roster listing with counts.
type Roster struct {
	Records   []Record `json:"records"`
	Total     int      `json:"total"`
	Owners    int      `json:"owners"`
	Pending   int      `json:"pending"`
	Completed int      `json:"completed"`
}

// BatchResult summarizes a send-batch call.
type BatchResult struct {
	Kind     string `json:"kind"`
	Payloads int    `json:"payloads"`
	Failed   int    `json:"failed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Roster returns the full roster with lifecycle state.
func (c *Client) Roster(ctx context.Context) (Roster, error) {
	var resp Roster
	err := c.do(ctx, http.MethodGet, "v0/roster", nil, &resp)
	return resp, err
}

// Complete marks one portfolio owner complete.
func (c *Client) Complete(ctx context.Context, id string) (Record, error) {
	var resp struct {
		Record Record `json:"record"`
	}
	endpoint := fmt.Sprintf("v0/roster/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Record, err
}

// SendBatch triggers one notification batch (reminder, chase, review, final).
func (c *Client) SendBatch(ctx context.Context, kind string) (BatchResult, error) {
	var resp BatchResult
	endpoint := fmt.Sprintf("v0/batches/%s/send", url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reset reverts all portfolio owners to pending. Soft keeps provenance.
func (c *Client) Reset(ctx context.Context, soft bool) error {
	mode := "full"
	if soft {
		mode = "soft"
	}
	return c.do(ctx, http.MethodPost, "v0/reset", map[string]any{"mode": mode}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
