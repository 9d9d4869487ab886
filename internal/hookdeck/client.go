package hookdeck

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

	"github.com/kalambet/deepqueue/internal/apperr"
)

const (
	// DefaultBaseURL pins the management API version.
	DefaultBaseURL    = "https://api.hookdeck.com/2025-07-01"
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 4 << 10
)

// Client talks to the broker management API with a project API key.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the public management API. A nil
// httpClient gets a default with a 30s timeout.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	return NewClientWithBaseURL(apiKey, DefaultBaseURL, httpClient)
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// UpsertConnection creates the connection named in.Name or updates it in place.
func (c *Client) UpsertConnection(ctx context.Context, in ConnectionInput) (*Connection, error) {
	var out Connection
	if err := c.do(ctx, http.MethodPut, "/connections", nil, in, &out); err != nil {
		return nil, fmt.Errorf("upserting connection %s: %w", in.Name, err)
	}
	return &out, nil
}

// UpdateSource replaces the type and config of an existing source.
func (c *Client) UpdateSource(ctx context.Context, id string, in SourceInput) (*Source, error) {
	var out Source
	if err := c.do(ctx, http.MethodPut, "/sources/"+url.PathEscape(id), nil, in, &out); err != nil {
		return nil, fmt.Errorf("updating source %s: %w", id, err)
	}
	return &out, nil
}

// ListEvents returns events whose payload matches searchTerm, oldest first.
func (c *Client) ListEvents(ctx context.Context, searchTerm string) ([]Event, error) {
	q := url.Values{}
	q.Set("search_term", searchTerm)
	q.Set("order_by", "created_at")
	q.Set("dir", "asc")

	var out eventList
	if err := c.do(ctx, http.MethodGet, "/events", q, nil, &out); err != nil {
		return nil, fmt.Errorf("searching events for %q: %w", searchTerm, err)
	}
	if out.Models == nil {
		return []Event{}, nil
	}
	return out.Models, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.WrapUpstream(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		msg := strings.TrimSpace(string(detail))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperr.Authentication("broker rejected credentials (HTTP %d): %s", resp.StatusCode, msg)
		default:
			return apperr.Upstream(resp.StatusCode, "broker returned HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Parse(err, "decoding %s %s response", method, path)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
