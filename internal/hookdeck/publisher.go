package hookdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/deepqueue/internal/apperr"
)

// Publisher posts job payloads to the queue source.
type Publisher struct {
	httpClient *http.Client
}

// NewPublisher returns a Publisher using httpClient, or a default client
// with a 30s timeout when nil.
func NewPublisher(httpClient *http.Client) *Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Publisher{httpClient: httpClient}
}

// Publish sends payload to sourceURL authenticated with cred. Any non-2xx
// answer is an upstream error.
func (p *Publisher) Publish(ctx context.Context, sourceURL string, cred BasicAuthCredential, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sourceURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", cred.Header())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return apperr.WrapUpstream(err, "publishing to queue")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return apperr.Upstream(resp.StatusCode, "queue returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
