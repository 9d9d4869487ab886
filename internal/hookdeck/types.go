package hookdeck

import (
	"encoding/json"
	"time"
)

// Connection and source names. Upserts are keyed by name, so these are the
// identity of the two routes.
const (
	QueueConnectionName   = "research-queue"
	QueueSourceName       = "research-queue-source"
	QueueDestinationName  = "openai-responses"
	WebhookConnectionName = "research-webhook"
	WebhookSourceName     = "research-webhook-source"
	WebhookDestination    = "deepqueue-webhook"

	// WebhookPath is where the broker delivers provider notifications.
	WebhookPath = "/api/webhooks/openai"
)

// Store keys.
const (
	ConnectionsKey = "hookdeck:connections"
	SourceAuthKey  = "hookdeck:source-auth"
)

// BasicAuthCredential guards the queue source. Encoded is
// base64(username:password) and is what callers send after "Basic ".
type BasicAuthCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Encoded  string `json:"encoded"`
}

// StoredConnections is the cached result of provisioning. Its absence means
// the routes have not been provisioned.
type StoredConnections struct {
	Queue   QueueRoute   `json:"queue"`
	Webhook WebhookRoute `json:"webhook"`
}

type QueueRoute struct {
	ID        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
}

type WebhookRoute struct {
	ID        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
	SourceID  string `json:"sourceId"`
}

// CustomResponse is returned synchronously by a source to the sender.
type CustomResponse struct {
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

type SourceConfig struct {
	AllowedHTTPMethods []string          `json:"allowed_http_methods,omitempty"`
	CustomResponse     *CustomResponse   `json:"custom_response,omitempty"`
	Auth               map[string]string `json:"auth,omitempty"`
}

// SourceInput creates or updates a source.
type SourceInput struct {
	Name   string        `json:"name,omitempty"`
	Type   string        `json:"type,omitempty"`
	Config *SourceConfig `json:"config,omitempty"`
}

type DestinationConfig struct {
	URL      string            `json:"url"`
	AuthType string            `json:"auth_type,omitempty"`
	Auth     map[string]string `json:"auth,omitempty"`
}

type DestinationInput struct {
	Name   string            `json:"name"`
	Type   string            `json:"type,omitempty"`
	Config DestinationConfig `json:"config"`
}

// Rule is a connection rule. Only filter rules on headers are used here.
type Rule struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ConnectionInput is the body of PUT /connections.
type ConnectionInput struct {
	Name        string           `json:"name"`
	Source      SourceInput      `json:"source"`
	Destination DestinationInput `json:"destination"`
	Rules       []Rule           `json:"rules,omitempty"`
}

type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

type Destination struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Connection struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Source      Source      `json:"source"`
	Destination Destination `json:"destination"`
}

// Event is one entry in the broker's event log.
type Event struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id"`
	DestinationID string          `json:"destination_id,omitempty"`
	WebhookID     string          `json:"webhook_id,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type eventList struct {
	Models []Event `json:"models"`
}
