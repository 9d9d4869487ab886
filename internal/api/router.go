// Package api exposes research submission, inspection, broker
// administration and the provider webhook over HTTP, plus an MCP surface
// over the same operations.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/deepqueue/internal/events"
	"github.com/kalambet/deepqueue/internal/hookdeck"
	"github.com/kalambet/deepqueue/internal/research"
	"github.com/kalambet/deepqueue/internal/webhook"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Submitter creates and forwards research. Implemented by research.Submitter.
type Submitter interface {
	Submit(ctx context.Context, question string) (research.Research, error)
}

// Timeline correlates broker events. Implemented by events.Correlator.
type Timeline interface {
	GetCorrelatedEvents(ctx context.Context, requestID, upstreamJobID string) ([]events.TimelineEntry, error)
}

// WebhookIngestor applies provider notifications. Implemented by webhook.Ingestor.
type WebhookIngestor interface {
	HandleInboundWebhook(ctx context.Context, rawBody []byte, signatures []string, signingSecret string) (webhook.Outcome, error)
}

// ConnectionManager provisions broker routes. Implemented by hookdeck.Provisioner.
type ConnectionManager interface {
	EnsureConnections(ctx context.Context, brokerAPIKey, upstreamAPIKey, publicAppURL string) (*hookdeck.StoredConnections, error)
	GetConnections(ctx context.Context) (*hookdeck.StoredConnections, error)
	ClearConnections(ctx context.Context) error
	UpdateWebhookSource(ctx context.Context, sourceID, secret, brokerAPIKey string) error
}

// Settings carries the secrets and addresses handlers pass through to the
// domain packages.
type Settings struct {
	BrokerAPIKey   string
	UpstreamAPIKey string
	PublicURL      string
	SigningSecret  string
}

type Deps struct {
	Store       *research.Store
	Submitter   Submitter
	Timeline    Timeline
	Ingestor    WebhookIngestor
	Connections ConnectionManager
	Settings    Settings
	// Token guards every /api route except the webhook receiver.
	Token  string
	Logger *slog.Logger
}

// NewHandler builds the full HTTP surface.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Post(hookdeck.WebhookPath, handleWebhook(deps))
	r.Get(hookdeck.WebhookPath, handleWebhookLiveness)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/api/researches", handleCreateResearch(deps))
		r.Get("/api/researches", handleListResearches(deps))
		r.Get("/api/researches/stats", handleResearchStats(deps))
		r.Get("/api/researches/{id}", handleGetResearch(deps))
		r.Get("/api/researches/{id}/events", handleResearchEvents(deps))

		r.Post("/api/hookdeck/connections", handleEnsureConnections(deps))
		r.Get("/api/hookdeck/connections", handleGetConnections(deps))
		r.Delete("/api/hookdeck/connections", handleClearConnections(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
