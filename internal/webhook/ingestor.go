// Package webhook applies provider notifications relayed by the broker to
// the research records they concern.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/openai"
	"github.com/kalambet/deepqueue/internal/research"
)

// Fixed error texts for outcomes the provider does not describe.
const (
	msgFailed     = "Response failed"
	msgCancelled  = "Response cancelled"
	msgIncomplete = "Response incomplete"
)

// ResponseFetcher loads the provider resource a notification refers to.
// Implemented by openai.Client.
type ResponseFetcher interface {
	GetResponse(ctx context.Context, id string) (*openai.Response, error)
}

// Transitioner applies guarded lifecycle updates. Implemented by research.Store.
type Transitioner interface {
	Transition(ctx context.Context, id string, p research.Patch) (research.Research, bool, error)
}

// Outcome describes what a delivery did. Applied is false for deliveries
// that were acknowledged without changing any record.
type Outcome struct {
	ResearchID    string          `json:"researchId,omitempty"`
	EventType     string          `json:"eventType"`
	UpstreamJobID string          `json:"upstreamJobId,omitempty"`
	Status        research.Status `json:"status,omitempty"`
	Applied       bool            `json:"applied"`
	Reason        string          `json:"reason,omitempty"`
}

// Ingestor verifies and applies inbound notifications.
type Ingestor struct {
	fetcher ResponseFetcher
	store   Transitioner
	logger  *slog.Logger
}

func NewIngestor(fetcher ResponseFetcher, store Transitioner, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{fetcher: fetcher, store: store, logger: logger}
}

// HandleInboundWebhook authenticates rawBody against signatures, resolves
// the research it concerns and applies the transition at most once in
// effect. Errors are classified with apperr so callers can choose between
// rejecting (auth, validation, configuration) and asking for redelivery
// (upstream).
func (i *Ingestor) HandleInboundWebhook(ctx context.Context, rawBody []byte, signatures []string, signingSecret string) (Outcome, error) {
	if signingSecret == "" {
		return Outcome{}, apperr.Configuration("webhook signing secret is not configured")
	}
	if len(signatures) == 0 {
		return Outcome{}, apperr.Authentication("missing webhook signature")
	}
	if !VerifySignature(rawBody, signatures, signingSecret) {
		return Outcome{}, apperr.Authentication("invalid webhook signature")
	}

	var event openai.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return Outcome{}, apperr.Validation("malformed webhook payload: %v", err)
	}
	jobID := strings.TrimSpace(event.Data.ID)
	if jobID == "" {
		return Outcome{}, apperr.Validation("webhook payload has no data.id")
	}

	resp, err := i.fetcher.GetResponse(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	researchID := resp.CorrelationID()
	if researchID == "" {
		return Outcome{}, apperr.Validation("response %s carries no %s metadata", jobID, openai.CorrelationKey)
	}

	out := Outcome{ResearchID: researchID, EventType: event.Type, UpstreamJobID: jobID}
	log := i.logger.With("research_id", researchID, "event_type", event.Type, "upstream_job_id", jobID)

	if resp.ID != "" {
		out.UpstreamJobID = resp.ID
	}
	patch, ok := patchFor(event.Type, resp, out.UpstreamJobID)
	if !ok {
		log.Warn("ignoring unknown webhook event type")
		out.Reason = "unknown event type"
		return out, nil
	}

	updated, applied, err := i.store.Transition(ctx, researchID, patch)
	if errors.Is(err, research.ErrNotFound) {
		log.Warn("webhook for unknown research")
		out.Reason = "research not found"
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out.Status = updated.Status
	out.Applied = applied
	if !applied {
		log.Warn("ignoring conflicting terminal transition", "current_status", updated.Status, "requested_status", *patch.Status)
		out.Reason = "research already " + string(updated.Status)
		return out, nil
	}
	log.Info("research updated", "status", updated.Status)
	return out, nil
}

// patchFor maps an event kind to the research update it implies.
func patchFor(eventType string, resp *openai.Response, upstreamJobID string) (research.Patch, bool) {
	jobID := research.Ptr(upstreamJobID)
	switch eventType {
	case openai.EventResponseCompleted:
		return research.Patch{
			Status:        research.Ptr(research.StatusCompleted),
			Result:        research.Ptr(resp.Pretty()),
			UpstreamJobID: jobID,
		}, true
	case openai.EventResponseFailed:
		msg := msgFailed
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return research.Patch{
			Status:        research.Ptr(research.StatusFailed),
			Error:         research.Ptr(msg),
			Result:        research.Ptr(resp.Pretty()),
			UpstreamJobID: jobID,
		}, true
	case openai.EventResponseCancelled:
		return research.Patch{
			Status:        research.Ptr(research.StatusCancelled),
			Error:         research.Ptr(msgCancelled),
			UpstreamJobID: jobID,
		}, true
	case openai.EventResponseIncomplete:
		return research.Patch{
			Status:        research.Ptr(research.StatusIncomplete),
			Error:         research.Ptr(msgIncomplete),
			UpstreamJobID: jobID,
		}, true
	default:
		return research.Patch{}, false
	}
}
