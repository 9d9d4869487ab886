package research

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/hookdeck"
	"github.com/kalambet/deepqueue/internal/openai"
)

// MaxQuestionRunes bounds the length of a submitted question.
const MaxQuestionRunes = 10000

// Connections exposes the provisioned queue route and its credential.
// Implemented by hookdeck.Provisioner.
type Connections interface {
	GetConnections(ctx context.Context) (*hookdeck.StoredConnections, error)
	GetSourceAuthCredential(ctx context.Context) (*hookdeck.BasicAuthCredential, error)
}

// Publisher delivers a job payload to the queue. Implemented by hookdeck.Publisher.
type Publisher interface {
	Publish(ctx context.Context, sourceURL string, cred hookdeck.BasicAuthCredential, payload any) error
}

// Submitter creates Research records and hands their jobs to the queue.
type Submitter struct {
	store      *Store
	conns      Connections
	publisher  Publisher
	model      string
	webhookURL string
	logger     *slog.Logger
}

// NewSubmitter wires a Submitter. webhookURL is the public address the
// provider reports back to; model names the provider model.
func NewSubmitter(store *Store, conns Connections, publisher Publisher, model, webhookURL string, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		store:      store,
		conns:      conns,
		publisher:  publisher,
		model:      model,
		webhookURL: webhookURL,
		logger:     logger,
	}
}

// Submit creates a pending Research and forwards its job to the queue. When
// the routes are not provisioned, or forwarding fails, the record is
// returned still pending and the cause is logged; only validation and
// storage failures are errors.
func (s *Submitter) Submit(ctx context.Context, question string) (Research, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Research{}, apperr.Validation("question is required")
	}
	if utf8.RuneCountInString(question) > MaxQuestionRunes {
		return Research{}, apperr.Validation("question exceeds %d characters", MaxQuestionRunes)
	}

	r, err := s.store.Create(ctx, question, s.webhookURL)
	if err != nil {
		return Research{}, err
	}
	log := s.logger.With("research_id", r.ID)

	conns, err := s.conns.GetConnections(ctx)
	if err != nil {
		return Research{}, err
	}
	cred, err := s.conns.GetSourceAuthCredential(ctx)
	if err != nil {
		return Research{}, err
	}
	if conns == nil || cred == nil || conns.Queue.SourceURL == "" {
		log.Warn("broker connections not provisioned; research left pending")
		return r, nil
	}

	job := openai.NewResearchJob(s.model, question, r.ID, s.webhookURL)
	if err := s.publisher.Publish(ctx, conns.Queue.SourceURL, *cred, job); err != nil {
		log.Error("forwarding research to queue failed", "error", err)
		return r, nil
	}

	updated, applied, err := s.store.Transition(ctx, r.ID, Patch{Status: Ptr(StatusProcessing)})
	if err != nil {
		return Research{}, err
	}
	if !applied {
		log.Info("research already advanced while queueing", "status", updated.Status)
		return updated, nil
	}
	log.Info("research queued", "queue_url", conns.Queue.SourceURL)
	return updated, nil
}
