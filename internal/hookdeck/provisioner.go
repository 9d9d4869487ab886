package hookdeck

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/storage"
)

// ProvisionerConfig holds the endpoints a Provisioner talks to. Zero values
// select the public broker API and a default HTTP client.
type ProvisionerConfig struct {
	BrokerBaseURL string
	// UpstreamURL is the provider endpoint the queue forwards jobs to.
	UpstreamURL string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// Rand is the entropy source for credentials; crypto/rand when nil.
	Rand io.Reader
}

// Provisioner establishes and caches the queue and webhook routes.
type Provisioner struct {
	kv            storage.KV
	brokerBaseURL string
	upstreamURL   string
	httpClient    *http.Client
	logger        *slog.Logger
	rand          io.Reader

	// mu serializes EnsureConnections within the process.
	mu sync.Mutex
}

func NewProvisioner(kv storage.KV, cfg ProvisionerConfig) *Provisioner {
	p := &Provisioner{
		kv:            kv,
		brokerBaseURL: cfg.BrokerBaseURL,
		upstreamURL:   cfg.UpstreamURL,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
		rand:          cfg.Rand,
	}
	if p.brokerBaseURL == "" {
		p.brokerBaseURL = DefaultBaseURL
	}
	if p.upstreamURL == "" {
		p.upstreamURL = "https://api.openai.com/v1/responses"
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.rand == nil {
		p.rand = rand.Reader
	}
	return p
}

// EnsureConnections returns the cached routes, or creates both connections
// and caches them. A cache hit makes no network calls. The cache is written
// only after both upserts succeed.
func (p *Provisioner) EnsureConnections(ctx context.Context, brokerAPIKey, upstreamAPIKey, publicAppURL string) (*StoredConnections, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.GetConnections(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.logger.Debug("using cached broker connections", "queue_id", existing.Queue.ID, "webhook_id", existing.Webhook.ID)
		return existing, nil
	}

	if err := requireSettings(map[string]string{
		"hookdeck.api_key":  brokerAPIKey,
		"openai.api_key":    upstreamAPIKey,
		"server.public_url": publicAppURL,
	}); err != nil {
		return nil, err
	}

	cred, err := p.credential(ctx)
	if err != nil {
		return nil, err
	}

	client := NewClientWithBaseURL(brokerAPIKey, p.brokerBaseURL, p.httpClient)

	p.logger.Info("creating broker connection", "name", QueueConnectionName)
	queue, err := client.UpsertConnection(ctx, queueConnection(p.upstreamURL, upstreamAPIKey, cred))
	if err != nil {
		return nil, err
	}

	p.logger.Info("creating broker connection", "name", WebhookConnectionName)
	webhook, err := client.UpsertConnection(ctx, webhookConnection(publicAppURL))
	if err != nil {
		return nil, err
	}

	conns := &StoredConnections{
		Queue: QueueRoute{ID: queue.ID, SourceURL: queue.Source.URL},
		Webhook: WebhookRoute{
			ID:        webhook.ID,
			SourceURL: webhook.Source.URL,
			SourceID:  webhook.Source.ID,
		},
	}
	if err := storage.SetJSON(ctx, p.kv, ConnectionsKey, conns); err != nil {
		return nil, fmt.Errorf("caching connections: %w", err)
	}
	p.logger.Info("broker connections provisioned", "queue_url", conns.Queue.SourceURL, "webhook_url", conns.Webhook.SourceURL)
	return conns, nil
}

// credential returns the stored credential, generating and persisting one
// when none exists. A credential left by an earlier partial run is reused.
func (p *Provisioner) credential(ctx context.Context) (BasicAuthCredential, error) {
	stored, err := p.GetSourceAuthCredential(ctx)
	if err != nil {
		return BasicAuthCredential{}, err
	}
	if stored != nil {
		return *stored, nil
	}
	cred, err := GenerateBasicAuth(p.rand)
	if err != nil {
		return BasicAuthCredential{}, err
	}
	if err := storage.SetJSON(ctx, p.kv, SourceAuthKey, cred); err != nil {
		return BasicAuthCredential{}, fmt.Errorf("storing source credential: %w", err)
	}
	return cred, nil
}

// GetConnections returns the cached routes, or nil when not provisioned.
func (p *Provisioner) GetConnections(ctx context.Context) (*StoredConnections, error) {
	var conns StoredConnections
	err := storage.GetJSON(ctx, p.kv, ConnectionsKey, &conns)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}
	return &conns, nil
}

// GetSourceAuthCredential returns the queue credential, or nil when absent.
func (p *Provisioner) GetSourceAuthCredential(ctx context.Context) (*BasicAuthCredential, error) {
	var cred BasicAuthCredential
	err := storage.GetJSON(ctx, p.kv, SourceAuthKey, &cred)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading source credential: %w", err)
	}
	return &cred, nil
}

// ClearConnections forgets the cached routes and credential. The broker-side
// connections are left in place; the next EnsureConnections updates them.
func (p *Provisioner) ClearConnections(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.kv.Delete(ctx, ConnectionsKey); err != nil {
		return fmt.Errorf("deleting connections: %w", err)
	}
	if err := p.kv.Delete(ctx, SourceAuthKey); err != nil {
		return fmt.Errorf("deleting source credential: %w", err)
	}
	p.logger.Info("broker connections cleared")
	return nil
}

// UpdateWebhookSource binds the provider's webhook signing secret to the
// inbound source so the broker verifies deliveries before relaying them.
func (p *Provisioner) UpdateWebhookSource(ctx context.Context, sourceID, secret, brokerAPIKey string) error {
	if strings.TrimSpace(sourceID) == "" {
		return apperr.Validation("webhook source id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return apperr.Validation("webhook secret is required")
	}
	if err := requireSettings(map[string]string{"hookdeck.api_key": brokerAPIKey}); err != nil {
		return err
	}

	client := NewClientWithBaseURL(brokerAPIKey, p.brokerBaseURL, p.httpClient)
	_, err := client.UpdateSource(ctx, sourceID, SourceInput{
		Type: "OPENAI",
		Config: &SourceConfig{
			AllowedHTTPMethods: []string{http.MethodPost},
			Auth:               map[string]string{"webhook_secret_key": secret},
		},
	})
	if err != nil {
		return err
	}
	p.logger.Info("webhook source secret updated", "source_id", sourceID)
	return nil
}

func queueConnection(upstreamURL, upstreamAPIKey string, cred BasicAuthCredential) ConnectionInput {
	return ConnectionInput{
		Name: QueueConnectionName,
		Source: SourceInput{
			Name: QueueSourceName,
			Type: "WEBHOOK",
			Config: &SourceConfig{
				AllowedHTTPMethods: []string{http.MethodPost},
				CustomResponse: &CustomResponse{
					ContentType: "json",
					Body:        `{"status":"queued"}`,
				},
			},
		},
		Destination: DestinationInput{
			Name: QueueDestinationName,
			Type: "HTTP",
			Config: DestinationConfig{
				URL:      upstreamURL,
				AuthType: "BEARER_TOKEN",
				Auth:     map[string]string{"token": upstreamAPIKey},
			},
		},
		Rules: []Rule{{
			Type:    "filter",
			Headers: map[string]string{"authorization": cred.Header()},
		}},
	}
}

func webhookConnection(publicAppURL string) ConnectionInput {
	return ConnectionInput{
		Name: WebhookConnectionName,
		Source: SourceInput{
			Name: WebhookSourceName,
			Type: "OPENAI",
			Config: &SourceConfig{
				AllowedHTTPMethods: []string{http.MethodPost},
			},
		},
		Destination: DestinationInput{
			Name: WebhookDestination,
			Type: "HTTP",
			Config: DestinationConfig{
				URL:      strings.TrimRight(publicAppURL, "/") + WebhookPath,
				AuthType: "HOOKDECK_SIGNATURE",
			},
		},
	}
}

func requireSettings(settings map[string]string) error {
	var missing []string
	for _, key := range []string{"hookdeck.api_key", "openai.api_key", "server.public_url"} {
		if v, ok := settings[key]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return apperr.Configuration("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
