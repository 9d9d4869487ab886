package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/deepqueue/internal/api"
	"github.com/kalambet/deepqueue/internal/config"
	"github.com/kalambet/deepqueue/internal/events"
	"github.com/kalambet/deepqueue/internal/hookdeck"
	"github.com/kalambet/deepqueue/internal/openai"
	"github.com/kalambet/deepqueue/internal/research"
	"github.com/kalambet/deepqueue/internal/storage"
	"github.com/kalambet/deepqueue/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deepqueue server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		provision, _ := cmd.Flags().GetBool("provision")
		return runServer(cmd.Context(), withMCP, provision)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deepqueue system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	startCmd.Flags().Bool("provision", false, "ensure broker connections before serving")
}

// services is everything the HTTP and MCP surfaces share.
type services struct {
	kv          storage.KV
	store       *research.Store
	provisioner *hookdeck.Provisioner
	submitter   *research.Submitter
	correlator  *events.Correlator
	ingestor    *webhook.Ingestor
}

func buildServices(cfg config.Config, logger *slog.Logger) (*services, error) {
	timeout, err := cfg.HTTPTimeout()
	if err != nil {
		logger.Warn("invalid http timeout, using default", "value", cfg.HTTP.Timeout, "default", timeout, "error", err)
	}

	kv, err := storage.Open(storage.Options{
		Backend:  cfg.Storage.Backend,
		DataDir:  cfg.Storage.DataDir,
		RedisURL: cfg.Storage.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	httpClient := &http.Client{Timeout: timeout}
	provider := openai.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL).WithTimeout(timeout)
	store := research.NewStore(kv)
	prov := hookdeck.NewProvisioner(kv, hookdeck.ProvisionerConfig{
		BrokerBaseURL: cfg.Hookdeck.BaseURL,
		UpstreamURL:   provider.ResponsesURL(),
		HTTPClient:    httpClient,
		Logger:        logger,
	})

	return &services{
		kv:          kv,
		store:       store,
		provisioner: prov,
		submitter:   research.NewSubmitter(store, prov, hookdeck.NewPublisher(httpClient), cfg.OpenAI.Model, cfg.WebhookURL(), logger),
		correlator:  events.NewCorrelator(hookdeck.NewClientWithBaseURL(cfg.Hookdeck.APIKey, cfg.Hookdeck.BaseURL, httpClient), prov, logger),
		ingestor:    webhook.NewIngestor(provider, store, logger),
	}, nil
}

func runServer(ctx context.Context, withMCP, provision bool) error {
	fmt.Fprintf(os.Stderr, "deepqueue version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	logger := slog.Default()

	if err := cfg.Require("server.api_token"); err != nil {
		return err
	}
	if cfg.Hookdeck.SigningSecret == "" {
		logger.Warn("webhook signing secret not set; every webhook delivery will be rejected", "env", "DEEPQUEUE_HOOKDECK_SIGNING_SECRET")
	}
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("provider API key not set; webhook deliveries cannot be resolved", "env", "DEEPQUEUE_OPENAI_API_KEY")
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.kv.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	logger.Info("storage opened", "backend", cfg.Storage.Backend)

	if provision {
		conns, err := svc.provisioner.EnsureConnections(ctx, cfg.Hookdeck.APIKey, cfg.OpenAI.APIKey, cfg.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("provisioning broker connections: %w", err)
		}
		printConnections(*conns)
	}

	handler := api.NewHandler(api.Deps{
		Store:       svc.store,
		Submitter:   svc.submitter,
		Timeline:    svc.correlator,
		Ingestor:    svc.ingestor,
		Connections: svc.provisioner,
		Settings: api.Settings{
			BrokerAPIKey:   cfg.Hookdeck.APIKey,
			UpstreamAPIKey: cfg.OpenAI.APIKey,
			PublicURL:      cfg.Server.PublicURL,
			SigningSecret:  cfg.Hookdeck.SigningSecret,
		},
		Token:  cfg.Server.APIToken,
		Logger: logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     svc.store,
			Submitter: svc.submitter,
			Timeline:  svc.correlator,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "deepqueue listening on %s (webhooks at %s)\n", addr, cfg.WebhookURL())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health", nil)
	resp, err := healthClient.Do(req)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Public URL", "%s", cfg.Server.PublicURL)
	printStatus("Webhook URL", "%s", cfg.WebhookURL())
	printStatus("Storage", "%s", storageLabel(cfg.Storage))
	printStatus("Model", "%s", cfg.OpenAI.Model)
	printStatus("Broker API key", "%s", setLabel(cfg.Hookdeck.APIKey))
	printStatus("Signing secret", "%s", setLabel(cfg.Hookdeck.SigningSecret))
	printStatus("Provider API key", "%s", setLabel(cfg.OpenAI.APIKey))

	if !running || cfg.Server.APIToken == "" {
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return nil
	}
	if connResp, err := client.get(ctx, "/api/hookdeck/connections"); err == nil {
		var conns hookdeck.StoredConnections
		if decodeJSON(connResp, &conns) == nil {
			printStatus("Connections", "provisioned")
			printConnections(conns)
		} else {
			printStatus("Connections", "not provisioned")
		}
	}
	if statsResp, err := client.get(ctx, "/api/researches/stats"); err == nil {
		var st research.Stats
		if decodeJSON(statsResp, &st) == nil {
			printStatus("Research", "%d total, %d processing, %d completed",
				st.Total, st.ByStatus[research.StatusProcessing], st.ByStatus[research.StatusCompleted])
		}
	}
	return nil
}

func storageLabel(s config.StorageConfig) string {
	switch s.Backend {
	case storage.BackendRedis:
		return "redis"
	case storage.BackendMemory:
		return "memory (not persisted)"
	default:
		return "sqlite at " + s.DataDir
	}
}

func setLabel(v string) string {
	if v == "" {
		return "not set"
	}
	return "set"
}
