package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

type ensureConnectionsRequest struct {
	// WebhookSecret, when set, is bound to the webhook source so the broker
	// verifies provider deliveries.
	WebhookSecret string `json:"webhookSecret"`
}

func handleEnsureConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ensureConnectionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		s := deps.Settings
		conns, err := deps.Connections.EnsureConnections(r.Context(), s.BrokerAPIKey, s.UpstreamAPIKey, s.PublicURL)
		if err != nil {
			deps.Logger.Error("provisioning broker connections", "error", err)
			writeAppError(w, deps.Logger, err)
			return
		}

		if secret := strings.TrimSpace(req.WebhookSecret); secret != "" {
			if err := deps.Connections.UpdateWebhookSource(r.Context(), conns.Webhook.SourceID, secret, s.BrokerAPIKey); err != nil {
				deps.Logger.Error("binding webhook secret", "source_id", conns.Webhook.SourceID, "error", err)
				writeAppError(w, deps.Logger, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

func handleGetConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := deps.Connections.GetConnections(r.Context())
		if err != nil {
			writeAppError(w, deps.Logger, err)
			return
		}
		if conns == nil {
			httpError(w, http.StatusNotFound, "not_found", "connections not provisioned")
			return
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

func handleClearConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Connections.ClearConnections(r.Context()); err != nil {
			writeAppError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
