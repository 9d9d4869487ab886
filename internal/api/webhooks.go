package api

import (
	"io"
	"net/http"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/webhook"
)

func handleWebhookLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook answers the broker. Rejections carry a generic message;
// the detail goes to the log only.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			deps.Logger.Warn("reading webhook body", "error", err)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid webhook payload")
			return
		}

		out, err := deps.Ingestor.HandleInboundWebhook(r.Context(), raw, webhook.SignaturesFromHeader(r.Header), deps.Settings.SigningSecret)
		if err != nil {
			code, msg := webhookRejection(err)
			deps.Logger.Warn("webhook rejected", "status", code, "error", err)
			httpError(w, code, apperr.Type(err), "%s", msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"outcome": out,
		})
	}
}

func webhookRejection(err error) (int, string) {
	switch {
	case apperr.IsAuthentication(err):
		return http.StatusUnauthorized, "unauthorized"
	case apperr.IsValidation(err):
		return http.StatusBadRequest, "invalid webhook payload"
	case apperr.IsConfiguration(err):
		return http.StatusInternalServerError, "webhook receiver not configured"
	case apperr.IsUpstream(err):
		return http.StatusBadGateway, "upstream lookup failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
