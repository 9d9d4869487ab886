package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/deepqueue/internal/apperr"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeAppError maps err through the apperr taxonomy. Classified errors
// carry their own message; anything else is logged and reported as an
// internal error.
func writeAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if rich, ok := apperr.As(err); ok {
		httpError(w, apperr.StatusCode(err), apperr.Type(err), "%s", rich.Message)
		return
	}
	logger.Error("request failed", "error", err)
	httpError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
