package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/research"
)

const statsRecent = 5

type createResearchRequest struct {
	Question string `json:"question"`
}

func handleCreateResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createResearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Submitter.Submit(r.Context(), req.Question)
		if err != nil {
			writeAppError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleListResearches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.List(r.Context())
		if err != nil {
			writeAppError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"researches": list})
	}
}

func handleResearchStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Summarize(r.Context(), statsRecent)
		if err != nil {
			writeAppError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupResearch(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleResearchEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupResearch(w, r, deps)
		if !ok {
			return
		}

		timeline, err := deps.Timeline.GetCorrelatedEvents(r.Context(), rec.ID, rec.UpstreamJobID)
		if err != nil {
			deps.Logger.Error("fetching research events", "research_id", rec.ID, "error", err)
			writeAppError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"researchId": rec.ID,
			"events":     timeline,
			"count":      len(timeline),
		})
	}
}

// findResearch loads id, converting a missing record into an
// apperr.NotFound.
func findResearch(ctx context.Context, store *research.Store, id string) (research.Research, error) {
	rec, err := store.Get(ctx, id)
	if errors.Is(err, research.ErrNotFound) {
		return research.Research{}, apperr.NotFound("research %s not found", id)
	}
	return rec, err
}

// lookupResearch loads the {id} research, writing the error response when
// it cannot.
func lookupResearch(w http.ResponseWriter, r *http.Request, deps Deps) (research.Research, bool) {
	rec, err := findResearch(r.Context(), deps.Store, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, deps.Logger, err)
		return research.Research{}, false
	}
	return rec, true
}
