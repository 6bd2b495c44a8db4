package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// statsResponse is the JSON response for GET /v1/stats. Executions is
// omitted when history recording is disabled.
type statsResponse struct {
	model.Stats
	Executions *store.ExecutionStats `json:"executions,omitempty"`
}

// listExecutionsResponse wraps the paginated history of one context.
type listExecutionsResponse struct {
	ContextID  string             `json:"context_id"`
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.manager.Stats()}

	if h := s.manager.History(); h != nil {
		stats, err := h.ExecutionStats(r.Context())
		if err != nil {
			s.logger.Error("get execution stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Executions = stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleListExecutions serves history for any context id, including ones
// already deleted, for as long as the store keeps their records.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	resp := listExecutionsResponse{
		ContextID:  id,
		Executions: []*model.Execution{},
		Limit:      limit,
		Offset:     offset,
	}

	if h := s.manager.History(); h != nil {
		execs, total, err := h.ListExecutions(r.Context(), id, limit, offset)
		if err != nil {
			s.logger.Error("list executions", "context_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		if execs != nil {
			resp.Executions = execs
		}
		resp.Total = total
	}

	s.writeJSON(w, http.StatusOK, resp)
}
