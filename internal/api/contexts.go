package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/manager"
	"github.com/seantiz/sandboxd/internal/model"
)

// createContextRequest is the JSON body for POST /v1/contexts. Every field
// is optional.
type createContextRequest struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	Config *model.Config `json:"config"`
}

type createContextResponse struct {
	ID   string            `json:"id"`
	Info model.ContextInfo `json:"info"`
}

type listContextsResponse struct {
	Contexts []model.ContextInfo `json:"contexts"`
	Total    int                 `json:"total"`
}

type deleteContextResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeErr(w, "decode create request", err)
		return
	}

	var cfg model.Config
	if req.Config != nil {
		cfg = *req.Config
	}

	b, err := s.manager.CreateContext(r.Context(), req.Type, cfg, req.ID)
	if err != nil {
		s.writeErr(w, "create context", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createContextResponse{ID: b.ID(), Info: b.Info()})
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	var status model.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := model.ParseStatus(v)
		if !ok {
			s.writeErr(w, "list contexts", &capability.ValidationError{Field: "status", Message: "unknown status " + v})
			return
		}
		status = st
	}

	infos := s.manager.List(status)
	s.writeJSON(w, http.StatusOK, listContextsResponse{Contexts: infos, Total: len(infos)})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.GetInfo(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "get context", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleDeleteContext answers 404 for unknown ids. A known context whose
// teardown partly failed is still forgotten and reported with deleted=false.
func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manager.GetContext(id); err != nil {
		s.writeErr(w, "delete context", err)
		return
	}

	deleted := s.manager.DeleteContext(r.Context(), id)
	s.writeJSON(w, http.StatusOK, deleteContextResponse{ID: id, Deleted: deleted})
}

func (s *Server) handleStopContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.manager.GetContext(id)
	if err != nil {
		s.writeErr(w, "stop context", err)
		return
	}

	if !s.manager.StopContext(r.Context(), id) {
		// Deleted concurrently or the backend refused to stop.
		if _, err := s.manager.GetContext(id); errors.Is(err, manager.ErrNotFound) {
			s.writeErr(w, "stop context", err)
			return
		}
		s.writeError(w, http.StatusBadGateway, "failed to stop context "+id)
		return
	}

	s.writeJSON(w, http.StatusOK, b.Info())
}
