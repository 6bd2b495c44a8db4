package api

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// execRequest carries the options shared by code and command execution.
// Timeout accepts a duration string or a number of seconds.
type execRequest struct {
	Timeout    model.Duration    `json:"timeout"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env_vars"`
}

func (e execRequest) options() backend.ExecOptions {
	return backend.ExecOptions{
		Timeout:    e.Timeout.Std(),
		WorkingDir: e.WorkingDir,
		Env:        e.Env,
	}
}

type codeRequest struct {
	execRequest
	Code     string `json:"code"`
	Language string `json:"language"`
}

type commandRequest struct {
	execRequest
	Command string `json:"command"`
}

type readFileRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Binary   bool   `json:"binary"`
}

// writeFileRequest carries file content as text, or base64 when Binary is set.
type writeFileRequest struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding"`
	Binary     bool   `json:"binary"`
	CreateDirs bool   `json:"create_dirs"`
}

type capabilityRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type listCapabilitiesResponse struct {
	ContextID    string   `json:"context_id"`
	Capabilities []string `json:"tools"`
}

func (s *Server) handleExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeErr(w, "decode code request", err)
		return
	}
	if req.Language == "" {
		req.Language = backend.LanguagePython
	}

	o, err := s.manager.ExecuteCode(r.Context(), chi.URLParam(r, "id"), req.Code, req.Language, req.options())
	if err != nil {
		s.writeErr(w, "execute code", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeErr(w, "decode command request", err)
		return
	}

	o, err := s.manager.ExecuteCommand(r.Context(), chi.URLParam(r, "id"), req.Command, req.options())
	if err != nil {
		s.writeErr(w, "execute command", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req readFileRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeErr(w, "decode read request", err)
		return
	}

	o, err := s.manager.ReadFile(r.Context(), chi.URLParam(r, "id"), req.Path, backend.FileOptions{
		Encoding: req.Encoding,
		Binary:   req.Binary,
	})
	if err != nil {
		s.writeErr(w, "read file", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeErr(w, "decode write request", err)
		return
	}

	content := []byte(req.Content)
	if req.Binary {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			s.writeErr(w, "write file", &capability.ValidationError{Field: "content", Message: "is not valid base64"})
			return
		}
		content = decoded
	}

	o, err := s.manager.WriteFile(r.Context(), chi.URLParam(r, "id"), req.Path, content, backend.FileOptions{
		Encoding:   req.Encoding,
		Binary:     req.Binary,
		CreateDirs: req.CreateDirs,
	})
	if err != nil {
		s.writeErr(w, "write file", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleExecuteCapability(w http.ResponseWriter, r *http.Request) {
	var req capabilityRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeErr(w, "decode capability request", err)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	o, err := s.manager.ExecuteCapability(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Parameters)
	if err != nil {
		s.writeErr(w, "execute capability", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	names, err := s.manager.ListCapabilities(id)
	if err != nil {
		s.writeErr(w, "list capabilities", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, listCapabilitiesResponse{ContextID: id, Capabilities: names})
}
