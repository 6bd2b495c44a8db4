package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/manager"
)

const maxBodySize = 16 << 20 // 16 MiB

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps err onto a status code and writes it. Server-side failures
// are logged with op.
func (s *Server) writeErr(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		validation *capability.ValidationError
		create     *manager.CreateError
		backendErr *backend.Error
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &validation),
		errors.Is(err, backend.ErrUnsupportedLanguage),
		errors.Is(err, backend.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, capability.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, capability.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, manager.ErrAlreadyExists),
		errors.Is(err, backend.ErrNotStarted),
		errors.Is(err, backend.ErrCapabilityDisabled):
		return http.StatusConflict
	case errors.As(err, &create), errors.As(err, &backendErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return &capability.ValidationError{Message: "invalid JSON body: " + err.Error()}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
