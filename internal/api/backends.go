package api

import "net/http"

type listBackendsResponse struct {
	Backends []string `json:"backends"`
	Default  string   `json:"default"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listBackendsResponse{
		Backends: s.manager.Registry().Types(),
		Default:  s.manager.DefaultType(),
	})
}

func (s *Server) handleListAllCapabilities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Capabilities().Describe())
}
