package api

import "net/http"

func (s *Server) handleListProcessors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
