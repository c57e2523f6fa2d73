package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

// jobResponse is the JSON response for GET /v1/job.
type jobResponse struct {
	State string `json:"state"`
	Job   any    `json:"job,omitempty"`
}

// handleGetProgress answers a progress poll. It never waits on the running job.
func (s *Server) handleGetProgress(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Progress())
}

func (s *Server) handleGetJob(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.engine.Job()
	if !ok {
		s.writeJSON(w, http.StatusOK, jobResponse{State: model.StateIdle})
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{State: job.State, Job: job})
}
