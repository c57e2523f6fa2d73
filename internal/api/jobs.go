package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/processor"
	"github.com/seantiz/kiln/internal/session"
)

const maxBodySize = 1 << 20 // 1 MB

// asyncJobResponse is the JSON response for POST /v1/jobs/{processor}/async.
type asyncJobResponse struct {
	Job session.Job `json:"job"`
	Run *model.Run  `json:"run"`
}

// handleStartJob runs the job and answers with its response envelope.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStartRequest(w, r)
	if !ok {
		return
	}

	// The run may outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for job", "error", err)
	}

	run, env, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	w.Header().Set("X-Run-Id", run.ID)
	s.writeJSON(w, http.StatusOK, env)
}

// handleStartJobAsync starts the job and answers immediately.
func (s *Server) handleStartJobAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStartRequest(w, r)
	if !ok {
		return
	}

	run, err := s.engine.StartAsync(r.Context(), req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	job, _ := s.engine.Job()
	s.writeJSON(w, http.StatusAccepted, asyncJobResponse{Job: job, Run: run})
}

// handleConfigureJob sets the job's processor and params without running it.
func (s *Server) handleConfigureJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStartRequest(w, r)
	if !ok {
		return
	}

	job, err := s.engine.Configure(req.Processor, req.Params)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{State: job.State, Job: job})
}

// handleStartConfigured runs the job set up by PUT /v1/jobs/{processor} and
// answers immediately.
func (s *Server) handleStartConfigured(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if t := parseIntQuery(r, "timeout_s", 0); t > 0 {
		timeout = time.Duration(t) * time.Second
	}

	run, err := s.engine.StartConfigured(r.Context(), timeout)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	job, _ := s.engine.Job()
	s.writeJSON(w, http.StatusAccepted, asyncJobResponse{Job: job, Run: run})
}

// decodeStartRequest reads the processor from the path, the params from the
// body and the optional timeout_s query parameter. An empty body means no params.
func (s *Server) decodeStartRequest(w http.ResponseWriter, r *http.Request) (engine.StartRequest, bool) {
	name := chi.URLParam(r, "processor")
	if !s.registry.Has(name) {
		jobRejections.WithLabelValues("unknown_processor").Inc()
		s.writeError(w, http.StatusNotFound, "unknown processor: "+name)
		return engine.StartRequest{}, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return engine.StartRequest{}, false
	}

	params := model.Params{}
	if len(body) > 0 {
		params, err = model.ParseParams(body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return engine.StartRequest{}, false
		}
	}

	req := engine.StartRequest{Processor: name, Params: params}
	if t := parseIntQuery(r, "timeout_s", 0); t > 0 {
		req.Timeout = time.Duration(t) * time.Second
	}
	return req, true
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrJobRunning):
		jobRejections.WithLabelValues("running").Inc()
		s.writeError(w, http.StatusConflict, "a job is already running")
	case errors.Is(err, session.ErrNotConfigured):
		jobRejections.WithLabelValues("not_configured").Inc()
		s.writeError(w, http.StatusConflict, "no job configured")
	case errors.Is(err, processor.ErrUnknownProcessor):
		jobRejections.WithLabelValues("unknown_processor").Inc()
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("start job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start job")
	}
}
