// Package session tracks the single job a host instance owns. Start and
// transition operations serialize on a mutex; progress polls read an
// atomically swapped snapshot and never wait on them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrJobRunning is returned when the job cannot change while a run is in flight.
	ErrJobRunning = errors.New("job is running")
	// ErrNotConfigured is returned when starting before any job was configured.
	ErrNotConfigured = errors.New("no job configured")
	// ErrStaleRun is returned for updates naming a run that is not the current one.
	ErrStaleRun = errors.New("stale run")
)

// Job is a point-in-time copy of the session's job.
type Job struct {
	ID        string          `json:"id"`
	Processor string          `json:"processor"`
	State     string          `json:"state"`
	Params    model.Params    `json:"params"`
	RunID     string          `json:"run_id,omitempty"`
	Progress  model.Progress  `json:"progress"`
	Envelope  *model.Envelope `json:"envelope,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Session holds at most one job for the lifetime of the host process.
type Session struct {
	mu  sync.Mutex
	job *Job

	progress atomic.Pointer[model.Progress]
}

// New returns an idle session.
func New() *Session {
	return &Session{}
}

// State returns the current state name.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return model.StateIdle
	}
	return s.job.State
}

// Configure creates the job on first use and afterwards replaces the
// existing job's processor and params in place, keeping its identity.
func (s *Session) Configure(processor string, params model.Params) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.configure(processor, params); err != nil {
		return Job{}, err
	}
	return s.snapshot(), nil
}

// Begin marks the configured job as running under runID and resets its
// progress record. A finished job must be configured again first.
func (s *Session) Begin(runID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(runID); err != nil {
		return Job{}, err
	}
	return s.snapshot(), nil
}

// Start configures the job and begins run runID in one step, so a concurrent
// start cannot swap the params in between.
func (s *Session) Start(processor string, params model.Params, runID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.configure(processor, params); err != nil {
		return Job{}, err
	}
	if err := s.begin(runID); err != nil {
		return Job{}, err
	}
	return s.snapshot(), nil
}

func (s *Session) configure(processor string, params model.Params) error {
	if s.job == nil {
		s.job = &Job{ID: model.NewID(), State: model.StateIdle}
	}
	if err := s.transition(model.StateConfigured); err != nil {
		return err
	}
	s.job.Processor = processor
	s.job.Params = params.Clone()
	s.job.Envelope = nil
	s.job.RunID = ""
	return nil
}

func (s *Session) begin(runID string) error {
	if s.job == nil || model.IsTerminal(s.job.State) {
		return ErrNotConfigured
	}
	if err := s.transition(model.StateRunning); err != nil {
		return err
	}
	s.job.RunID = runID
	s.job.Progress = model.ZeroProgress
	s.publish(model.ZeroProgress)
	return nil
}

// UpdateProgress replaces the live progress record of run runID.
func (s *Session) UpdateProgress(runID string, p model.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil || s.job.State != model.StateRunning || s.job.RunID != runID {
		return ErrStaleRun
	}
	s.job.Progress = p
	s.publish(p)
	return nil
}

// Finish stores env as the terminal result of run runID.
func (s *Session) Finish(runID string, env *model.Envelope) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil || s.job.RunID != runID {
		return Job{}, ErrStaleRun
	}
	to := model.StateCompleted
	if env.Failed() {
		to = model.StateFailed
	}
	if err := s.transition(to); err != nil {
		return Job{}, err
	}
	s.job.Envelope = env
	return s.snapshot(), nil
}

// Progress returns the last published progress record, or the zero record
// if no job has run yet. It does not block.
func (s *Session) Progress() model.Progress {
	if p := s.progress.Load(); p != nil {
		return *p
	}
	return model.ZeroProgress
}

// Snapshot returns a copy of the job. ok is false while idle.
func (s *Session) Snapshot() (job Job, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return Job{}, false
	}
	return s.snapshot(), true
}

// transition moves the job to state to. Callers hold s.mu.
func (s *Session) transition(to string) error {
	from := s.job.State
	if from == model.StateRunning && to != model.StateCompleted && to != model.StateFailed {
		return ErrJobRunning
	}
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}
	s.job.State = to
	s.job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Session) publish(p model.Progress) {
	s.progress.Store(&p)
}

func (s *Session) snapshot() Job {
	j := *s.job
	j.Params = s.job.Params.Clone()
	return j
}
