package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/processor"
	"github.com/seantiz/kiln/internal/session"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/supervisor"
)

// DefaultTimeout applies when neither the request nor the config sets one.
const DefaultTimeout = 30 * time.Minute

// Runner executes one worker command. *supervisor.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, c supervisor.Command, h supervisor.Hooks) (*supervisor.Result, error)
}

// Config controls how workers are invoked.
type Config struct {
	// WorkerBin is the worker executable.
	WorkerBin string
	// WorkDir holds one scratch directory per run.
	WorkDir string
	// Timeout is the default run timeout.
	Timeout time.Duration
	// Env is appended to the host environment for workers.
	Env []string
}

// StartRequest asks for one run of a processor.
type StartRequest struct {
	Processor string
	Params    model.Params
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// Engine orchestrates job execution.
type Engine struct {
	store    store.Store
	registry *processor.Registry
	session  *session.Session
	runner   Runner
	broker   *Broker
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new execution engine with an idle session.
func NewEngine(s store.Store, reg *processor.Registry, runner Runner, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		session:  session.New(),
		runner:   runner,
		broker:   NewBroker(),
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Progress returns the session's last published progress record.
func (e *Engine) Progress() model.Progress {
	return e.session.Progress()
}

// State returns the session's current state name.
func (e *Engine) State() string {
	return e.session.State()
}

// Configure sets the processor and params of the session's job without
// running it. The job's identity survives reconfiguration.
func (e *Engine) Configure(name string, params model.Params) (session.Job, error) {
	if !e.registry.Has(name) {
		return session.Job{}, fmt.Errorf("%w: %s", processor.ErrUnknownProcessor, name)
	}
	job, err := e.session.Configure(name, params)
	if err != nil {
		return session.Job{}, err
	}
	e.logger.Info("job configured", "job_id", job.ID, "processor", name)
	return job, nil
}

// StartConfigured runs the job set up by Configure and returns the running
// run record immediately. timeout <= 0 uses the configured default.
func (e *Engine) StartConfigured(ctx context.Context, timeout time.Duration) (*model.Run, error) {
	runID := model.NewRunID()
	job, err := e.session.Begin(runID)
	if err != nil {
		return nil, err
	}
	run, timeout, err := e.record(ctx, job, runID, timeout)
	if err != nil {
		return nil, err
	}

	runCopy := *run
	e.wg.Go(func() {
		e.execute(&runCopy, timeout)
	})
	return run, nil
}

// Job returns a snapshot of the session's job. ok is false before the first start.
func (e *Engine) Job() (job session.Job, ok bool) {
	return e.session.Snapshot()
}

// Start runs a job and blocks until its envelope is available. The returned
// run is the finished record. Failure envelopes are not errors; an error
// means the run could not be started.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*model.Run, *model.Envelope, error) {
	run, timeout, err := e.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan *model.Envelope, 1)
	e.wg.Go(func() {
		done <- e.execute(run, timeout)
	})
	env := <-done
	return run, env, nil
}

// StartAsync starts a job and returns the running run record immediately.
func (e *Engine) StartAsync(ctx context.Context, req StartRequest) (*model.Run, error) {
	run, timeout, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCopy := *run
	e.wg.Go(func() {
		e.execute(&runCopy, timeout)
	})
	return run, nil
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown kills in-flight workers and waits for their runs to be recorded.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare claims the session slot and records a running run.
func (e *Engine) prepare(ctx context.Context, req StartRequest) (*model.Run, time.Duration, error) {
	if !e.registry.Has(req.Processor) {
		return nil, 0, fmt.Errorf("%w: %s", processor.ErrUnknownProcessor, req.Processor)
	}

	runID := model.NewRunID()
	job, err := e.session.Start(req.Processor, req.Params, runID)
	if err != nil {
		return nil, 0, err
	}
	return e.record(ctx, job, runID, req.Timeout)
}

// record persists a running run for a job the session has just begun.
func (e *Engine) record(ctx context.Context, job session.Job, runID string, timeout time.Duration) (*model.Run, time.Duration, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	e.broker.Prune(brokerRetention)

	now := time.Now().UTC()
	timeoutS := int(timeout / time.Second)
	run := &model.Run{
		ID:        runID,
		JobID:     job.ID,
		Processor: job.Processor,
		Status:    model.StateRunning,
		Params:    job.Params,
		Progress:  model.ZeroProgress,
		TimeoutS:  &timeoutS,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		// Release the slot so the next start is not blocked.
		env := model.Failure(fmt.Sprintf("record run: %v", err), "", "")
		if _, ferr := e.session.Finish(runID, env); ferr != nil {
			e.logger.Error("release session", "run_id", runID, "error", ferr)
		}
		return nil, 0, fmt.Errorf("create run: %w", err)
	}

	e.logger.Info("job started", "job_id", job.ID, "run_id", runID, "processor", job.Processor)
	return run, timeout, nil
}

// execute runs the worker for run and records its outcome.
func (e *Engine) execute(run *model.Run, timeout time.Duration) *model.Envelope {
	// Close the event stream when execution finishes, regardless of outcome.
	defer e.broker.Close(run.ID)

	jobsRunning.Inc()
	defer jobsRunning.Dec()

	ctx := e.ctx
	start := time.Now()

	var last model.Progress
	var seq atomic.Int32
	hooks := supervisor.Hooks{
		OnProgress: func(p model.Progress) {
			last = p
			progressUpdates.WithLabelValues(run.Processor).Inc()
			if err := e.session.UpdateProgress(run.ID, p); err != nil {
				e.logger.Warn("session progress", "run_id", run.ID, "error", err)
			}
			if err := e.store.UpdateRunProgress(ctx, run.ID, p); err != nil {
				e.logger.Error("failed to persist progress", "run_id", run.ID, "error", err)
			}
			e.broker.Publish(run.ID, Event{Type: EventProgress, Progress: &p})
		},
		// Dual-write: persist for history, then publish for live SSE.
		OnLog: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(ctx, run.ID, currentSeq, line); err != nil {
				e.logger.Error("failed to persist log line", "run_id", run.ID, "seq", currentSeq, "error", err)
			}
			e.broker.Publish(run.ID, Event{Type: EventLog, Line: line})
		},
	}

	env, err := e.runWorker(ctx, run, timeout, hooks)
	if err != nil {
		e.logger.Error("worker failed to start", "run_id", run.ID, "error", err)
		env = model.Failure(err.Error(), "", fmt.Sprintf("%T: %v", err, err))
	}

	e.finish(run, env, last, time.Since(start))
	return env
}

func (e *Engine) runWorker(ctx context.Context, run *model.Run, timeout time.Duration, hooks supervisor.Hooks) (*model.Envelope, error) {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	dir := filepath.Join(e.cfg.WorkDir, run.ID)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("remove work dir", "dir", dir, "error", err)
		}
	}()

	cmd := supervisor.Command{
		Path:    e.cfg.WorkerBin,
		Args:    []string{run.Processor, "--json-param", string(params), "--id", run.JobID},
		Env:     append(os.Environ(), e.cfg.Env...),
		Dir:     dir,
		Timeout: timeout,
	}

	res, err := e.runner.Run(ctx, cmd, hooks)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	e.logger.Debug("worker exited", "run_id", run.ID, "exit_code", res.ExitCode, "responded", res.Responded)
	return res.Envelope, nil
}

// finish records the terminal envelope in the store and the session.
func (e *Engine) finish(run *model.Run, env *model.Envelope, last model.Progress, elapsed time.Duration) {
	status := model.StateCompleted
	if env.Failed() {
		status = model.StateFailed
	}

	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("encode envelope", "run_id", run.ID, "error", err)
	}

	now := time.Now().UTC()
	durationMS := int(elapsed.Milliseconds())
	run.Status = status
	run.Progress = last
	run.Envelope = data
	run.Error = env.ErrorMessage()
	run.DurationMS = &durationMS
	run.FinishedAt = &now

	if err := e.store.FinishRun(context.Background(), run); err != nil {
		e.logger.Error("failed to record finished run", "run_id", run.ID, "error", err)
	}
	if _, err := e.session.Finish(run.ID, env); err != nil {
		e.logger.Error("failed to finish session job", "run_id", run.ID, "error", err)
	}

	jobsTotal.WithLabelValues(run.Processor, status).Inc()
	jobDuration.WithLabelValues(run.Processor).Observe(elapsed.Seconds())
	e.broker.Publish(run.ID, Event{Type: EventDone, Status: status})

	e.logger.Info("job finished", "job_id", run.JobID, "run_id", run.ID, "status", status, "duration_ms", durationMS)
}
