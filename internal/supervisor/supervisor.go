// Package supervisor runs one worker process on the host side: it spawns the
// worker, relays progress and log lines while the worker runs, and turns the
// worker's exit into exactly one response envelope.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/protocol"
)

// waitDelay bounds how long Wait waits for output pipes after the worker is killed.
const waitDelay = 2 * time.Second

// ErrTerminated is the cause recorded when a worker exits without handing
// off an envelope.
var ErrTerminated = errors.New("worker terminated unexpectedly")

// Command describes one worker invocation.
type Command struct {
	Path string
	Args []string
	Env  []string

	// Dir is the worker's working directory, where it writes its envelope.
	// It is created if missing.
	Dir string

	// Timeout kills the worker when exceeded. Zero means no timeout.
	Timeout time.Duration
}

// Hooks receive stream events while the worker runs. Calls come from the
// supervisor's reader goroutines; OnProgress calls are sequential and in
// stream order.
type Hooks struct {
	OnProgress func(model.Progress)
	OnLog      func(line string)
}

// Result is the outcome of a worker run.
type Result struct {
	Envelope *model.Envelope
	Started  time.Time
	Stopped  time.Time
	ExitCode int

	// Responded is true when the worker completed the response handoff.
	Responded bool
}

// Supervisor spawns and monitors worker processes.
type Supervisor struct {
	logger *slog.Logger
}

// New creates a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Run executes c and blocks until the worker exits. The returned Result
// always carries an envelope: the worker's own, or a failure describing a
// timeout, cancellation or a worker that exited without responding. An error
// is returned only when the worker could not be started.
func (s *Supervisor) Run(ctx context.Context, c Command, h Hooks) (*Result, error) {
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	res := &Result{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	s.logger.Debug("worker started", "path", c.Path, "pid", cmd.Process.Pid)

	// Descendants that escaped the process group can hold the pipes open
	// after the worker is killed; close them once waitDelay has passed.
	released := make(chan struct{})
	defer close(released)
	stopRelease := context.AfterFunc(ctx, func() {
		t := time.NewTimer(waitDelay)
		defer t.Stop()
		select {
		case <-t.C:
			stdout.Close()
			stderr.Close()
		case <-released:
		}
	})
	defer stopRelease()

	var path string
	var g errgroup.Group
	g.Go(func() error {
		var err error
		path, err = s.readStream(stdout, h)
		return err
	})
	g.Go(func() error {
		return readLines(stderr, h.OnLog)
	})

	// Readers must finish before Wait closes the pipes.
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	res.Stopped = time.Now().UTC()
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if streamErr != nil {
		s.logger.Warn("worker stream", "error", streamErr)
	}

	switch {
	case path != "":
		env, err := protocol.ReadEnvelopeFile(path)
		if err != nil {
			res.Envelope = failure(fmt.Sprintf("read worker response: %v", err), err)
			break
		}
		res.Envelope = env
		res.Responded = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Envelope = failure(fmt.Sprintf("worker timed out after %s", c.Timeout), ctx.Err())
	case errors.Is(ctx.Err(), context.Canceled):
		res.Envelope = failure("worker canceled", ctx.Err())
	default:
		cause := ErrTerminated
		if waitErr != nil {
			cause = fmt.Errorf("%w: %v", ErrTerminated, waitErr)
		}
		res.Envelope = failure(cause.Error(), cause)
	}

	return res, nil
}

// readStream relays protocol events until EOF and returns the envelope path,
// if the worker sent one. Progress lines after the response are ignored.
func (s *Supervisor) readStream(r io.Reader, h Hooks) (string, error) {
	pr := protocol.NewReader(r)
	var path string
	for {
		ev, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return path, nil
		}
		if errors.Is(err, protocol.ErrMalformedLine) {
			s.logger.Warn("malformed worker line", "error", err)
			continue
		}
		if err != nil {
			return path, err
		}

		switch ev.Type {
		case protocol.EventProgress:
			if path != "" {
				s.logger.Warn("progress after response ignored", "now", ev.Progress.Now)
				continue
			}
			if h.OnProgress != nil {
				h.OnProgress(ev.Progress)
			}
		case protocol.EventResponse:
			if path == "" {
				path = ev.Path
			}
		case protocol.EventLog:
			if ev.Truncated {
				s.logger.Warn("worker line truncated", "limit", protocol.MaxLineSize)
			}
			if h.OnLog != nil {
				h.OnLog(ev.Line)
			}
		}
	}
}

func readLines(r io.Reader, fn func(string)) error {
	lr := protocol.NewLineReader(r)
	for {
		line, _, err := lr.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stderr: %w", err)
		}
		if fn != nil {
			fn(line)
		}
	}
}

// failure builds the envelope for a run that produced none.
func failure(msg string, cause error) *model.Envelope {
	return model.Failure(msg, "", fmt.Sprintf("%T: %v", cause, cause))
}
