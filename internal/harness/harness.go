package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/protocol"
)

// NoProcessMessage is the toast sent when a harness has no processor.
const NoProcessMessage = "No process function was provided"

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("harness already started")

// Processor is a unit of work run by the harness.
type Processor interface {
	Process(ctx context.Context, params model.Params, r Reporter) (any, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, params model.Params, r Reporter) (any, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, params model.Params, r Reporter) (any, error) {
	return f(ctx, params, r)
}

// Reporter publishes progress from inside a processor.
type Reporter interface {
	// SetProgress merges the given fields into the live record and emits it.
	SetProgress(opts ...ProgressOption)
	// ReplaceProgress swaps the live record wholesale and emits it.
	ReplaceProgress(p model.Progress)
}

// ProgressOption updates one field of the live progress record.
type ProgressOption func(*model.Progress)

// WithLabel sets the current stage label.
func WithLabel(label string) ProgressOption {
	return func(p *model.Progress) { p.CurrentLabel = label }
}

// WithNow sets the completion percentage.
func WithNow(now int) ProgressOption {
	return func(p *model.Progress) { p.Now = now }
}

// WithType sets the free-form type tag.
func WithType(typ string) ProgressOption {
	return func(p *model.Progress) { p.Type = typ }
}

// Harness runs one processor exactly once and reports through the protocol.
type Harness struct {
	params  model.Params
	proc    Processor
	out     *protocol.Writer
	dir     string
	logger  *slog.Logger
	onError func(error)

	mu       sync.Mutex // serializes progress mutation and emission
	progress model.Progress
	started  atomic.Bool
}

// Option configures a Harness.
type Option func(*Harness)

// WithOutput sets the protocol stream. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(h *Harness) { h.out = protocol.NewWriter(w) }
}

// WithDir sets the directory receiving the envelope file. Defaults to the
// working directory.
func WithDir(dir string) Option {
	return func(h *Harness) { h.dir = dir }
}

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithProgress sets the initial progress record.
func WithProgress(p model.Progress) Option {
	return func(h *Harness) { h.progress = p }
}

// New creates a harness for params. proc may be nil, in which case Start
// sends the NoProcessMessage toast.
func New(params model.Params, proc Processor, opts ...Option) *Harness {
	h := &Harness{
		params: params,
		proc:   proc,
		dir:    ".",
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.out == nil {
		h.out = protocol.NewWriter(os.Stdout)
	}
	if h.params == nil {
		h.params = model.Params{}
	}
	return h
}

// SetErrorHandler registers fn to observe processing failures before the
// failure envelope is sent. It cannot change the envelope. Call before Start.
func (h *Harness) SetErrorHandler(fn func(error)) {
	h.onError = fn
}

// Progress returns a copy of the live progress record.
func (h *Harness) Progress() model.Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// SetProgress implements Reporter.
func (h *Harness) SetProgress(opts ...ProgressOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, opt := range opts {
		opt(&h.progress)
	}
	h.emit()
}

// ReplaceProgress implements Reporter.
func (h *Harness) ReplaceProgress(p model.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = p
	h.emit()
}

// emit writes the live record. Callers hold h.mu.
func (h *Harness) emit() {
	err := h.out.Progress(h.progress)
	switch {
	case errors.Is(err, protocol.ErrResponseSent):
		h.logger.Debug("progress after response dropped", "now", h.progress.Now)
	case err != nil:
		h.logger.Error("emit progress", "error", err)
	}
}

// Start runs the processor, then writes the response envelope and signals
// completion. It returns the envelope that was sent. The returned error is
// non-nil only when the envelope could not be handed off; processing
// failures are reported inside the envelope.
func (h *Harness) Start(ctx context.Context) (*model.Envelope, error) {
	if !h.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	env := h.run(ctx)

	path, err := protocol.WriteEnvelopeFile(h.dir, env)
	if err != nil {
		return env, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.out.ResponseReady(path); err != nil {
		return env, err
	}
	return env, nil
}

func (h *Harness) run(ctx context.Context) *model.Envelope {
	if h.proc == nil {
		return model.Toast(NoProcessMessage)
	}

	result, err := h.invoke(ctx)
	if err != nil {
		if h.onError != nil {
			h.onError(err)
		}
		var toast *ToastError
		if errors.As(err, &toast) {
			return model.Toast(toast.Message)
		}
		return Capture(err).Envelope()
	}

	env, err := model.Success(result)
	if err != nil {
		return Capture(pkgerrors.WithStack(err)).Envelope()
	}
	return env
}

func (h *Harness) invoke(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = capturePanic(r)
		}
	}()
	return h.proc.Process(ctx, h.params.Clone(), h)
}
