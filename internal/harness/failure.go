package harness

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/go-stack/stack"
	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/kiln/internal/model"
)

// ToastError is a lightweight failure carrying only a user-facing message.
type ToastError struct {
	Message string
}

func (e *ToastError) Error() string { return e.Message }

// Toast returns a ToastError with msg.
func Toast(msg string) error {
	return &ToastError{Message: msg}
}

// Frame is one rendered stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Message  string `json:"message,omitempty"`
}

// ExecutionError describes a fault captured while processing. Frames are
// ordered outermost call first, ending at the fault.
type ExecutionError struct {
	Message string
	Value   string
	Frames  []Frame
	cause   error
}

func (e *ExecutionError) Error() string { return e.Message }

func (e *ExecutionError) Unwrap() error { return e.cause }

// Trace renders Frames in the envelope's stack_trace format.
func (e *ExecutionError) Trace() string {
	var b strings.Builder
	for _, f := range e.Frames {
		fmt.Fprintf(&b, "\nFile -> %s\nLine -> %d\nFunc.Name -> %s\n", f.File, f.Line, f.Function)
		if f.Message != "" {
			fmt.Fprintf(&b, "Message -> %s\n", f.Message)
		}
	}
	return b.String()
}

// Envelope converts e into a failure envelope.
func (e *ExecutionError) Envelope() *model.Envelope {
	return model.Failure(e.Message, e.Trace(), e.Value)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Capture describes err. The stack comes from the deepest error in the chain
// that recorded one with github.com/pkg/errors; without one, the stack of
// the caller is used.
func Capture(err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}

	var st pkgerrors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(stackTracer); ok {
			st = t.StackTrace()
		}
	}
	if st == nil {
		st = pkgerrors.WithStack(err).(stackTracer).StackTrace()[1:]
	}

	frames := make([]Frame, 0, len(st))
	for _, f := range st {
		pc := uintptr(f) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		frames = append(frames, Frame{File: file, Line: line, Function: fn.Name()})
	}

	return newExecutionError(err.Error(), describeValue(rootCause(err)), frames, err)
}

// capturePanic describes a recovered panic value using the stack at the
// recovery site.
func capturePanic(r any) *ExecutionError {
	cs := stack.Trace().TrimRuntime()
	// Frames above runtime.gopanic belong to the recovery machinery.
	for i, c := range cs {
		if c.Frame().Function == "runtime.gopanic" {
			cs = cs[i+1:]
			break
		}
	}

	var frames []Frame
	for _, c := range cs {
		f := c.Frame()
		if strings.HasPrefix(f.Function, "runtime.") {
			continue
		}
		frames = append(frames, Frame{File: f.File, Line: f.Line, Function: f.Function})
	}

	msg := fmt.Sprint(r)
	var cause error
	if err, ok := r.(error); ok {
		msg = err.Error()
		cause = err
	}
	return newExecutionError(msg, describeValue(r), frames, cause)
}

// newExecutionError reverses innermost-first frames and attaches msg to the
// faulting frame.
func newExecutionError(msg, value string, frames []Frame, cause error) *ExecutionError {
	slices.Reverse(frames)
	if n := len(frames); n > 0 {
		frames[n-1].Message = msg
	}
	return &ExecutionError{Message: msg, Value: value, Frames: frames, cause: cause}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func describeValue(v any) string {
	return fmt.Sprintf("%T: %v", v, v)
}
