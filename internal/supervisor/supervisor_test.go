package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seantiz/kiln/internal/harness"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/protocol"
)

// workerEnv selects a helper worker when the test binary re-executes itself.
const workerEnv = "KILN_SUPERVISOR_TEST_WORKER"

// platformWorkers holds helper workers that depend on the host OS.
var platformWorkers = map[string]func() int{}

func TestMain(m *testing.M) {
	if name := os.Getenv(workerEnv); name != "" {
		os.Exit(runHelperWorker(name))
	}
	goleak.VerifyTestMain(m)
}

// runHelperWorker behaves like kiln-worker with a fixed set of test processors.
func runHelperWorker(name string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	procs := map[string]harness.ProcessorFunc{
		"ok": func(_ context.Context, params model.Params, r harness.Reporter) (any, error) {
			fmt.Println("hello from worker")
			r.SetProgress(harness.WithNow(10), harness.WithLabel("a"))
			r.SetProgress(harness.WithNow(50), harness.WithLabel("b"))
			return map[string]any{"y": 2}, nil
		},
		"boom": func(context.Context, model.Params, harness.Reporter) (any, error) {
			return nil, errors.New("boom")
		},
		"crash": func(_ context.Context, _ model.Params, r harness.Reporter) (any, error) {
			r.SetProgress(harness.WithNow(30))
			os.Exit(3)
			return nil, nil
		},
		"hang": func(context.Context, model.Params, harness.Reporter) (any, error) {
			time.Sleep(time.Minute)
			return nil, nil
		},
		"longline": func(context.Context, model.Params, harness.Reporter) (any, error) {
			fmt.Println(strings.Repeat("x", 2_000_000))
			return map[string]any{"y": 2}, nil
		},
		"nap": func(context.Context, model.Params, harness.Reporter) (any, error) {
			time.Sleep(8 * time.Second)
			return nil, nil
		},
		"stderr": func(context.Context, model.Params, harness.Reporter) (any, error) {
			fmt.Fprintln(os.Stderr, "warning: on stderr")
			return "done", nil
		},
	}

	if fn, ok := platformWorkers[name]; ok {
		return fn()
	}
	if name == "late" {
		h := harness.New(nil, harness.ProcessorFunc(func(context.Context, model.Params, harness.Reporter) (any, error) {
			return 1, nil
		}), harness.WithLogger(logger))
		if _, err := h.Start(context.Background()); err != nil {
			return 1
		}
		fmt.Println(`progress-{"now":99,"currentLabel":"late"}`)
		return 0
	}
	if name == "garbage" {
		fmt.Println("progress-{not json")
		fmt.Println("response-ready")
		return 0
	}

	p, ok := procs[name]
	if !ok {
		return 2
	}
	h := harness.New(nil, p, harness.WithLogger(logger))
	if _, err := h.Start(context.Background()); err != nil {
		return 1
	}
	return 0
}

type recorder struct {
	mu       sync.Mutex
	progress []model.Progress
	logs     []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnProgress: func(p model.Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnLog: func(line string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, line)
		},
	}
}

func helperCommand(t *testing.T, name string) Command {
	t.Helper()
	return Command{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  append(os.Environ(), workerEnv+"="+name),
		Dir:  t.TempDir(),
	}
}

func newTestSupervisor() *Supervisor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunSuccess(t *testing.T) {
	rec := &recorder{}
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "ok"), rec.hooks())
	require.NoError(t, err)
	require.True(t, res.Responded)
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.Envelope.Failed())
	require.JSONEq(t, `{"y":2}`, string(res.Envelope.Data))

	require.Len(t, rec.progress, 2)
	require.Equal(t, 10, rec.progress[0].Now)
	require.Equal(t, "b", rec.progress[1].CurrentLabel)
	require.Contains(t, rec.logs, "hello from worker")
}

func TestRunProcessorError(t *testing.T) {
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "boom"), Hooks{})
	require.NoError(t, err)
	require.True(t, res.Responded)
	require.True(t, res.Envelope.Failed())
	require.Equal(t, "boom", res.Envelope.ErrorMessage())
	require.Contains(t, res.Envelope.Error.StackTrace, "Func.Name ->")
}

func TestRunCrashWithoutEnvelope(t *testing.T) {
	rec := &recorder{}
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "crash"), rec.hooks())
	require.NoError(t, err)
	require.False(t, res.Responded)
	require.Equal(t, 3, res.ExitCode)
	require.True(t, res.Envelope.Failed())
	require.Contains(t, res.Envelope.ErrorMessage(), "worker terminated unexpectedly")
	require.Len(t, rec.progress, 1)
}

func TestRunTimeout(t *testing.T) {
	cmd := helperCommand(t, "hang")
	cmd.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := newTestSupervisor().Run(context.Background(), cmd, Hooks{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 30*time.Second)
	require.False(t, res.Responded)
	require.Equal(t, "worker timed out after 300ms", res.Envelope.ErrorMessage())
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := newTestSupervisor().Run(ctx, helperCommand(t, "hang"), Hooks{})
	require.NoError(t, err)
	require.Equal(t, "worker canceled", res.Envelope.ErrorMessage())
}

func TestRunStderrBecomesLog(t *testing.T) {
	rec := &recorder{}
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "stderr"), rec.hooks())
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(res.Envelope.Data))
	require.Contains(t, rec.logs, "warning: on stderr")
}

func TestRunIgnoresProgressAfterResponse(t *testing.T) {
	rec := &recorder{}
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "late"), rec.hooks())
	require.NoError(t, err)
	require.True(t, res.Responded)
	require.Empty(t, rec.progress)
}

func TestRunMalformedStream(t *testing.T) {
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "garbage"), Hooks{})
	require.NoError(t, err)
	require.False(t, res.Responded)
	require.True(t, res.Envelope.Failed())
}

func TestRunOversizedLineBeforeResponse(t *testing.T) {
	rec := &recorder{}
	res, err := newTestSupervisor().Run(context.Background(), helperCommand(t, "longline"), rec.hooks())
	require.NoError(t, err)
	require.True(t, res.Responded)
	require.False(t, res.Envelope.Failed())
	require.JSONEq(t, `{"y":2}`, string(res.Envelope.Data))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.True(t, slices.ContainsFunc(rec.logs, func(l string) bool {
		return len(l) == protocol.MaxLineSize
	}), "cut line not relayed as log")
}

func TestRunMissingBinary(t *testing.T) {
	_, err := newTestSupervisor().Run(context.Background(), Command{Path: "/nonexistent/kiln-worker"}, Hooks{})
	require.Error(t, err)
}
