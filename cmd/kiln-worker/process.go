package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/harness"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/processor"
)

func doProcess(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), level).With(
		"job_id", flagID,
		"processor", args[0],
		"pid", os.Getpid(),
	)

	h := newHarness(processor.Default(), args[0], flagJSONParam, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := h.Start(ctx)
	if err != nil {
		return fmt.Errorf("hand off response: %w", err)
	}
	logger.Debug("response sent", "failed", env.Failed())
	return nil
}

// newHarness builds the harness for one invocation. Bad parameters and
// unknown processors still produce a toast envelope, so the host always
// receives a response. Progress records start tagged with the built-in type.
func newHarness(reg *processor.Registry, name, rawParams string, logger *slog.Logger, opts ...harness.Option) *harness.Harness {
	opts = append([]harness.Option{
		harness.WithProgress(model.Progress{Type: processor.ProgressType}),
		harness.WithLogger(logger),
	}, opts...)

	var h *harness.Harness
	params, err := model.ParseParams([]byte(rawParams))
	switch {
	case err != nil:
		h = harness.New(nil, harness.ProcessorFunc(func(_ context.Context, _ model.Params, _ harness.Reporter) (any, error) {
			return nil, harness.Toast(fmt.Sprintf("invalid job parameters: %v", err))
		}), opts...)
	default:
		p, rerr := reg.Resolve(name)
		if rerr != nil {
			logger.Warn("processor not found", "error", rerr)
		}
		h = harness.New(params, p, opts...)
	}

	h.SetErrorHandler(func(err error) {
		p := h.Progress()
		logger.Error("processing failed", "error", err, "now", p.Now, "label", p.CurrentLabel)
	})
	return h
}

func doList(cmd *cobra.Command, _ []string) error {
	for _, info := range processor.Default().List() {
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", info.Name, info.Description); err != nil {
			return err
		}
	}
	return nil
}
