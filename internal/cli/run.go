package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/app"
	"github.com/roach88/fieldsync/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop",
		Long: `Run the device's sync loop until interrupted. The loop drains the pending
queue on startup, on a timer, after failed passes and whenever connectivity
returns. Captures made by other processes are picked up on the next timer.

Example:
  fieldsync run --config ./fieldsync.yaml --verbose
  fieldsync run --metrics-addr 127.0.0.1:9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve device metrics on this address")
	return cmd
}

func runLoop(opts *RunOptions, cmd *cobra.Command) error {
	var m *metrics.Metrics
	if opts.MetricsAddr != "" {
		m = metrics.New()
		opts.ServiceOptions = append(opts.ServiceOptions, app.WithMetrics(m))
	}

	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m != nil {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go serveMetrics(srv, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("sync loop starting", "fingerprint", svc.Fingerprint())
	fmt.Fprintln(cmd.OutOrStdout(), "Sync loop started. Press Ctrl-C to stop.")

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "sync loop error", err)
	}

	logger.Info("sync loop stopped gracefully")
	return nil
}

func serveMetrics(srv *http.Server, logger *slog.Logger) {
	logger.Info("serving metrics", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
