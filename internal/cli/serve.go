package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/server"
	"github.com/roach88/fieldsync/internal/server/postgres"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	DatabaseURL string
	AdminToken  string
	Memory      bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference backend server",
		Long: `Run the backend that devices register with, lease reference batches from
and deliver transactions to. State is kept in PostgreSQL when a database URL
is configured (server.database_url or FIELDSYNC_DATABASE_URL), in memory
otherwise.

Example:
  fieldsync serve --addr :8080 --database-url postgres://fieldsync@localhost/fieldsync
  fieldsync serve --memory --admin-token s3cret`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveBackend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL connection string (default from config)")
	cmd.Flags().StringVar(&opts.AdminToken, "admin-token", "", "bearer token required by approve/reject")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "keep state in memory even if a database URL is configured")
	cmd.MarkFlagsMutuallyExclusive("memory", "database-url")

	return cmd
}

func serveBackend(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	dsn := cfg.Server.DatabaseURL
	if opts.DatabaseURL != "" {
		dsn = opts.DatabaseURL
	}
	token := cfg.Server.AdminToken
	if opts.AdminToken != "" {
		token = opts.AdminToken
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codes := backend.CodeFormat{
		CompanyWidth: cfg.Codes.CompanyWidth,
		DeviceWidth:  cfg.Codes.DeviceWidth,
	}
	var st server.Store
	if dsn == "" || opts.Memory {
		logger.Warn("using in-memory backend store; state is lost on exit")
		st = server.NewMemoryStore(server.WithMemoryCodeFormat(codes))
	} else {
		pg, err := postgres.Open(ctx, dsn, logger, postgres.WithCodeFormat(codes))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to database", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to migrate database", err)
		}
		st = pg
	}
	if token == "" {
		logger.Warn("no admin token configured; approve and reject are open")
	}

	srv := server.New(st,
		server.WithLogger(logger),
		server.WithMetrics(metrics.New()),
		server.WithAdminToken(token),
		server.WithRateLimit(cfg.Server.RateLimit),
	)
	if err := srv.Run(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "backend server error", err)
	}
	return nil
}
