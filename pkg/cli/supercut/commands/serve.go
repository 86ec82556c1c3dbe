package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kralicky/supercut/pkg/auth"
	"github.com/kralicky/supercut/pkg/config"
	"github.com/kralicky/supercut/pkg/hub"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/jobs/pgstore"
	"github.com/kralicky/supercut/pkg/jobs/sqlitestore"
	"github.com/kralicky/supercut/pkg/logger"
	"github.com/kralicky/supercut/pkg/media"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
	"github.com/kralicky/supercut/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ServeCmd represents the serve command
func BuildServeCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supercut server.",
		Long: `
Runs the HTTP API and the transcription job workers until interrupted.

Configuration is read from the file given with --config (or $SUPERCUT_CONFIG),
then SUPERCUT_* environment variables, then command-line flags, each
overriding the previous one.
`[1:],
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				if err := logger.SetLevel(opts.LogLevel); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), opts)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func openStore(ctx context.Context, opts config.StoreOptions) (jobs.Store, error) {
	switch opts.Driver {
	case config.DriverMemory:
		return jobs.NewMemoryStore(), nil
	case config.DriverSQLite:
		return sqlitestore.Open(ctx, opts.DSN)
	case config.DriverPostgres:
		return pgstore.Open(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func authenticators(opts config.Options) []auth.Authenticator {
	var authenticators []auth.Authenticator
	if opts.TLS.CaCertFile != "" {
		authenticators = append(authenticators, auth.NewMTLSAuthenticator())
	}
	if len(opts.Tokens) > 0 {
		authenticators = append(authenticators, auth.NewTokenAuthenticator(opts.Tokens))
	}
	return authenticators
}

func serve(ctx context.Context, opts config.Options) error {
	store, err := openStore(ctx, opts.Store)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	mediaStore, err := media.NewStore(opts.UploadDir, opts.ExportDir)
	if err != nil {
		return err
	}
	logs := hub.New(opts.ObserverBuffer)
	rt := runner.New(runner.Options{GracePeriod: opts.GracePeriod})
	engine := scripts.Engine{Python: opts.Python, Dir: opts.EngineDir}

	queue := jobs.NewQueue(jobs.Options{
		Store: store,
		Executor: &server.TranscriptionExecutor{
			Runner: rt,
			Engine: engine,
			Hub:    logs,
		},
		DefaultPolicy: opts.JobPolicy,
		PollInterval:  opts.PollInterval,
		// a timed out engine gets GracePeriod after SIGTERM and then twice
		// that for its pipes to drain
		LeaseGrace: max(jobs.DefaultLeaseGrace, 4*opts.GracePeriod),
	})
	srv := server.NewServer(server.Dependencies{
		Queue:  queue,
		Runner: rt,
		Engine: engine,
		Hub:    logs,
		Media:  mediaStore,
	}, server.Options{
		ListenAddress:     opts.ListenAddress,
		HealthAddress:     opts.HealthAddress,
		CaCertFile:        opts.TLS.CaCertFile,
		CertFile:          opts.TLS.CertFile,
		KeyFile:           opts.TLS.KeyFile,
		Authenticators:    authenticators(opts),
		KeepaliveInterval: opts.KeepaliveInterval,
	})

	slog.With(
		"store", opts.Store.Driver,
		"workers", opts.Workers,
		"python", opts.Python,
		"uploads", opts.UploadDir,
		"exports", opts.ExportDir,
		"auth", opts.AuthEnabled(),
	).Info("starting supercut")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return queue.Run(ctx, opts.Workers)
	})
	eg.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	return eg.Wait()
}
