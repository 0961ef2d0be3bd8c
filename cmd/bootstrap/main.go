// Bootstrap keeps a benchmark worker installed and running. It asks the
// benchmark server which worker version to use, installs it next to itself,
// runs it, and reinstalls it whenever the worker reports that it is stale.
//
// Usage:
//
//	bootstrap -U USER -P PASSWORD -S SERVER [--clean] [--no-client-downloads] [worker args...]
//
// Flags the supervisor does not know are passed to the worker unchanged.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/config"
	"borg/bootstrap/internal/downloader"
	"borg/bootstrap/internal/fault"
	"borg/bootstrap/internal/installer"
	"borg/bootstrap/internal/retry"
	"borg/bootstrap/internal/supervisor"
	"borg/bootstrap/internal/telemetry"
	"borg/bootstrap/internal/worker"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var forwarded []string
	rootCmd := newRootCmd(&forwarded)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	known, extra := partitionArgs(rootCmd.Flags(), args)
	forwarded = extra
	rootCmd.SetArgs(known)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return fault.ExitCode(err)
}

func newRootCmd(workerArgs *[]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bootstrap [flags] [worker args...]",
		Short:         "Install, run and update the benchmark worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervise(cmd, append(*workerArgs, args...))
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", fault.ErrConfig, err)
	})

	defaultHelp := cmd.HelpFunc()
	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		printWorkerHelp(c)
	})
	return cmd
}

// printWorkerHelp appends the installed worker's own help, if there is one.
func printWorkerHelp(cmd *cobra.Command) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return
	}
	loader := worker.NewLoader(workerOptions(cfg))
	if !installer.HasWorker(cfg.Work.Directory, loader.Entry()) {
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nWorker options:")
	if err := loader.Help(cmd.Context(), out); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "failed to show worker help:", err)
	}
}

func supervise(cmd *cobra.Command, workerArgs []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := telemetry.SetupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	logger = telemetry.WithSession(logger, uuid.NewString())
	logger.Info("starting", "version", version, "server", cfg.Server, "work_dir", cfg.Work.Directory)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	if cfg.Metrics.Address != "" {
		go metrics.Serve(ctx, cfg.Metrics.Address, logger)
	}

	creds := client.Credentials{Username: cfg.Username, Password: cfg.Password}
	httpClient := client.NewClient(cfg.Server, cfg.HTTPTimeout())

	inst := installer.New(downloader.NewDownloader(httpClient, ""), installer.Options{
		WorkDir: cfg.Work.Directory,
		Subdir:  cfg.Install.Subdir,
		Exclude: cfg.Excluded(),
		Flatten: cfg.Install.Flatten,
		Logger:  logger,
	})
	updater := installer.NewUpdater(httpClient, inst, creds, logger, metrics)
	loader := worker.NewLoader(workerOptions(cfg))

	sup := supervisor.New(supervisor.Config{
		Clean:       cfg.Clean,
		NoDownloads: cfg.NoClientDownloads,
		HasWorker: func() bool {
			return installer.HasWorker(cfg.Work.Directory, loader.Entry())
		},
		RetryInterval: retryInterval(cfg),
		Run: worker.RunConfig{
			Server:      cfg.Server,
			Credentials: creds,
			Args:        workerArgs,
			Stdin:       os.Stdin,
			Stdout:      cmd.OutOrStdout(),
			Stderr:      cmd.ErrOrStderr(),
		},
	}, updater, loader, logger, metrics)

	if err := sup.Run(ctx); err != nil {
		logger.Error("stopped", "error", err)
		return err
	}
	logger.Info("stopped")
	return nil
}

func workerOptions(cfg *config.Config) worker.Options {
	return worker.Options{
		WorkDir:            cfg.Work.Directory,
		Entry:              cfg.Worker.Entry,
		Interpreter:        cfg.Worker.Interpreter,
		VersionFaultStatus: cfg.Worker.VersionFaultExitCode,
		GracePeriod:        cfg.GracePeriod(),
	}
}

// retryInterval turns a configured interval of zero into an explicit
// no-delay policy.
func retryInterval(cfg *config.Config) time.Duration {
	if d := cfg.RetryInterval(); d > 0 {
		return d
	}
	return retry.NoDelay
}
