// Package supervisor keeps a worker installed and running. It installs the
// worker when it is missing, runs it, and reinstalls it whenever the worker
// reports a version fault.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"borg/bootstrap/internal/fault"
	"borg/bootstrap/internal/retry"
	"borg/bootstrap/internal/telemetry"
	"borg/bootstrap/internal/worker"
)

// State of the supervisor.
type State int

const (
	Start State = iota
	EnsureInstalled
	Running
	Stopped
)

var stateNames = []string{"START", "ENSURE_INSTALLED", "RUNNING", "STOPPED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Updater installs the worker version the server currently expects.
type Updater interface {
	Update(ctx context.Context) error
}

// Loader resolves the installed worker.
type Loader interface {
	Load(ctx context.Context) (worker.Runner, error)
}

// Config controls the supervisor.
type Config struct {
	// Clean forces a reinstall before the first run.
	Clean bool

	// NoDownloads forbids every install. A missing or stale worker is then
	// a fatal configuration error.
	NoDownloads bool

	// HasWorker reports whether a worker is installed.
	HasWorker func() bool

	RetryInterval time.Duration
	RetrySleep    retry.SleepFunc

	// Run is passed to every worker execution.
	Run worker.RunConfig
}

// Supervisor drives the worker lifecycle.
type Supervisor struct {
	cfg     Config
	updater Updater
	loader  Loader
	logger  *slog.Logger
	metrics *telemetry.Metrics
	state   State
}

// New creates a supervisor.
func New(cfg Config, updater Updater, loader Loader, logger *slog.Logger, metrics *telemetry.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		updater: updater,
		loader:  loader,
		logger:  logger,
		metrics: metrics,
		state:   Start,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.state
}

// Run blocks until the worker completes, the context is cancelled, or a
// fatal error occurs. Completion and cancellation return nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.transition(Start)
	force := s.cfg.Clean

	for {
		s.transition(EnsureInstalled)
		if err := s.ensureInstalled(ctx, force); err != nil {
			return s.stop(err)
		}
		force = false

		if ctx.Err() != nil {
			return s.stop(nil)
		}

		s.transition(Running)
		out, err := s.runWorker(ctx)
		if err != nil {
			return s.stop(err)
		}

		switch out.Kind {
		case worker.Completed:
			s.logger.Info("worker finished")
			return s.stop(nil)

		case worker.Interrupted:
			s.logger.Info("interrupted, stopping")
			return s.stop(nil)

		case worker.VersionFault:
			if s.cfg.NoDownloads {
				return s.stop(fmt.Errorf("%w: worker update requested, but --no-client-downloads provided", fault.ErrConfig))
			}
			s.logger.Info("downloading newer version of worker")
			force = true

		default:
			return s.stop(fmt.Errorf("worker exited with status %d: %w", out.ExitCode, out.Err))
		}
	}
}

func (s *Supervisor) ensureInstalled(ctx context.Context, force bool) error {
	present := s.cfg.HasWorker != nil && s.cfg.HasWorker()
	if present && !force {
		return nil
	}

	if s.cfg.NoDownloads {
		if !present {
			return fmt.Errorf("%w: worker missing, and --no-client-downloads provided", fault.ErrConfig)
		}
		return fmt.Errorf("%w: clean install requested, but --no-client-downloads provided", fault.ErrConfig)
	}

	s.logger.Info("downloading worker")
	_, err := retry.Do(ctx, retry.Policy{
		Interval:  s.cfg.RetryInterval,
		Message:   "Failed to download worker files",
		Operation: "install",
		Logger:    s.logger,
		Metrics:   s.metrics,
		Sleep:     s.cfg.RetrySleep,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.updater.Update(ctx)
	})
	return err
}

// runWorker loads a fresh copy of the worker and runs it to completion.
func (s *Supervisor) runWorker(ctx context.Context) (worker.Outcome, error) {
	runner, err := s.loader.Load(ctx)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("%w: %w", fault.ErrWorkerFailed, err)
	}

	started := time.Now()
	out := runner.Run(ctx, s.cfg.Run)
	s.metrics.WorkerRun(out.Kind.String())
	s.logger.Info("worker exited",
		"outcome", out.Kind.String(),
		"exit_code", out.ExitCode,
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)

	return out, nil
}

// stop enters the terminal state. Interrupts are a clean stop.
func (s *Supervisor) stop(err error) error {
	s.transition(Stopped)
	if fault.IsInterrupt(err) {
		return nil
	}
	return err
}

func (s *Supervisor) transition(to State) {
	s.logger.Debug("state transition", "from", s.state.String(), "to", to.String())
	s.state = to
	s.metrics.SetState(to.String(), stateNames)
}
