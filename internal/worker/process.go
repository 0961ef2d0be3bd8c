package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/fault"
)

// Defaults
const (
	DefaultEntry              = "worker"
	DefaultVersionFaultStatus = 3
	DefaultGracePeriod        = 10 * time.Second
)

// Environment variables handed to the worker.
const (
	EnvUsername = "OPENBENCH_USERNAME"
	EnvPassword = "OPENBENCH_PASSWORD"
	EnvServer   = "OPENBENCH_SERVER"
)

// RunConfig is what the supervisor passes to the worker entry point.
type RunConfig struct {
	Server      string
	Credentials client.Credentials

	// Args are forwarded to the worker verbatim.
	Args []string
	Env  map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner is a loaded worker ready to execute.
type Runner interface {
	Run(ctx context.Context, cfg RunConfig) Outcome
}

// Options configures a Loader.
type Options struct {
	WorkDir string

	// Entry is the worker's entry file, relative to WorkDir.
	Entry string

	// Interpreter runs Entry as a script when set (for example "python3").
	Interpreter string

	// VersionFaultStatus is the exit status the worker uses to report
	// that it is stale.
	VersionFaultStatus int

	// GracePeriod is how long an interrupted worker may take to exit
	// before it is killed.
	GracePeriod time.Duration
}

// Loader resolves the worker installed on disk.
type Loader struct {
	workDir            string
	entry              string
	interpreter        string
	versionFaultStatus int
	gracePeriod        time.Duration
}

// NewLoader creates a loader.
func NewLoader(opts Options) *Loader {
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	if opts.VersionFaultStatus == 0 {
		opts.VersionFaultStatus = DefaultVersionFaultStatus
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Loader{
		workDir:            opts.WorkDir,
		entry:              opts.Entry,
		interpreter:        opts.Interpreter,
		versionFaultStatus: opts.VersionFaultStatus,
		gracePeriod:        opts.GracePeriod,
	}
}

// Entry returns the configured entry file name.
func (l *Loader) Entry() string {
	return l.entry
}

// Load looks up the worker on disk. Nothing is cached between calls, so a
// Load after an install always picks up the new files.
func (l *Loader) Load(ctx context.Context) (Runner, error) {
	path := filepath.Join(l.workDir, l.entry)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", fault.ErrWorkerMissing, path)
	}

	// Archives do not always carry the executable bit.
	if l.interpreter == "" && runtime.GOOS != "windows" && info.Mode().Perm()&0100 == 0 {
		if err := os.Chmod(path, info.Mode().Perm()|0755); err != nil {
			return nil, fmt.Errorf("failed to make worker executable: %w", err)
		}
	}

	return &Process{
		path:               path,
		workDir:            l.workDir,
		interpreter:        l.interpreter,
		versionFaultStatus: l.versionFaultStatus,
		gracePeriod:        l.gracePeriod,
	}, nil
}

// Help runs the installed worker with --help, writing its output to w.
func (l *Loader) Help(ctx context.Context, w io.Writer) error {
	runner, err := l.Load(ctx)
	if err != nil {
		return err
	}
	p := runner.(*Process)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := p.command(ctx, []string{"--help"})
	cmd.Stdout = w
	cmd.Stderr = w
	// Exit status of a help invocation is irrelevant.
	if err := cmd.Run(); err != nil && !isExitError(err) {
		return fmt.Errorf("failed to run worker help: %w", err)
	}
	return nil
}

// Process runs the worker as a child process.
type Process struct {
	path               string
	workDir            string
	interpreter        string
	versionFaultStatus int
	gracePeriod        time.Duration
}

// Run executes the worker and blocks until it exits. Cancelling ctx sends the
// worker an interrupt and kills it after the grace period.
func (p *Process) Run(ctx context.Context, cfg RunConfig) Outcome {
	cmd := p.command(ctx, cfg.Args)

	env := os.Environ()
	env = append(env,
		EnvUsername+"="+cfg.Credentials.Username,
		EnvPassword+"="+cfg.Credentials.Password,
		EnvServer+"="+cfg.Server,
	)
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	cmd.Stdin = cfg.Stdin
	cmd.Stdout = cfg.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		return Outcome{Kind: Interrupted, ExitCode: exitCode(cmd, err)}
	}
	if err == nil {
		return Outcome{Kind: Completed}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Outcome{Kind: Failed, ExitCode: -1, Err: fmt.Errorf("%w: failed to start: %w", fault.ErrWorkerFailed, err)}
	}

	code := exitErr.ExitCode()
	switch {
	case interruptedBySignal(exitErr.ProcessState):
		return Outcome{Kind: Interrupted, ExitCode: code}
	case code == p.versionFaultStatus:
		return Outcome{Kind: VersionFault, ExitCode: code, Err: fault.ErrVersionFault}
	default:
		return Outcome{Kind: Failed, ExitCode: code, Err: fmt.Errorf("%w: %v", fault.ErrWorkerFailed, exitErr)}
	}
}

// command builds the worker command line.
func (p *Process) command(ctx context.Context, args []string) *exec.Cmd {
	var cmd *exec.Cmd
	if p.interpreter != "" {
		cmd = exec.CommandContext(ctx, p.interpreter, append([]string{p.path}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, p.path, args...)
	}
	cmd.Dir = p.workDir
	cmd.Cancel = func() error {
		return interrupt(cmd.Process)
	}
	cmd.WaitDelay = p.gracePeriod
	return cmd
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
