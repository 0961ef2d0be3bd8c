//go:build !windows

package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/fault"
)

func writeScript(t *testing.T, dir, name, body string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), perm))
}

func load(t *testing.T, opts Options) Runner {
	t.Helper()
	runner, err := NewLoader(opts).Load(context.Background())
	require.NoError(t, err)
	return runner
}

func TestRun_ExitStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Kind
		code int
	}{
		{"completed", "exit 0", Completed, 0},
		{"version fault", "exit 3", VersionFault, 3},
		{"failure", "exit 1", Failed, 1},
		{"killed", "kill -9 $$", Failed, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeScript(t, dir, "worker", tt.body, 0755)

			out := load(t, Options{WorkDir: dir}).Run(context.Background(), RunConfig{
				Stdout: &bytes.Buffer{},
				Stderr: &bytes.Buffer{},
			})
			require.Equal(t, tt.want, out.Kind)
			require.Equal(t, tt.code, out.ExitCode)

			switch tt.want {
			case VersionFault:
				require.ErrorIs(t, out.Err, fault.ErrVersionFault)
			case Failed:
				require.ErrorIs(t, out.Err, fault.ErrWorkerFailed)
				require.False(t, fault.IsVersionFault(out.Err))
			default:
				require.NoError(t, out.Err)
			}
		})
	}
}

func TestRun_CustomVersionFaultStatus(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "worker", "exit 75", 0755)

	out := load(t, Options{WorkDir: dir, VersionFaultStatus: 75}).Run(context.Background(), RunConfig{})
	require.Equal(t, VersionFault, out.Kind)
}

func TestRun_PassesConfiguration(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "worker",
		`echo "$OPENBENCH_USERNAME|$OPENBENCH_PASSWORD|$OPENBENCH_SERVER|$EXTRA|$*"`, 0755)

	var stdout bytes.Buffer
	out := load(t, Options{WorkDir: dir}).Run(context.Background(), RunConfig{
		Server:      "http://bench.local",
		Credentials: client.Credentials{Username: "alice", Password: "secret"},
		Args:        []string{"--threads", "4"},
		Env:         map[string]string{"EXTRA": "yes"},
		Stdout:      &stdout,
	})
	require.Equal(t, Completed, out.Kind)

	require.Equal(t, "alice|secret|http://bench.local|yes|--threads 4\n", stdout.String())
}

func TestRun_Interpreter(t *testing.T) {
	dir := t.TempDir()
	// not executable: the interpreter runs it
	writeScript(t, dir, "worker.sh", "exit 3", 0644)

	out := load(t, Options{WorkDir: dir, Entry: "worker.sh", Interpreter: "/bin/sh"}).
		Run(context.Background(), RunConfig{})
	require.Equal(t, VersionFault, out.Kind)
}

func TestLoad_MakesEntryExecutable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "worker", "exit 0", 0644)

	out := load(t, Options{WorkDir: dir}).Run(context.Background(), RunConfig{})
	require.Equal(t, Completed, out.Kind)

	info, err := os.Stat(filepath.Join(dir, "worker"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0100)
}

func TestLoad_Missing(t *testing.T) {
	_, err := NewLoader(Options{WorkDir: t.TempDir()}).Load(context.Background())
	require.ErrorIs(t, err, fault.ErrWorkerMissing)
}

func TestLoad_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(Options{WorkDir: dir})

	writeScript(t, dir, "worker", "exit 3", 0755)
	out := mustLoad(t, loader).Run(context.Background(), RunConfig{})
	require.Equal(t, VersionFault, out.Kind)

	writeScript(t, dir, "worker", "exit 0", 0755)
	out = mustLoad(t, loader).Run(context.Background(), RunConfig{})
	require.Equal(t, Completed, out.Kind)
}

func mustLoad(t *testing.T, l *Loader) Runner {
	t.Helper()
	r, err := l.Load(context.Background())
	require.NoError(t, err)
	return r
}

func TestRun_Interrupted(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "worker", "trap 'exit 0' INT\nsleep 30 &\nwait", 0755)

	ctx, cancel := context.WithCancel(context.Background())
	runner := load(t, Options{WorkDir: dir, GracePeriod: 2 * time.Second})

	done := make(chan Outcome, 1)
	go func() {
		done <- runner.Run(ctx, RunConfig{})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		require.Equal(t, Interrupted, out.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("worker was not stopped")
	}
}

func TestHelp(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "worker", `[ "$1" = "--help" ] && echo "usage: worker [--threads N]"; exit 2`, 0755)

	var buf bytes.Buffer
	require.NoError(t, NewLoader(Options{WorkDir: dir}).Help(context.Background(), &buf))
	require.Contains(t, buf.String(), "usage: worker")
}

func TestKindString(t *testing.T) {
	require.Equal(t, "completed", Completed.String())
	require.Equal(t, "version_fault", VersionFault.String())
	require.Equal(t, "interrupted", Interrupted.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}
