package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"borg/bootstrap/internal/config"
	"borg/bootstrap/internal/fault"
	"borg/bootstrap/internal/retry"
)

func TestPartitionArgs(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)

	tests := []struct {
		name      string
		args      []string
		known     []string
		forwarded []string
	}{
		{
			name:  "only known",
			args:  []string{"-U", "alice", "--password=secret", "--clean"},
			known: []string{"-U", "alice", "--password=secret", "--clean"},
		},
		{
			name:      "unknown flags are forwarded",
			args:      []string{"--threads", "4", "-S", "http://s", "--gpu"},
			known:     []string{"-S", "http://s"},
			forwarded: []string{"--threads", "4", "--gpu"},
		},
		{
			name:      "attached short value",
			args:      []string{"-Ualice", "-x"},
			known:     []string{"-Ualice"},
			forwarded: []string{"-x"},
		},
		{
			name:      "everything after double dash",
			args:      []string{"--clean", "--", "--server", "x"},
			known:     []string{"--clean"},
			forwarded: []string{"--server", "x"},
		},
		{
			name:  "help",
			args:  []string{"--help"},
			known: []string{"--help"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			known, forwarded := partitionArgs(fs, tt.args)
			assert.Equal(t, tt.known, known)
			assert.Equal(t, tt.forwarded, forwarded)
		})
	}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"OPENBENCH_USERNAME", "OPENBENCH_PASSWORD", "OPENBENCH_SERVER"} {
		t.Setenv(key, "")
	}
}

func TestRun_MissingCredentials(t *testing.T) {
	isolateEnv(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--work-dir", t.TempDir()}, &stdout, &stderr)
	require.Equal(t, fault.ExitConfigError, code)
	require.Contains(t, stderr.String(), "username")
}

func TestRun_FlagErrorsAreConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		message string
	}{
		{"missing value", []string{"-U"}, "flag needs an argument"},
		{"bad integer", []string{"--retry-interval", "soon"}, "invalid argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			var stdout, stderr bytes.Buffer

			code := run(context.Background(), tt.args, &stdout, &stderr)
			require.Equal(t, fault.ExitConfigError, code)
			require.Contains(t, stderr.String(), tt.message)
		})
	}
}

func TestRetryInterval(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, retry.NoDelay, retryInterval(cfg))

	cfg.Retry.IntervalSeconds = 4
	assert.Equal(t, 4*time.Second, retryInterval(cfg))
}

func TestRun_NoDownloadsWithoutWorker(t *testing.T) {
	isolateEnv(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-U", "alice", "-P", "secret", "-S", "http://127.0.0.1:1",
		"--no-client-downloads", "--work-dir", t.TempDir(),
	}, &stdout, &stderr)
	require.Equal(t, fault.ExitConfigError, code)
	require.Contains(t, stderr.String(), "--no-client-downloads")
}

func TestRun_ForwardsArgsToWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell worker")
	}
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker"),
		[]byte("#!/bin/sh\necho \"$OPENBENCH_USERNAME $*\"\n"), 0755))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-U", "alice", "-P", "secret", "-S", "http://127.0.0.1:1",
		"--no-client-downloads", "--work-dir", dir,
		"--threads", "4",
	}, &stdout, &stderr)

	require.Equal(t, fault.ExitOK, code, stderr.String())
	require.Equal(t, "alice --threads 4\n", stdout.String())
}

func TestRun_HelpIncludesWorkerHelp(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell worker")
	}
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker"),
		[]byte("#!/bin/sh\necho \"  --threads N  worker threads\"\n"), 0755))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--work-dir", dir, "--help"}, &stdout, &stderr)

	require.Equal(t, fault.ExitOK, code)
	require.Contains(t, stdout.String(), "--no-client-downloads")
	require.Contains(t, stdout.String(), "Worker options:")
	require.Contains(t, stdout.String(), "--threads N")
}
