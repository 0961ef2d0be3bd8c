package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"borg/bootstrap/internal/fault"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

// isolate keeps the test away from a bootstrap.yaml in the package directory
// or the user's home.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	dir, entry := executableLocation()
	assert.Equal(t, dir, cfg.Work.Directory)
	assert.Equal(t, entry, cfg.Install.Entry)
	assert.Equal(t, "Client", cfg.Install.Subdir)
	assert.False(t, cfg.Install.Flatten)
	assert.Equal(t, 15*time.Second, cfg.RetryInterval())
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, 10*time.Second, cfg.GracePeriod())
	assert.Equal(t, "worker", cfg.Worker.Entry)
	assert.Equal(t, 3, cfg.Worker.VersionFaultExitCode)
	assert.Empty(t, cfg.Metrics.Address)
	assert.False(t, cfg.Clean)
	assert.False(t, cfg.NoClientDownloads)
}

func TestLoad_Flags(t *testing.T) {
	isolate(t)
	cfg, err := Load(newFlags(t,
		"-U", "alice", "-P", "secret", "-S", "https://bench.example.com",
		"--clean", "--no-client-downloads", "--work-dir", "/opt/bench",
		"--retry-interval", "2", "--metrics-addr", ":9100",
	))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "https://bench.example.com", cfg.Server)
	assert.True(t, cfg.Clean)
	assert.True(t, cfg.NoClientDownloads)
	assert.Equal(t, "/opt/bench", cfg.Work.Directory)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval())
	assert.Equal(t, ":9100", cfg.Metrics.Address)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ZeroRetryInterval(t *testing.T) {
	isolate(t)
	cfg, err := Load(newFlags(t, "-U", "alice", "-P", "secret", "--retry-interval", "0"))
	require.NoError(t, err)

	assert.Zero(t, cfg.RetryInterval())
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvFallback(t *testing.T) {
	isolate(t)
	t.Setenv("OPENBENCH_USERNAME", "env-user")
	t.Setenv("OPENBENCH_PASSWORD", "env-pass")
	t.Setenv("OPENBENCH_SERVER", "http://env-server")
	t.Setenv("OPENBENCH_WORKER_INTERPRETER", "python3")

	cfg, err := Load(newFlags(t, "--username", "flag-user"))
	require.NoError(t, err)

	assert.Equal(t, "flag-user", cfg.Username, "flags win over the environment")
	assert.Equal(t, "env-pass", cfg.Password)
	assert.Equal(t, "http://env-server", cfg.Server)
	assert.Equal(t, "python3", cfg.Worker.Interpreter)
}

func TestLoad_ConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
username: file-user
password: file-pass
server: http://file-server
install:
  flatten: true
  exclude: [keep.me]
worker:
  entry: run.py
  interpreter: python3
  version_fault_exit_code: 75
`), 0644))
	t.Setenv("OPENBENCH_SERVER", "http://env-server")

	cfg, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "file-user", cfg.Username)
	assert.Equal(t, "http://env-server", cfg.Server, "environment wins over the file")
	assert.True(t, cfg.Install.Flatten)
	assert.Equal(t, "run.py", cfg.Worker.Entry)
	assert.Equal(t, 75, cfg.Worker.VersionFaultExitCode)
	assert.Equal(t, []string{cfg.Install.Entry, "keep.me"}, cfg.Excluded())
}

func TestLoad_BadConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("username: [unterminated"), 0644))

	_, err := Load(newFlags(t, "--config", path))
	require.ErrorIs(t, err, fault.ErrConfig)
}

func TestValidate(t *testing.T) {
	valid := Config{Username: "u", Password: "p", Server: "http://s", Work: WorkConfig{Directory: "."}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing username", func(c *Config) { c.Username = "" }},
		{"missing password", func(c *Config) { c.Password = "" }},
		{"missing server", func(c *Config) { c.Server = "" }},
		{"negative interval", func(c *Config) { c.Retry.IntervalSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, fault.ErrConfig)
			require.Equal(t, fault.ExitConfigError, fault.ExitCode(err))
		})
	}
}
