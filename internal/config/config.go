package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"borg/bootstrap/internal/fault"
)

// EnvPrefix is prepended to every environment override, e.g. OPENBENCH_SERVER
// or OPENBENCH_WORK_DIRECTORY.
const EnvPrefix = "OPENBENCH"

type Config struct {
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	Server            string `mapstructure:"server"`
	Clean             bool   `mapstructure:"clean"`
	NoClientDownloads bool   `mapstructure:"no_client_downloads"`

	Work    WorkConfig    `mapstructure:"work"`
	Install InstallConfig `mapstructure:"install"`
	Retry   RetryConfig   `mapstructure:"retry"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type WorkConfig struct {
	Directory string `mapstructure:"directory"`
}

type InstallConfig struct {
	// Entry is the supervisor's own file name; installs never overwrite it.
	Entry   string   `mapstructure:"entry"`
	Subdir  string   `mapstructure:"subdir"`
	Flatten bool     `mapstructure:"flatten"`
	Exclude []string `mapstructure:"exclude"`
}

type RetryConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type WorkerConfig struct {
	Entry                string `mapstructure:"entry"`
	Interpreter          string `mapstructure:"interpreter"`
	VersionFaultExitCode int    `mapstructure:"version_fault_exit_code"`
	GraceSeconds         int    `mapstructure:"grace_seconds"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"username":            "username",
	"password":            "password",
	"server":              "server",
	"clean":               "clean",
	"no-client-downloads": "no_client_downloads",
	"work-dir":            "work.directory",
	"retry-interval":      "retry.interval_seconds",
	"metrics-addr":        "metrics.address",
	"log-level":           "log.level",
}

// RegisterFlags adds the supervisor's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("username", "U", "", "Username for the benchmark server")
	fs.StringP("password", "P", "", "Password for the benchmark server")
	fs.StringP("server", "S", "", "Benchmark server URL")
	fs.Bool("clean", false, "Reinstall the worker before starting it")
	fs.Bool("no-client-downloads", false, "Never download worker files")
	fs.String("config", "", "Path to config file (YAML)")
	fs.String("work-dir", "", "Directory holding the worker (default: directory of this executable)")
	fs.Int("retry-interval", 15, "Seconds to wait between failed download attempts")
	fs.String("metrics-addr", "", "Expose Prometheus metrics on this address")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
}

// Load resolves the configuration from flags, OPENBENCH_* environment
// variables, an optional YAML file and built-in defaults, in that order.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: binding flag %s: %w", fault.ErrConfig, name, err)
				}
			}
		}
		configPath, _ = fs.GetString("config")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bootstrap")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bootstrap"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: error reading config file: %w", fault.ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling config: %w", fault.ErrConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir, entry := executableLocation()

	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("server", "")
	v.SetDefault("clean", false)
	v.SetDefault("no_client_downloads", false)
	v.SetDefault("work.directory", dir)
	v.SetDefault("install.entry", entry)
	v.SetDefault("install.subdir", "Client")
	v.SetDefault("install.flatten", false)
	v.SetDefault("install.exclude", []string{})
	v.SetDefault("retry.interval_seconds", 15)
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("worker.entry", "worker")
	v.SetDefault("worker.interpreter", "")
	v.SetDefault("worker.version_fault_exit_code", 3)
	v.SetDefault("worker.grace_seconds", 10)
	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// executableLocation returns the directory and file name of the running
// binary. The worker is installed next to it.
func executableLocation() (string, string) {
	exe, err := os.Executable()
	if err != nil {
		return ".", "bootstrap"
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), filepath.Base(exe)
}

// Validate checks the settings the supervisor cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.Server == "" {
		missing = append(missing, "server")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", fault.ErrConfig, strings.Join(missing, ", "))
	}
	if c.Work.Directory == "" {
		return fmt.Errorf("%w: work directory is empty", fault.ErrConfig)
	}
	if c.Retry.IntervalSeconds < 0 {
		return fmt.Errorf("%w: retry interval must not be negative", fault.ErrConfig)
	}
	return nil
}

// RetryInterval is the fixed delay between failed install attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Retry.IntervalSeconds) * time.Second
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Worker.GraceSeconds) * time.Second
}

// Excluded lists the file names installs must never write: the supervisor's
// entry file plus any configured extras.
func (c *Config) Excluded() []string {
	names := []string{c.Install.Entry}
	return append(names, c.Install.Exclude...)
}
