package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svctl/internal/env"
	"github.com/loykin/svctl/internal/logger"
	"github.com/loykin/svctl/internal/process"
)

// DefaultFileName is looked up in the repo root when no --config is given.
const DefaultFileName = "control.toml"

// EnvPrefix prefixes environment overrides: stop.interval is CONTROL_STOP_INTERVAL.
const EnvPrefix = "CONTROL"

// FileConfig represents the TOML structure. Every key can also be set
// through the environment.
type FileConfig struct {
	AppName          string        `toml:"app_name" mapstructure:"app_name"`
	Binary           string        `toml:"binary" mapstructure:"binary"`
	PIDFile          string        `toml:"pid_file" mapstructure:"pid_file"`
	BackupDir        string        `toml:"backup_dir" mapstructure:"backup_dir"`
	LockFile         string        `toml:"lock_file" mapstructure:"lock_file"`
	Env              []string      `toml:"env" mapstructure:"env"`
	EnvFiles         []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv         bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	PreflightTimeout time.Duration `toml:"preflight_timeout" mapstructure:"preflight_timeout"`
	VersionTimeout   time.Duration `toml:"version_timeout" mapstructure:"version_timeout"`
	Stop             StopConfig    `toml:"stop" mapstructure:"stop"`
	Start            StartConfig   `toml:"start" mapstructure:"start"`
	Log              LogConfig     `toml:"log" mapstructure:"log"`
	History          HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics          MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Server           ServerConfig  `toml:"server" mapstructure:"server"`
}

type StopConfig struct {
	TimeoutTicks int           `toml:"timeout_ticks" mapstructure:"timeout_ticks"`
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
}

type StartConfig struct {
	// Wait > 0 makes start block until the service wrote its PID file.
	Wait time.Duration `toml:"wait" mapstructure:"wait"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type ServerConfig struct {
	Listen string    `toml:"listen" mapstructure:"listen"`
	TLS    TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"` // holds tls.crt and tls.key
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

// Config is the resolved configuration: defaults applied and every path
// absolute.
type Config struct {
	FileConfig
	Root string // deployment root
	File string // config file that was read, empty when none
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "")
	v.SetDefault("binary", "")
	v.SetDefault("pid_file", "process.pid")
	v.SetDefault("backup_dir", "backup")
	v.SetDefault("lock_file", "control.lock")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("preflight_timeout", process.DefaultPreflightTimeout)
	v.SetDefault("version_timeout", process.DefaultVersionTimeout)
	v.SetDefault("stop.timeout_ticks", process.DefaultTimeoutTicks)
	v.SetDefault("stop.interval", process.DefaultInterval)
	v.SetDefault("start.wait", time.Duration(0))
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.listen", "127.0.0.1:9110")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "tls")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
}

// ResolveRoot picks the deployment root: the explicit value, then
// CONTROL_REPO_ROOT, then the working directory.
func ResolveRoot(explicit string) (string, error) {
	root := explicit
	if root == "" {
		root = os.Getenv(env.RepoRootVar)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}

// Load reads configuration for the deployment at root. file may be empty,
// in which case <root>/control.toml is used when present.
func Load(root, file string) (*Config, error) {
	root, err := ResolveRoot(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		candidate := filepath.Join(root, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	} else if !filepath.IsAbs(file) {
		if file, err = filepath.Abs(file); err != nil {
			return nil, err
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c := &Config{FileConfig: fc, Root: root, File: file}
	c.resolve()
	return c, nil
}

func (c *Config) resolve() {
	if c.Binary == "" {
		name := c.AppName
		if name == "" {
			name = "app"
		}
		c.Binary = filepath.Join("bin", name)
	}
	if c.AppName == "" {
		c.AppName = filepath.Base(c.Binary)
	}
	c.Binary = c.abs(c.Binary)
	c.PIDFile = c.abs(c.PIDFile)
	c.BackupDir = c.abs(c.BackupDir)
	c.LockFile = c.abs(c.LockFile)
	for i, p := range c.EnvFiles {
		c.EnvFiles[i] = c.abs(p)
	}
	if c.Log.Dir != "" {
		c.Log.Dir = c.abs(c.Log.Dir)
	}
	if c.Metrics.Textfile != "" {
		c.Metrics.Textfile = c.abs(c.Metrics.Textfile)
	}
	c.Server.TLS.CertFile = c.abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.abs(c.Server.TLS.Dir)
	c.History.DSN = c.sqliteDSN(c.History.DSN)
}

// sqliteDSN anchors a relative sqlite database path at Root. Network DSNs,
// in-memory databases and file: URIs pass through unchanged.
func (c *Config) sqliteDSN(dsn string) string {
	const scheme = "sqlite://"
	if strings.HasPrefix(strings.ToLower(dsn), scheme) {
		rest := dsn[len(scheme):]
		if rest == "" || rest == ":memory:" || filepath.IsAbs(rest) {
			return dsn
		}
		return dsn[:len(scheme)] + c.abs(rest)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "://") || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return c.abs(dsn)
}

func (c *Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.AppName == "" || c.AppName == "." || strings.ContainsAny(c.AppName, `/\`) {
		errs = append(errs, fmt.Errorf("app_name %q must be a plain executable name", c.AppName))
	}
	if err := c.StopPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.PreflightTimeout <= 0 {
		errs = append(errs, fmt.Errorf("preflight_timeout must be positive, got %s", c.PreflightTimeout))
	}
	if c.VersionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("version_timeout must be positive, got %s", c.VersionTimeout))
	}
	if c.Start.Wait < 0 {
		errs = append(errs, fmt.Errorf("start.wait must not be negative, got %s", c.Start.Wait))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) StopPolicy() process.Policy {
	return process.Policy{TimeoutTicks: c.Stop.TimeoutTicks, Interval: c.Stop.Interval}
}

func (c *Config) Logger() logger.Config {
	return logger.Config{
		Dir:        c.Log.Dir,
		Level:      c.Log.Level,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// ServiceEnv composes the environment of the launched service. Precedence:
// OS env (when enabled), then env files in order, then the env list, and
// finally CONTROL_REPO_ROOT.
func (c *Config) ServiceEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	e.SetPairs(c.Env)
	e.Set(env.RepoRootVar, c.Root)
	return e.List(), nil
}
