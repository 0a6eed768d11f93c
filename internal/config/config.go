package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/corevisor/internal/auth"
	"github.com/loykin/corevisor/internal/env"
	"github.com/loykin/corevisor/internal/logger"
	"github.com/loykin/corevisor/internal/process"
	corevisortls "github.com/loykin/corevisor/internal/tls"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. COREVISOR_HEALTH_BASE_URL for health.base_url.
const EnvPrefix = "COREVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Core    CoreConfig    `mapstructure:"core"`
	Health  HealthConfig  `mapstructure:"health"`
	Install InstallConfig `mapstructure:"install"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

// CoreConfig is the launch layout of the core service. Relative paths are
// resolved against the host's working directory.
type CoreConfig struct {
	Name            string        `mapstructure:"name"`
	Interpreter     string        `mapstructure:"interpreter"`
	Target          string        `mapstructure:"target"`
	WorkDir         string        `mapstructure:"work_dir"`
	Args            []string      `mapstructure:"args"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	AutoLaunch      bool          `mapstructure:"auto_launch"`
	AutoLaunchDelay time.Duration `mapstructure:"auto_launch_delay"`
}

type HealthConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	LivenessPath    string        `mapstructure:"liveness_path"`
	StatusPath      string        `mapstructure:"status_path"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	StatusTimeout   time.Duration `mapstructure:"status_timeout"`
	VerifyGrace     time.Duration `mapstructure:"verify_grace"`
}

type InstallConfig struct {
	Manifest string `mapstructure:"manifest"`
}

type ServerConfig struct {
	Enabled  bool                `mapstructure:"enabled"`
	Listen   string              `mapstructure:"listen"`
	BasePath string              `mapstructure:"base_path"`
	TLS      corevisortls.Config `mapstructure:"tls"`
	Auth     auth.Config         `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Child   bool `mapstructure:"child"` // sample the child's CPU/memory on scrape
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables history
}

// DefaultInterpreter is the interpreter used to launch the core service.
func DefaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)

	v.SetDefault("core.name", "core")
	v.SetDefault("core.interpreter", DefaultInterpreter())
	v.SetDefault("core.target", filepath.Join("..", "jarvis-core", "main.py"))
	v.SetDefault("core.work_dir", "..")
	v.SetDefault("core.stop_grace", 3*time.Second)
	v.SetDefault("core.auto_launch", true)
	v.SetDefault("core.auto_launch_delay", 2*time.Second)

	v.SetDefault("health.base_url", "http://127.0.0.1:8000")
	v.SetDefault("health.liveness_path", "/")
	v.SetDefault("health.status_path", "/status")
	v.SetDefault("health.liveness_timeout", 2*time.Second)
	v.SetDefault("health.status_timeout", 5*time.Second)
	v.SetDefault("health.verify_grace", 3*time.Second)

	v.SetDefault("install.manifest", filepath.Join("..", "requirements.txt"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.dir", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.auth.token_file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.child", true)

	v.SetDefault("history.dsn", "")
}

// Load reads the TOML file at path on top of the defaults and applies
// COREVISOR_* environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static; failing here is a programming error
		panic(err)
	}
	return c
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Core.Target) == "" {
		errs = append(errs, errors.New("core.target is required"))
	}
	for name, d := range map[string]time.Duration{
		"core.stop_grace":         c.Core.StopGrace,
		"health.liveness_timeout": c.Health.LivenessTimeout,
		"health.status_timeout":   c.Health.StatusTimeout,
		"health.verify_grace":     c.Health.VerifyGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Core.AutoLaunchDelay < 0 {
		errs = append(errs, fmt.Errorf("core.auto_launch_delay must not be negative, got %s", c.Core.AutoLaunchDelay))
	}
	u, err := url.Parse(c.Health.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("health.base_url %q is not an absolute http(s) URL", c.Health.BaseURL))
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file, or dir"))
	}
	return errors.Join(errs...)
}

// LivenessURL is the lightweight endpoint probed after launch.
func (c *Config) LivenessURL() string { return joinURL(c.Health.BaseURL, c.Health.LivenessPath) }

// StatusURL is the endpoint returning the service's status payload.
func (c *Config) StatusURL() string { return joinURL(c.Health.BaseURL, c.Health.StatusPath) }

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Layout returns the launch layout.
func (c *Config) Layout() process.Layout {
	return process.Layout{
		Name:        c.Core.Name,
		Interpreter: c.Core.Interpreter,
		Target:      c.Core.Target,
		Args:        c.Core.Args,
		WorkDir:     c.Core.WorkDir,
	}
}

// Spec resolves the launch layout against base and attaches the child
// environment and output logging.
func (c *Config) Spec(base string) (process.Spec, error) {
	spec := c.Layout().Resolve(base)
	childEnv, err := c.ChildEnv()
	if err != nil {
		return process.Spec{}, err
	}
	spec.Env = childEnv
	spec.Log = c.Log.File
	return spec, nil
}

// ManifestPath resolves the dependency manifest against base.
func (c *Config) ManifestPath(base string) string {
	return process.ResolvePath(base, c.Install.Manifest)
}

// ChildEnv composes the child environment: the host environment (when
// use_os_env), then env_files in order, then the env list.
func (c *Config) ChildEnv() ([]string, error) {
	e := env.FromOS()
	if !c.UseOSEnv {
		e = env.Isolated()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		e = e.WithEntries(pairs)
	}
	return e.WithEntries(c.Env).Merge(nil), nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
// Blank lines and lines starting with # are ignored; an "export " prefix is allowed.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, k+"="+v)
	}
	return out, nil
}
