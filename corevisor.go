// Package corevisor embeds a supervisor for a single long-running core
// service: launch it, verify it answers, query its status, stop it, and
// install its dependencies. Host applications either call the Host methods
// directly or mount Host.Handler in their HTTP server.
package corevisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/corevisor/internal/auth"
	"github.com/loykin/corevisor/internal/config"
	"github.com/loykin/corevisor/internal/facade"
	"github.com/loykin/corevisor/internal/history"
	"github.com/loykin/corevisor/internal/history/factory"
	"github.com/loykin/corevisor/internal/installer"
	"github.com/loykin/corevisor/internal/logger"
	"github.com/loykin/corevisor/internal/metrics"
	"github.com/loykin/corevisor/internal/process"
	"github.com/loykin/corevisor/internal/server"
	"github.com/loykin/corevisor/internal/supervisor"
	corevisortls "github.com/loykin/corevisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = supervisor.Snapshot

type State = supervisor.State

type StartResult = supervisor.StartResult

type StopResult = supervisor.StopResult

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateCrashed  = supervisor.StateCrashed
)

// ErrShutdown is returned by lifecycle commands after Shutdown.
var ErrShutdown = supervisor.ErrShutdown

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Options tunes how a Host is assembled. The zero value is usable.
type Options struct {
	// BaseDir anchors relative launch paths; default is the working directory.
	BaseDir string
	// Logger overrides the logger built from Config.Log (written to stderr).
	Logger *slog.Logger
	// Registry receives the metrics when Config.Metrics.Enabled; default
	// is the Prometheus default registry.
	Registry prometheus.Registerer
	// History adds sinks next to the one built from Config.History.DSN.
	History []HistorySink
}

// Host owns the supervisor and the commands a front end calls.
type Host struct {
	cfg      *Config
	log      *slog.Logger
	sup      *supervisor.Supervisor
	cmds     *facade.Commands
	deps     *installer.Installer
	registry prometheus.Registerer
	child    *metrics.ChildCollector
	auth     *auth.Middleware
}

// New assembles a Host from cfg. The core service is not launched; call
// Start or AutoLaunch.
func New(cfg *Config, opts Options) (*Host, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := opts.BaseDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		base = wd
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Log, os.Stderr)
	}

	token, err := cfg.Server.Auth.Resolve()
	if err != nil {
		return nil, fmt.Errorf("server auth: %w", err)
	}
	h := &Host{cfg: cfg, log: log, auth: auth.NewMiddleware(token)}
	if cfg.Metrics.Enabled {
		h.registry = opts.Registry
		if h.registry == nil {
			h.registry = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(h.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	sinks = append(sinks, opts.History...)

	childEnv, err := cfg.ChildEnv()
	if err != nil {
		_ = history.Multi(sinks).Close()
		return nil, err
	}

	h.sup, err = supervisor.New(supervisor.Options{
		Name:            cfg.Core.Name,
		Resolve:         func() (process.Spec, error) { return cfg.Spec(base) },
		LivenessURL:     cfg.LivenessURL(),
		StatusURL:       cfg.StatusURL(),
		LivenessTimeout: cfg.Health.LivenessTimeout,
		StatusTimeout:   cfg.Health.StatusTimeout,
		VerifyGrace:     cfg.Health.VerifyGrace,
		StopGrace:       cfg.Core.StopGrace,
		Logger:          log,
		History:         sinks,
	})
	if err != nil {
		_ = history.Multi(sinks).Close()
		return nil, err
	}

	h.deps = installer.New(installer.Config{
		Interpreter: cfg.Core.Interpreter,
		Manifest:    cfg.ManifestPath(base),
		WorkDir:     process.ResolvePath(base, cfg.Core.WorkDir),
		Env:         childEnv,
	}, log)
	h.cmds = facade.New(h.sup, h.deps, log)

	if cfg.Metrics.Enabled && cfg.Metrics.Child {
		h.child = metrics.NewChildCollector(h.sup.PID)
		if err := h.registry.Register(h.child); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				log.Warn("child metrics unavailable", "error", err)
			}
			h.child = nil
		}
	}
	return h, nil
}

func (h *Host) Config() *Config { return h.cfg }

func (h *Host) Logger() *slog.Logger { return h.log }

// Commands returns the command surface handed to front ends.
func (h *Host) Commands() *facade.Commands { return h.cmds }

func (h *Host) Start(ctx context.Context) (string, error) { return h.cmds.Start(ctx) }

func (h *Host) Stop(ctx context.Context) (string, error) { return h.cmds.Stop(ctx) }

func (h *Host) Status(ctx context.Context) (json.RawMessage, error) { return h.cmds.Status(ctx) }

func (h *Host) IsRunning() bool { return h.cmds.IsRunning() }

func (h *Host) State() Snapshot { return h.cmds.State() }

func (h *Host) InstallDependencies(ctx context.Context) (string, error) {
	return h.cmds.InstallDependencies(ctx)
}

// AutoLaunch starts the service after the configured delay when
// auto-launch is enabled. It blocks; run it in a goroutine.
func (h *Host) AutoLaunch(ctx context.Context) error {
	if !h.cfg.Core.AutoLaunch {
		return nil
	}
	return h.cmds.AutoLaunch(ctx, h.cfg.Core.AutoLaunchDelay)
}

// Router returns the HTTP API for this host, with /metrics mounted when
// metrics are enabled and the token check applied when one is configured.
func (h *Host) Router() *server.Router {
	r := server.NewRouter(h.cmds, h.cfg.Server.BasePath).WithLogger(h.log).WithAuth(h.auth)
	if h.registry != nil {
		if g, ok := h.registry.(prometheus.Gatherer); ok {
			r = r.WithMetrics(metrics.HandlerFor(g))
		} else {
			r = r.WithMetrics(metrics.Handler())
		}
	}
	return r
}

func (h *Host) Handler() http.Handler { return h.Router().Handler() }

// Serve starts the API server on the configured listen address, with TLS
// when server.tls is enabled.
func (h *Host) Serve() (*http.Server, error) {
	tlsCfg, err := corevisortls.Setup(h.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	return server.NewServer(h.cfg.Server.Listen, h.Router(), tlsCfg)
}

// Shutdown cancels a running dependency install, stops the core service if
// it runs and releases the host's resources. It is the hook hosts call on exit.
func (h *Host) Shutdown(ctx context.Context) error {
	_ = h.deps.Close()
	if h.child != nil {
		h.registry.Unregister(h.child)
		h.child = nil
	}
	return h.sup.Shutdown(ctx)
}
