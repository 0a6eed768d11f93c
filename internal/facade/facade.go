package facade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/corevisor/internal/supervisor"
)

const (
	MsgLaunched       = "core service launch initiated"
	MsgAlreadyRunning = "core service already running"
	MsgStopped        = "core service stopped"
	MsgNotRunning     = "core service is not running"
	MsgInstalled      = "dependencies installed"
)

// ErrNoInstaller is returned by InstallDependencies when none is configured.
var ErrNoInstaller = errors.New("dependency installation is not configured")

// Core is the supervisor surface the commands map onto.
type Core interface {
	Start(ctx context.Context) (supervisor.StartResult, error)
	Stop(ctx context.Context) (supervisor.StopResult, error)
	Status(ctx context.Context) (json.RawMessage, error)
	IsRunning() bool
	State() supervisor.Snapshot
}

// Installer installs the core service's dependencies.
type Installer interface {
	Install(ctx context.Context) (string, error)
}

// Commands is what the host application calls. Each command maps onto one
// supervisor operation and turns its result into a message or value.
type Commands struct {
	core Core
	deps Installer
	log  *slog.Logger
}

func New(core Core, deps Installer, log *slog.Logger) *Commands {
	if log == nil {
		log = slog.Default()
	}
	return &Commands{core: core, deps: deps, log: log}
}

// Status returns the service's status payload verbatim.
func (c *Commands) Status(ctx context.Context) (json.RawMessage, error) {
	return c.core.Status(ctx)
}

func (c *Commands) Start(ctx context.Context) (string, error) {
	res, err := c.core.Start(ctx)
	if err != nil {
		return "", err
	}
	if res == supervisor.AlreadyRunning {
		return MsgAlreadyRunning, nil
	}
	return MsgLaunched, nil
}

func (c *Commands) Stop(ctx context.Context) (string, error) {
	res, err := c.core.Stop(ctx)
	if err != nil {
		return "", err
	}
	if res == supervisor.NotRunning {
		return MsgNotRunning, nil
	}
	return MsgStopped, nil
}

func (c *Commands) IsRunning() bool { return c.core.IsRunning() }

func (c *Commands) State() supervisor.Snapshot { return c.core.State() }

// InstallDependencies runs the package installer. It never touches
// supervisor state.
func (c *Commands) InstallDependencies(ctx context.Context) (string, error) {
	if c.deps == nil {
		return "", ErrNoInstaller
	}
	if _, err := c.deps.Install(ctx); err != nil {
		return "", err
	}
	return MsgInstalled, nil
}

// AutoLaunch waits delay and then starts the service. Hosts call it once
// after initialization; cancelling ctx abandons the launch.
func (c *Commands) AutoLaunch(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	msg, err := c.Start(ctx)
	if err != nil {
		c.log.Error("auto-launch failed", "error", err)
		return err
	}
	c.log.Info("auto-launch", "result", msg)
	return nil
}
