package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/corevisor/internal/svcerr"
)

const (
	// maxStderr bounds the installer output carried in an error.
	maxStderr = 8 << 10
	// waitDelay bounds the wait for output pipes after the installer is killed.
	waitDelay = 2 * time.Second
)

// Config describes one dependency installation.
type Config struct {
	Interpreter string // e.g. python3
	Manifest    string // requirements file, already resolved
	WorkDir     string
	Env         []string // nil inherits the host environment
}

// Installer runs the package installer for the core service's manifest.
// Concurrent Install calls share a single run. The run belongs to the
// Installer, not to any caller: a caller giving up does not stop it, Close does.
type Installer struct {
	cfg Config
	log *slog.Logger
	sf  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log *slog.Logger) *Installer {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Installer{cfg: cfg, log: log, ctx: ctx, cancel: cancel}
}

// Close cancels an in-flight run and makes later runs fail immediately.
func (i *Installer) Close() error {
	i.cancel()
	return nil
}

// Command returns the argv used for installation.
func (i *Installer) Command() []string {
	return []string{i.cfg.Interpreter, "-m", "pip", "install", "-r", i.cfg.Manifest}
}

// Install runs the installer, or joins the run already in flight, and returns
// its trimmed stdout. When ctx ends first Install returns ctx.Err() and the
// run continues for the other callers.
func (i *Installer) Install(ctx context.Context) (string, error) {
	ch := i.sf.DoChan("install", func() (interface{}, error) {
		return i.run(i.ctx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			i.log.Debug("joined in-flight dependency install")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		i.log.Debug("stopped waiting for dependency install", "error", ctx.Err())
		return "", ctx.Err()
	}
}

func (i *Installer) run(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", svcerr.Install("installer closed", err)
	}
	fi, err := os.Stat(i.cfg.Manifest)
	if err != nil || fi.IsDir() {
		return "", svcerr.MissingArtifact("dependency manifest not found", i.cfg.Manifest)
	}

	argv := i.Command()
	// #nosec G204 -- interpreter and manifest come from local configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = i.cfg.WorkDir
	if i.cfg.Env != nil {
		cmd.Env = i.cfg.Env
	}
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	i.log.Info("installing dependencies", "manifest", i.cfg.Manifest)
	if err := cmd.Run(); err != nil {
		i.log.Warn("dependency install failed", "error", err, "elapsed", time.Since(start))
		if cerr := ctx.Err(); cerr != nil {
			return "", svcerr.Install("dependency install cancelled", cerr)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", svcerr.Install(fmt.Sprintf("run %s", argv[0]), err)
		}
		msg := tail(strings.TrimSpace(stderr.String()), maxStderr)
		if msg == "" {
			msg = "installer failed"
		}
		return "", svcerr.Install(msg, err)
	}
	i.log.Info("dependencies installed", "elapsed", time.Since(start))
	return strings.TrimSpace(stdout.String()), nil
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
