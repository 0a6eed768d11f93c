package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/corevisor/internal/svcerr"
)

// reapTimeout bounds the wait for the OS to report exit after a kill.
const reapTimeout = 2 * time.Second

// Handle owns a spawned child. Exactly one goroutine calls cmd.Wait; every
// other observer waits on done.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{} // closed once the child has been reaped

	mu       sync.Mutex
	exitedAt time.Time
	exitErr  error
	closers  []io.Closer
}

// Spawn validates spec and starts the child. A missing target or working
// directory yields a MissingArtifact error without touching the OS.
func Spawn(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	name, args := spec.argv()
	// #nosec G204 -- launch command comes from local configuration
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = reapTimeout

	h := &Handle{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	if err := h.attachOutput(spec); err != nil {
		h.closeOutput()
		return nil, svcerr.Spawn("prepare output for "+spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		h.closeOutput()
		return nil, svcerr.Spawn(fmt.Sprintf("start %s", name), err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	go h.monitor()
	return h, nil
}

// attachOutput routes stdout/stderr to rotating files, or to the null device.
// An unread pipe would eventually block the child.
func (h *Handle) attachOutput(spec Spec) error {
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return err
	}
	if outW != nil {
		h.closers = append(h.closers, outW)
		h.cmd.Stdout = outW
	}
	if errW != nil {
		h.closers = append(h.closers, errW)
		h.cmd.Stderr = errW
	}
	if outW == nil || errW == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		h.closers = append(h.closers, null)
		if outW == nil {
			h.cmd.Stdout = null
		}
		if errW == nil {
			h.cmd.Stderr = null
		}
	}
	return nil
}

func (h *Handle) monitor() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitedAt = time.Now()
	h.exitErr = err
	h.mu.Unlock()
	h.closeOutput()
	close(h.done)
}

func (h *Handle) closeOutput() {
	h.mu.Lock()
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

func (h *Handle) PID() int { return h.pid }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits or ctx ends, returning the exit error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Terminate asks the child's process group to exit, escalates to a kill after
// grace and returns once the child has been reaped. Terminating a child that
// has already exited succeeds.
func (h *Handle) Terminate(grace time.Duration) error {
	if h.Exited() {
		return nil
	}
	if err := requestStop(h.pid); err != nil {
		grace = 0
	}
	if grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-h.done:
			t.Stop()
			return nil
		case <-t.C:
		}
	}

	killErr := forceStop(h.pid)
	t := time.NewTimer(reapTimeout)
	defer t.Stop()
	select {
	case <-h.done:
		return nil
	case <-t.C:
	}
	if killErr == nil {
		killErr = errors.New("no exit observed after kill")
	}
	return svcerr.Terminate(fmt.Sprintf("terminate %s (pid %d)", h.name, h.pid), killErr)
}

// Status returns a snapshot of the child.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Name:      h.name,
		PID:       h.pid,
		Running:   h.exitedAt.IsZero(),
		StartedAt: h.startedAt,
		ExitedAt:  h.exitedAt,
		ExitErr:   h.exitErr,
	}
}
