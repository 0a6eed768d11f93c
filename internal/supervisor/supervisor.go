package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/corevisor/internal/health"
	"github.com/loykin/corevisor/internal/history"
	"github.com/loykin/corevisor/internal/metrics"
	"github.com/loykin/corevisor/internal/process"
)

// ErrShutdown is returned by lifecycle operations after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

const (
	DefaultStatusTimeout   = 5 * time.Second
	DefaultLivenessTimeout = 2 * time.Second
	DefaultVerifyGrace     = 3 * time.Second
	DefaultStopGrace       = 3 * time.Second

	historyTimeout = 5 * time.Second
	historyQueue   = 64
)

// childHandle is the part of *process.Handle the supervisor relies on.
type childHandle interface {
	PID() int
	Done() <-chan struct{}
	Exited() bool
	ExitErr() error
	Terminate(grace time.Duration) error
}

// Options configures a Supervisor. Resolve, LivenessURL and StatusURL are required.
type Options struct {
	Name string // service name used in logs and history (default "core")

	// Resolve produces the launch spec for each start attempt.
	Resolve func() (process.Spec, error)

	LivenessURL     string
	StatusURL       string
	LivenessTimeout time.Duration
	StatusTimeout   time.Duration
	VerifyGrace     time.Duration
	StopGrace       time.Duration

	Checker health.Checker // default: health.NewProber(nil)
	Logger  *slog.Logger   // default: slog.Default()
	History []history.Sink
}

// Supervisor owns at most one core service child and its bookkeeping.
//
// Lifecycle commands (start, stop, verification commits, exit notices) are
// serialized by a single command goroutine. mu guards the record for short
// reads and writes only; spawning, terminating and probing never happen
// while it is held.
type Supervisor struct {
	opts   Options
	log    *slog.Logger
	sinks  history.Multi
	events chan history.Event // nil without sinks; closed when the loop exits
	spawn  func(process.Spec) (childHandle, error)

	mu  sync.RWMutex
	rec record

	cmdChan    chan command
	quit       chan struct{}  // closed when the command loop has exited
	bg         sync.WaitGroup // verification, exit watchers and the history emitter
	closeSinks sync.Once
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionVerified
	actionExited
	actionShutdown
)

type command struct {
	action     commandAction
	generation uint64
	ok         bool
	err        error
	reply      chan reply
}

type reply struct {
	start StartResult
	stop  StopResult
	err   error
}

// New returns a Supervisor in the Stopped state with its command loop running.
func New(opts Options) (*Supervisor, error) {
	if opts.Resolve == nil {
		return nil, errors.New("supervisor: Resolve is required")
	}
	if opts.LivenessURL == "" || opts.StatusURL == "" {
		return nil, errors.New("supervisor: liveness and status URLs are required")
	}
	if opts.Name == "" {
		opts.Name = "core"
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = DefaultStatusTimeout
	}
	if opts.VerifyGrace <= 0 {
		opts.VerifyGrace = DefaultVerifyGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Checker == nil {
		opts.Checker = health.NewProber(nil)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		opts:    opts,
		log:     log.With("service", opts.Name),
		sinks:   history.Multi(append([]history.Sink(nil), opts.History...)),
		spawn:   spawnProcess,
		cmdChan: make(chan command),
		quit:    make(chan struct{}),
	}
	if len(s.sinks) > 0 {
		s.events = make(chan history.Event, historyQueue)
		s.bg.Add(1)
		go s.emitLoop()
	}
	metrics.SetCurrentState(StateStopped.String())
	go s.run()
	return s, nil
}

func spawnProcess(spec process.Spec) (childHandle, error) {
	h, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Start launches the child unless one already exists. It returns as soon as
// the child is spawned; verification happens in the background.
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	r, err := s.call(ctx, command{action: actionStart})
	if err != nil {
		return Launched, err
	}
	return r.start, r.err
}

// Stop terminates and reaps the child if there is one. On a failed terminate
// the handle is kept so the call can be retried.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	r, err := s.call(ctx, command{action: actionStop})
	if err != nil {
		return NotRunning, err
	}
	return r.stop, r.err
}

// Status performs a live status check. It never reads or changes bookkeeping.
func (s *Supervisor) Status(ctx context.Context) (json.RawMessage, error) {
	res := s.opts.Checker.Check(ctx, health.KindStatus, s.opts.StatusURL, s.opts.StatusTimeout)
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}

// IsRunning reports the bookkeeping flag without any I/O.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.running
}

// State returns a snapshot of the bookkeeping.
func (s *Supervisor) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.snapshot()
}

// PID returns the child's PID, or 0 when there is no child.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec.child == nil {
		return 0
	}
	return s.rec.child.PID()
}

// Shutdown stops the child, ends the command loop and waits for background
// work to finish or ctx to end. A later call after the loop has exited
// only finishes the wait and closes the sinks; it reports no stop error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	r, err := s.call(ctx, command{action: actionShutdown})
	if err != nil && !errors.Is(err, ErrShutdown) {
		return err
	}
	waited := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.closeSinks.Do(func() {
		if cerr := s.sinks.Close(); cerr != nil {
			s.log.Debug("close history sinks", "error", cerr)
		}
	})
	return r.err
}

// call hands cmd to the loop. The returned error reports delivery problems
// only; the operation's own error travels in the reply.
func (s *Supervisor) call(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.quit:
		return reply{}, ErrShutdown
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// notify delivers a background result to the loop, dropping it after shutdown.
func (s *Supervisor) notify(cmd command) {
	select {
	case s.cmdChan <- cmd:
	case <-s.quit:
	}
}

// run is the command loop (single goroutine).
func (s *Supervisor) run() {
	defer func() {
		if s.events != nil {
			close(s.events)
		}
		close(s.quit)
	}()
	for cmd := range s.cmdChan {
		switch cmd.action {
		case actionStart:
			res, err := s.handleStart()
			cmd.reply <- reply{start: res, err: err}
		case actionStop:
			res, err := s.handleStop()
			cmd.reply <- reply{stop: res, err: err}
		case actionVerified:
			s.commitVerification(cmd.generation, cmd.ok, cmd.err)
		case actionExited:
			s.commitExit(cmd.generation, cmd.err)
		case actionShutdown:
			_, err := s.handleStop()
			cmd.reply <- reply{err: err}
			return
		}
	}
}

func (s *Supervisor) handleStart() (StartResult, error) {
	s.mu.RLock()
	exists := s.rec.child != nil
	s.mu.RUnlock()
	if exists {
		metrics.IncStart("already_running")
		return AlreadyRunning, nil
	}

	spec, err := s.opts.Resolve()
	if err == nil {
		if spec.Name == "" {
			spec.Name = s.opts.Name
		}
		var h childHandle
		h, err = s.spawn(spec)
		if err == nil {
			s.commitStart(h)
			return Launched, nil
		}
	}
	metrics.IncStart("failed")
	s.log.Error("start failed", "error", err)
	return Launched, err
}

func (s *Supervisor) commitStart(h childHandle) {
	now := time.Now().UTC()
	s.mu.Lock()
	from := s.rec.state()
	s.rec = record{
		child:      h,
		running:    true,
		generation: s.rec.generation + 1,
		startedAt:  now,
	}
	gen := s.rec.generation
	s.mu.Unlock()

	metrics.IncStart("launched")
	s.transition(from, StateStarting)
	s.log.Info("core service launched", "pid", h.PID(), "generation", gen)
	s.emit(history.Event{Type: history.EventStart, OccurredAt: now, Generation: gen, PID: h.PID(), State: StateStarting.String()})

	s.bg.Add(2)
	go s.verify(gen, h)
	go s.watchExit(gen, h)
}

func (s *Supervisor) handleStop() (StopResult, error) {
	s.mu.RLock()
	h := s.rec.child
	s.mu.RUnlock()
	if h == nil {
		metrics.IncStop("not_running")
		return NotRunning, nil
	}

	if err := h.Terminate(s.opts.StopGrace); err != nil {
		metrics.IncStop("failed")
		s.log.Error("stop failed", "pid", h.PID(), "error", err)
		return Stopped, err
	}

	now := time.Now().UTC()
	exitErr := errString(h.ExitErr())
	s.mu.Lock()
	from := s.rec.state()
	s.rec.child = nil
	s.rec.running = false
	s.rec.verified = false
	s.rec.generation++
	s.rec.exitedAt = now
	s.rec.exitErr = exitErr
	gen := s.rec.generation
	s.mu.Unlock()

	metrics.IncStop("stopped")
	s.transition(from, StateStopped)
	s.log.Info("core service stopped", "pid", h.PID(), "generation", gen)
	s.emit(history.Event{Type: history.EventStop, OccurredAt: now, Generation: gen, PID: h.PID(), State: StateStopped.String(), Error: exitErr})
	return Stopped, nil
}

// verify waits out the grace period, probes liveness once and hands the
// outcome to the loop tagged with the generation it was launched for.
func (s *Supervisor) verify(gen uint64, h childHandle) {
	defer s.bg.Done()
	t := time.NewTimer(s.opts.VerifyGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.quit:
		return
	}

	if s.currentGeneration() != gen {
		metrics.IncVerification("stale")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LivenessTimeout)
	res := s.opts.Checker.Check(ctx, health.KindLiveness, s.opts.LivenessURL, s.opts.LivenessTimeout)
	cancel()

	ok := res.Err == nil && res.Reachable && !h.Exited()
	err := res.Err
	if err == nil && !ok {
		err = errors.New("process exited before verification")
	}
	s.notify(command{action: actionVerified, generation: gen, ok: ok, err: err})
}

func (s *Supervisor) commitVerification(gen uint64, ok bool, cause error) {
	now := time.Now().UTC()
	s.mu.Lock()
	if s.rec.child == nil || s.rec.generation != gen {
		s.mu.Unlock()
		metrics.IncVerification("stale")
		s.log.Debug("discarding stale verification", "generation", gen)
		return
	}
	from := s.rec.state()
	pid := s.rec.child.PID()
	if ok && s.rec.running {
		s.rec.verified = true
		s.rec.verifiedAt = now
	} else {
		ok = false
		s.rec.running = false
	}
	to := s.rec.state()
	s.mu.Unlock()

	if ok {
		metrics.IncVerification("passed")
		s.transition(from, to)
		s.log.Info("core service verified", "pid", pid, "generation", gen)
		s.emit(history.Event{Type: history.EventVerified, OccurredAt: now, Generation: gen, PID: pid, State: to.String()})
		return
	}
	metrics.IncVerification("failed")
	s.transition(from, to)
	if from == StateCrashed {
		// the exit watcher already reported the crash
		return
	}
	s.log.Warn("core service failed verification", "pid", pid, "generation", gen, "error", cause)
	s.emit(history.Event{Type: history.EventCrashed, OccurredAt: now, Generation: gen, PID: pid, State: to.String(), Error: errString(cause)})
}

// watchExit reports an exit of the child that nobody asked for.
func (s *Supervisor) watchExit(gen uint64, h childHandle) {
	defer s.bg.Done()
	select {
	case <-h.Done():
		s.notify(command{action: actionExited, generation: gen, err: h.ExitErr()})
	case <-s.quit:
	}
}

func (s *Supervisor) commitExit(gen uint64, exitErr error) {
	now := time.Now().UTC()
	s.mu.Lock()
	if s.rec.child == nil || s.rec.generation != gen || !s.rec.running {
		s.mu.Unlock()
		return
	}
	from := s.rec.state()
	pid := s.rec.child.PID()
	s.rec.running = false
	s.rec.exitedAt = now
	s.rec.exitErr = errString(exitErr)
	if s.rec.exitErr == "" {
		s.rec.exitErr = "exited"
	}
	msg := s.rec.exitErr
	s.mu.Unlock()

	s.transition(from, StateCrashed)
	s.log.Warn("core service exited unexpectedly", "pid", pid, "generation", gen, "exit", msg)
	s.emit(history.Event{Type: history.EventCrashed, OccurredAt: now, Generation: gen, PID: pid, State: StateCrashed.String(), Error: msg})
}

func (s *Supervisor) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.generation
}

func (s *Supervisor) transition(from, to State) {
	if from == to {
		return
	}
	metrics.RecordStateTransition(from.String(), to.String())
	s.log.Debug("state transition", "from", from.String(), "to", to.String())
}

// emit queues e for the history sinks. It is only called from the command
// loop, so events reach the sinks in commit order.
func (s *Supervisor) emit(e history.Event) {
	if s.events == nil {
		return
	}
	e.Service = s.opts.Name
	select {
	case s.events <- e:
	default:
		s.log.Debug("history queue full, dropping event", "event", string(e.Type), "generation", e.Generation)
	}
}

func (s *Supervisor) emitLoop() {
	defer s.bg.Done()
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.sinks.Send(ctx, e); err != nil {
			s.log.Debug("history sink failed", "event", string(e.Type), "error", err)
		}
		cancel()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Supervisor) String() string {
	snap := s.State()
	return fmt.Sprintf("%s[%s gen=%d pid=%d]", s.opts.Name, snap.State, snap.Generation, snap.PID)
}
