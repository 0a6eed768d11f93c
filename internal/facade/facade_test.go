package facade

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/corevisor/internal/supervisor"
	"github.com/loykin/corevisor/internal/svcerr"
)

type fakeCore struct {
	startRes supervisor.StartResult
	startErr error
	stopRes  supervisor.StopResult
	stopErr  error
	payload  json.RawMessage
	statErr  error
	running  atomic.Bool
	starts   atomic.Int32
}

func (f *fakeCore) Start(context.Context) (supervisor.StartResult, error) {
	f.starts.Add(1)
	if f.startErr == nil {
		f.running.Store(true)
	}
	return f.startRes, f.startErr
}

func (f *fakeCore) Stop(context.Context) (supervisor.StopResult, error) {
	if f.stopErr == nil {
		f.running.Store(false)
	}
	return f.stopRes, f.stopErr
}

func (f *fakeCore) Status(context.Context) (json.RawMessage, error) { return f.payload, f.statErr }
func (f *fakeCore) IsRunning() bool                                 { return f.running.Load() }
func (f *fakeCore) State() supervisor.Snapshot {
	return supervisor.Snapshot{State: supervisor.StateStarting, Running: f.running.Load()}
}

type fakeInstaller struct {
	err   error
	calls int
}

func (f *fakeInstaller) Install(context.Context) (string, error) {
	f.calls++
	return "Successfully installed fastapi", f.err
}

func TestStartMessages(t *testing.T) {
	ctx := context.Background()
	core := &fakeCore{startRes: supervisor.Launched}
	c := New(core, nil, nil)

	msg, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgLaunched, msg)
	assert.True(t, c.IsRunning())

	core.startRes = supervisor.AlreadyRunning
	msg, err = c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgAlreadyRunning, msg)

	core.startErr = svcerr.MissingArtifact("launch target not found", "/app/jarvis-core/main.py")
	msg, err = c.Start(ctx)
	assert.Empty(t, msg)
	assert.True(t, svcerr.IsMissingArtifact(err))
}

func TestStopMessages(t *testing.T) {
	ctx := context.Background()
	core := &fakeCore{stopRes: supervisor.Stopped}
	c := New(core, nil, nil)

	msg, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgStopped, msg)

	core.stopRes = supervisor.NotRunning
	msg, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgNotRunning, msg)

	core.stopErr = svcerr.Terminate("terminate core", errors.New("operation not permitted"))
	_, err = c.Stop(ctx)
	assert.True(t, svcerr.IsTerminate(err))
}

func TestStatusForwardsVerbatim(t *testing.T) {
	core := &fakeCore{payload: json.RawMessage(`{"version":"1.2","models":["a"]}`)}
	c := New(core, nil, nil)
	p, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.2","models":["a"]}`, string(p))
	assert.Equal(t, supervisor.StateStarting, c.State().State)
}

func TestInstallDependencies(t *testing.T) {
	ctx := context.Background()
	_, err := New(&fakeCore{}, nil, nil).InstallDependencies(ctx)
	assert.ErrorIs(t, err, ErrNoInstaller)

	inst := &fakeInstaller{}
	core := &fakeCore{}
	c := New(core, inst, nil)
	msg, err := c.InstallDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgInstalled, msg)
	assert.False(t, c.IsRunning(), "install never touches supervisor state")

	inst.err = svcerr.Install("ERROR: No matching distribution", errors.New("exit status 1"))
	_, err = c.InstallDependencies(ctx)
	assert.True(t, svcerr.IsInstall(err))
	assert.Equal(t, 2, inst.calls)
}

func TestAutoLaunch(t *testing.T) {
	core := &fakeCore{}
	c := New(core, nil, nil)

	start := time.Now()
	require.NoError(t, c.AutoLaunch(context.Background(), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int32(1), core.starts.Load())
}

func TestAutoLaunchCancelled(t *testing.T) {
	core := &fakeCore{}
	c := New(core, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.AutoLaunch(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), core.starts.Load())
}

func TestAutoLaunchReportsFailure(t *testing.T) {
	core := &fakeCore{startErr: svcerr.Spawn("start python3", errors.New("executable file not found"))}
	err := New(core, nil, nil).AutoLaunch(context.Background(), 0)
	assert.True(t, svcerr.IsSpawn(err))
}
