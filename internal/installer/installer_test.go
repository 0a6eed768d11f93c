//go:build !windows

package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/corevisor/internal/svcerr"
)

// fakeInterpreter writes an executable standing in for python.
func fakeInterpreter(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "python")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return p
}

func manifest(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(p, []byte("fastapi\nuvicorn\n"), 0o600))
	return p
}

func TestInstallRunsPip(t *testing.T) {
	dir := t.TempDir()
	inst := New(Config{
		Interpreter: fakeInterpreter(t, dir, `echo "$@"`),
		Manifest:    manifest(t, dir),
		WorkDir:     dir,
	}, nil)

	out, err := inst.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "-m pip install -r "+filepath.Join(dir, "requirements.txt"), out)
}

func TestInstallMissingManifest(t *testing.T) {
	dir := t.TempDir()
	inst := New(Config{Interpreter: fakeInterpreter(t, dir, "exit 0"), Manifest: filepath.Join(dir, "requirements.txt")}, nil)

	_, err := inst.Install(context.Background())
	require.Error(t, err)
	assert.True(t, svcerr.IsMissingArtifact(err))
}

func TestInstallFailureCarriesStderr(t *testing.T) {
	dir := t.TempDir()
	inst := New(Config{
		Interpreter: fakeInterpreter(t, dir, "echo 'ERROR: No matching distribution found for nosuchpkg' 1>&2\nexit 1"),
		Manifest:    manifest(t, dir),
	}, nil)

	_, err := inst.Install(context.Background())
	require.Error(t, err)
	assert.True(t, svcerr.IsInstall(err))
	assert.Contains(t, err.Error(), "No matching distribution found for nosuchpkg")
}

func TestInstallInterpreterMissing(t *testing.T) {
	dir := t.TempDir()
	inst := New(Config{Interpreter: filepath.Join(dir, "absent"), Manifest: manifest(t, dir)}, nil)

	_, err := inst.Install(context.Background())
	require.Error(t, err)
	assert.True(t, svcerr.IsInstall(err))
}

func TestConcurrentInstallsShareOneRun(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	inst := New(Config{
		Interpreter: fakeInterpreter(t, dir, "echo run >> '"+counter+"'\nsleep 0.3\necho done"),
		Manifest:    manifest(t, dir),
	}, nil)

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := inst.Install(context.Background())
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	runs := strings.Count(string(b), "run")
	assert.GreaterOrEqual(t, runs, 1)
	assert.Less(t, runs, len(results))
	for _, r := range results {
		assert.Equal(t, "done", r)
	}
}

func TestCancelledCallerDoesNotAbortJoinedInstall(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	inst := New(Config{
		Interpreter: fakeInterpreter(t, dir, "echo run >> '"+counter+"'\nsleep 0.5\necho done"),
		Manifest:    manifest(t, dir),
	}, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := inst.Install(firstCtx)
		firstErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	type result struct {
		out string
		err error
	}
	joined := make(chan result, 1)
	go func() {
		out, err := inst.Install(context.Background())
		joined <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancelFirst()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("cancelled caller kept waiting for the shared run")
	}

	r := <-joined
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.out)

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "run"), "the joined caller reused the first run")
}

func TestCloseCancelsInstall(t *testing.T) {
	dir := t.TempDir()
	inst := New(Config{
		Interpreter: fakeInterpreter(t, dir, "exec sleep 5"),
		Manifest:    manifest(t, dir),
	}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := inst.Install(context.Background())
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, inst.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, svcerr.IsInstall(err))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Contains(t, err.Error(), "cancelled")
	case <-time.After(3 * time.Second):
		t.Fatal("install still running after Close")
	}

	_, err := inst.Install(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "cde", tail("abcde", 3))

	// "é" is two bytes; cutting into it skips to the next rune
	out := tail("caféx", 2)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "x", out)
	assert.Equal(t, "éx", tail("caféx", 3))
}
