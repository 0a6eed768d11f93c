package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/corevisor/internal/svcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckStatus_ReachableWithPayload(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"online","agents":3}`))
	})

	res := NewProber(nil).CheckStatus(context.Background(), srv.URL+"/status", time.Second)

	require.NoError(t, res.Err)
	assert.True(t, res.Reachable)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"online","agents":3}`, string(res.Payload))
}

func TestCheckStatus_Non2xxIsProtocolError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	res := NewProber(nil).CheckStatus(context.Background(), srv.URL, time.Second)

	assert.False(t, res.Reachable)
	assert.True(t, svcerr.IsProtocol(res.Err))
	code, ok := svcerr.StatusCode(res.Err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestCheckStatus_UndecodableBodyIsProtocolNotTransport(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	res := NewProber(nil).CheckStatus(context.Background(), srv.URL, time.Second)

	assert.False(t, res.Reachable)
	assert.True(t, svcerr.IsProtocol(res.Err))
	assert.False(t, svcerr.IsTransport(res.Err))
	_, hasCode := svcerr.StatusCode(res.Err)
	assert.False(t, hasCode)
}

func TestCheckLiveness_IgnoresBody(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("JARVIS core is alive"))
	})

	res := NewProber(nil).CheckLiveness(context.Background(), srv.URL+"/", time.Second)

	require.NoError(t, res.Err)
	assert.True(t, res.Reachable)
	assert.Nil(t, res.Payload)
}

func TestCheck_ConnectionRefusedIsTransport(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	res := NewProber(nil).CheckLiveness(context.Background(), "http://"+addr+"/", time.Second)

	assert.False(t, res.Reachable)
	assert.True(t, svcerr.IsTransport(res.Err))
}

func TestCheck_TimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	start := time.Now()
	res := NewProber(nil).CheckStatus(context.Background(), srv.URL, 50*time.Millisecond)

	assert.True(t, svcerr.IsTransport(res.Err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheck_InvalidURL(t *testing.T) {
	res := NewProber(nil).CheckStatus(context.Background(), "http://[::1", time.Second)
	assert.True(t, svcerr.IsTransport(res.Err))
}
