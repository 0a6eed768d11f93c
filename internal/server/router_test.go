package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/corevisor/internal/auth"
	"github.com/loykin/corevisor/internal/facade"
	"github.com/loykin/corevisor/internal/supervisor"
	"github.com/loykin/corevisor/internal/svcerr"
)

type fakeCommands struct {
	status     json.RawMessage
	statusErr  error
	startMsg   string
	startErr   error
	stopMsg    string
	stopErr    error
	running    bool
	snapshot   supervisor.Snapshot
	installMsg string
	installErr error
}

func (f *fakeCommands) Status(context.Context) (json.RawMessage, error) { return f.status, f.statusErr }
func (f *fakeCommands) Start(context.Context) (string, error)           { return f.startMsg, f.startErr }
func (f *fakeCommands) Stop(context.Context) (string, error)            { return f.stopMsg, f.stopErr }
func (f *fakeCommands) IsRunning() bool                                 { return f.running }
func (f *fakeCommands) State() supervisor.Snapshot                      { return f.snapshot }
func (f *fakeCommands) InstallDependencies(context.Context) (string, error) {
	return f.installMsg, f.installErr
}

func setupRouter(t *testing.T, base string, cmds Commands) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(cmds, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStatusForwardsPayloadVerbatim(t *testing.T) {
	h := setupRouter(t, "/api", &fakeCommands{status: json.RawMessage(`{"model":"loaded","queue":[1,2]}`)})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"model":"loaded","queue":[1,2]}`, rec.Body.String())
}

func TestStatusErrorIsBadGateway(t *testing.T) {
	h := setupRouter(t, "/api", &fakeCommands{statusErr: svcerr.ProtocolStatus(503)})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "protocol", body["kind"])
	assert.Equal(t, float64(503), body["status_code"])

	h = setupRouter(t, "/api", &fakeCommands{statusErr: svcerr.Transport("GET x", errors.New("refused"))})
	rec = doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "transport", body["kind"])
	_, has := body["status_code"]
	assert.False(t, has)
}

func TestStartAndStopMessages(t *testing.T) {
	h := setupRouter(t, "", &fakeCommands{startMsg: facade.MsgAlreadyRunning, stopMsg: facade.MsgNotRunning})

	rec := doReq(t, h, http.MethodPost, "/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, facade.MsgAlreadyRunning, decode(t, rec)["message"])

	rec = doReq(t, h, http.MethodPost, "/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, facade.MsgNotRunning, decode(t, rec)["message"])
}

func TestCommandErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{"missing artifact", svcerr.MissingArtifact("launch target not found", "/x/main.py"), http.StatusUnprocessableEntity, "missing_artifact"},
		{"spawn", svcerr.Spawn("start", errors.New("exec format error")), http.StatusInternalServerError, "spawn"},
		{"terminate", svcerr.Terminate("terminate core", nil), http.StatusInternalServerError, "terminate"},
		{"shutdown", supervisor.ErrShutdown, http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := setupRouter(t, "/api", &fakeCommands{startErr: tc.err, stopErr: tc.err})
			for _, path := range []string{"/api/start", "/api/stop"} {
				rec := doReq(t, h, http.MethodPost, path)
				require.Equal(t, tc.want, rec.Code, path)
				body := decode(t, rec)
				assert.Equal(t, tc.err.Error(), body["error"])
				if tc.kind == "" {
					assert.NotContains(t, body, "kind")
				} else {
					assert.Equal(t, tc.kind, body["kind"])
				}
			}
		})
	}
}

func TestRunningAndState(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := setupRouter(t, "/api", &fakeCommands{
		running: true,
		snapshot: supervisor.Snapshot{
			State: supervisor.StateStarting, Running: true, PID: 4242, Generation: 1, StartedAt: started,
		},
	})

	rec := doReq(t, h, http.MethodGet, "/api/running")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "starting", body["state"])
	assert.Equal(t, float64(4242), body["pid"])
}

func TestInstall(t *testing.T) {
	h := setupRouter(t, "/api", &fakeCommands{installMsg: facade.MsgInstalled})
	rec := doReq(t, h, http.MethodPost, "/api/install")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, facade.MsgInstalled, decode(t, rec)["message"])

	h = setupRouter(t, "/api", &fakeCommands{installErr: svcerr.Install("pip exited with status 1", errors.New("No matching distribution"))})
	rec = doReq(t, h, http.MethodPost, "/api/install")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "install", decode(t, rec)["kind"])

	h = setupRouter(t, "/api", &fakeCommands{installErr: facade.ErrNoInstaller})
	rec = doReq(t, h, http.MethodPost, "/api/install")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMethodAndBasePathRouting(t *testing.T) {
	h := setupRouter(t, "/api/", &fakeCommands{})
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/start").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics").Code)
}

func TestMetricsMounted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("corevisor_service_starts_total 1\n"))
	})
	h := NewRouter(&fakeCommands{}, "/api").WithMetrics(metrics).Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "corevisor_service_starts_total")
}

func TestAuthProtectsAPIButNotMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) })
	h := NewRouter(&fakeCommands{running: true}, "/api").
		WithAuth(auth.NewMiddleware("s3cret")).
		WithMetrics(metrics).
		Handler()

	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/running").Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/metrics").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/running", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServerServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", NewRouter(&fakeCommands{running: true}, "/api"), nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr + "/api/running")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestNewServerReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	_, err = NewServer(ln.Addr().String(), NewRouter(&fakeCommands{}, ""), nil)
	assert.Error(t, err)
}
