package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/corevisor/internal/auth"
	"github.com/loykin/corevisor/internal/facade"
	"github.com/loykin/corevisor/internal/supervisor"
	"github.com/loykin/corevisor/internal/svcerr"
)

// Commands is the facade surface served over HTTP.
type Commands interface {
	Status(ctx context.Context) (json.RawMessage, error)
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (string, error)
	IsRunning() bool
	State() supervisor.Snapshot
	InstallDependencies(ctx context.Context) (string, error)
}

// Router provides embeddable HTTP handlers for the core service commands.
// Endpoints:
//
//	GET  {basePath}/status    status payload of the running service, verbatim
//	POST {basePath}/start     launch the service
//	POST {basePath}/stop      stop the service
//	GET  {basePath}/running   {"running": bool}
//	GET  {basePath}/state     supervisor snapshot
//	POST {basePath}/install   install the service's dependencies
//	GET  /metrics             Prometheus exposition, when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash. With WithAuth,
// API routes require "Authorization: Bearer <token>".
type Router struct {
	cmds     Commands
	basePath string
	metrics  http.Handler
	auth     *auth.Middleware
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(cmds Commands, basePath string) *Router {
	return &Router{cmds: cmds, basePath: sanitizeBase(basePath), log: slog.Default()}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// WithAuth requires the middleware's token on every API route. /metrics
// stays open for scrapers.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath, r.auth.GinAuth())
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/running", r.handleRunning)
	group.GET("/state", r.handleState)
	group.POST("/install", r.handleInstall)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer binds addr and serves the router on it in the background.
// A nil tlsCfg serves plain HTTP. Bind errors are returned; the caller
// stops the server with Shutdown or Close.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// install can take minutes; the write deadline covers the whole handler
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("api server stopped", "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

type messageResp struct {
	Message string `json:"message"`
}

type runningResp struct {
	Running bool `json:"running"`
}

func (r *Router) handleStatus(c *gin.Context) {
	payload, err := r.cmds.Status(c.Request.Context())
	if err != nil {
		// the service, not this API, failed to answer
		writeError(c, http.StatusBadGateway, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (r *Router) handleStart(c *gin.Context) {
	msg, err := r.cmds.Start(c.Request.Context())
	if err != nil {
		writeError(c, commandStatus(err), err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: msg})
}

func (r *Router) handleStop(c *gin.Context) {
	msg, err := r.cmds.Stop(c.Request.Context())
	if err != nil {
		writeError(c, commandStatus(err), err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: msg})
}

func (r *Router) handleRunning(c *gin.Context) {
	writeJSON(c, http.StatusOK, runningResp{Running: r.cmds.IsRunning()})
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.cmds.State())
}

func (r *Router) handleInstall(c *gin.Context) {
	msg, err := r.cmds.InstallDependencies(c.Request.Context())
	if err != nil {
		code := commandStatus(err)
		if errors.Is(err, facade.ErrNoInstaller) {
			code = http.StatusNotImplemented
		}
		writeError(c, code, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: msg})
}

// commandStatus maps a failed start/stop/install to an HTTP status.
func commandStatus(err error) int {
	switch {
	case svcerr.IsMissingArtifact(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, code int, err error) {
	resp := errorResp{Error: err.Error(), Kind: string(svcerr.KindOf(err))}
	if sc, ok := svcerr.StatusCode(err); ok {
		resp.StatusCode = sc
	}
	writeJSON(c, code, resp)
}
