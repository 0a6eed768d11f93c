package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/corevisor/internal/metrics"
	"github.com/loykin/corevisor/internal/svcerr"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Kind distinguishes the two logical checks against the core service.
type Kind string

const (
	KindLiveness Kind = "liveness" // root path, body ignored
	KindStatus   Kind = "status"   // /status, JSON body required
)

// Result is the outcome of a single check. Err is nil iff Reachable.
type Result struct {
	Reachable  bool
	StatusCode int
	Payload    json.RawMessage
	Latency    time.Duration
	Err        error
}

// Checker performs one bounded check. The supervisor depends on this
// interface so tests can substitute a scripted checker.
type Checker interface {
	Check(ctx context.Context, kind Kind, url string, timeout time.Duration) Result
}

// Prober issues single GET requests. It never retries.
type Prober struct {
	client *http.Client
}

// NewProber returns a Prober using client, or a fresh client when nil.
// Per-call timeouts are applied through the request context.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client}
}

// CheckLiveness probes url and treats any 2xx response as reachable.
func (p *Prober) CheckLiveness(ctx context.Context, url string, timeout time.Duration) Result {
	return p.Check(ctx, KindLiveness, url, timeout)
}

// CheckStatus probes url and requires a decodable JSON body.
func (p *Prober) CheckStatus(ctx context.Context, url string, timeout time.Duration) Result {
	return p.Check(ctx, KindStatus, url, timeout)
}

func (p *Prober) Check(ctx context.Context, kind Kind, url string, timeout time.Duration) Result {
	start := time.Now()
	res := p.check(ctx, kind, url, timeout)
	res.Latency = time.Since(start)
	metrics.ObserveProbe(string(kind), probeOutcome(res), res.Latency.Seconds())
	return res
}

func (p *Prober) check(ctx context.Context, kind Kind, url string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: svcerr.Transport(fmt.Sprintf("build request for %s", url), err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Err: svcerr.Transport(fmt.Sprintf("GET %s", url), err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Result{StatusCode: resp.StatusCode, Err: svcerr.ProtocolStatus(resp.StatusCode)}
	}

	if kind == KindLiveness {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Result{Reachable: true, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// The connection died mid-body; the process is not answering properly.
		return Result{StatusCode: resp.StatusCode, Err: svcerr.Transport(fmt.Sprintf("read body of %s", url), err)}
	}
	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{StatusCode: resp.StatusCode, Err: svcerr.ProtocolDecode(err)}
	}
	return Result{Reachable: true, StatusCode: resp.StatusCode, Payload: payload}
}

func probeOutcome(r Result) string {
	if r.Reachable {
		return "reachable"
	}
	return string(svcerr.KindOf(r.Err))
}
