package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client talks to a corevisor daemon's HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token, when the daemon requires one
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. a generated tls_ca.crt
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8787/api"

// DefaultConfig returns default client configuration. The timeout covers
// dependency installation, which is the slowest call.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Minute,
	}
}

// New creates a new API client. TLS settings that cannot be loaded are
// logged and the client falls back to the system roots.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable reports whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	var r RunningResponse
	if err := c.do(ctx, http.MethodGet, "/running", &r); err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the core service's status payload verbatim.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/status", &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Start asks the daemon to launch the core service.
func (c *Client) Start(ctx context.Context) (string, error) {
	return c.message(ctx, "/start")
}

// Stop asks the daemon to stop the core service.
func (c *Client) Stop(ctx context.Context) (string, error) {
	return c.message(ctx, "/stop")
}

// Install asks the daemon to install the core service's dependencies.
func (c *Client) Install(ctx context.Context) (string, error) {
	return c.message(ctx, "/install")
}

func (c *Client) Running(ctx context.Context) (bool, error) {
	var r RunningResponse
	if err := c.do(ctx, http.MethodGet, "/running", &r); err != nil {
		return false, err
	}
	return r.Running, nil
}

func (c *Client) State(ctx context.Context) (ServiceState, error) {
	var s ServiceState
	err := c.do(ctx, http.MethodGet, "/state", &s)
	return s, err
}

func (c *Client) message(ctx context.Context, path string) (string, error) {
	var m MessageResponse
	if err := c.do(ctx, http.MethodPost, path, &m); err != nil {
		return "", err
	}
	return m.Message, nil
}

// do performs a request and decodes a 200 body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-200 response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	} else {
		apiErr.Message, apiErr.Kind, apiErr.Upstream = er.Error, er.Kind, er.StatusCode
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "kind", apiErr.Kind, "error", apiErr.Message)
	return apiErr
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}
