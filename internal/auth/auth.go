// Package auth guards the HTTP API with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderToken is an alternative to "Authorization: Bearer".
const HeaderToken = "X-Corevisor-Token"

// Config selects the token. TokenFile wins over Token; both empty disables auth.
type Config struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// Resolve returns the configured token, reading TokenFile when set.
func (c Config) Resolve() (string, error) {
	if c.TokenFile == "" {
		return strings.TrimSpace(c.Token), nil
	}
	b, err := os.ReadFile(filepath.Clean(c.TokenFile))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", c.TokenFile)
	}
	return tok, nil
}

// Middleware authenticates API requests. A Middleware without a token
// lets everything through.
type Middleware struct {
	token []byte
}

func NewMiddleware(token string) *Middleware {
	return &Middleware{token: []byte(token)}
}

func (m *Middleware) Enabled() bool { return m != nil && len(m.token) > 0 }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		if !m.Check(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"kind":  "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// Check reports whether r carries the token.
func (m *Middleware) Check(r *http.Request) bool {
	got := RequestToken(r)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), m.token) == 1
}

// RequestToken extracts the token from the Authorization or X-Corevisor-Token header.
func RequestToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if scheme, tok, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}
