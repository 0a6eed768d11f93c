package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// Env composes the environment handed to the core service process:
// the host's own environment, then configured overrides, then per-launch
// entries. Values may reference other variables as ${NAME}.
type Env struct {
	vars Var // configured overrides
	base Var // snapshot of the host environment; nil until first use
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// Isolated returns an Env that ignores the host environment.
func Isolated() *Env {
	return &Env{vars: make(Var), base: make(Var)}
}

// WithSet returns a copy of e with k=v added to the overrides.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{vars: make(Var, len(e.vars)+1), base: e.base}
	for key, val := range e.vars {
		out.vars[key] = val
	}
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithEntries applies a list of "K=V" entries as overrides.
func (e *Env) WithEntries(kvs []string) *Env {
	out := e
	for k, v := range parse(kvs) {
		out = out.WithSet(k, v)
	}
	return out
}

// Lookup resolves k against the composed environment without per-launch entries.
func (e *Env) Lookup(k string) (string, bool) {
	m := e.compose(nil)
	v, ok := m[k]
	if !ok {
		return "", false
	}
	return expand(v, m), true
}

// Merge returns the final sorted "K=V" list with perLaunch entries applied last.
func (e *Env) Merge(perLaunch []string) []string {
	m := e.compose(perLaunch)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func (e *Env) compose(perLaunch []string) Var {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.vars)+len(perLaunch))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perLaunch) {
		m[k] = v
	}
	return m
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 { // no separator or empty key
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// expand substitutes ${NAME} references in one pass. Unknown names expand
// to the empty string; an unterminated reference is kept literally.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
	return b.String()
}
