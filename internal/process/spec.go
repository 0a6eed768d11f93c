package process

import (
	"os"
	"path/filepath"

	"github.com/loykin/corevisor/internal/logger"
	"github.com/loykin/corevisor/internal/svcerr"
)

// Spec describes how to launch the core service.
type Spec struct {
	Name        string            `json:"name"`
	Interpreter string            `json:"interpreter"` // empty runs Target directly
	Target      string            `json:"target"`      // entry point handed to the interpreter
	Args        []string          `json:"args"`
	WorkDir     string            `json:"work_dir"`
	Env         []string          `json:"env"` // complete environment; nil inherits the host's
	Log         logger.FileConfig `json:"log"`
}

// Layout is the launch layout expressed relative to a base directory,
// normally the host's current working directory.
type Layout struct {
	Name        string   `mapstructure:"name"`
	Interpreter string   `mapstructure:"interpreter"`
	Target      string   `mapstructure:"target"`
	Args        []string `mapstructure:"args"`
	WorkDir     string   `mapstructure:"work_dir"`
}

// Resolve anchors the layout's relative paths at base.
func (l Layout) Resolve(base string) Spec {
	return Spec{
		Name:        l.Name,
		Interpreter: l.Interpreter,
		Target:      ResolvePath(base, l.Target),
		Args:        append([]string(nil), l.Args...),
		WorkDir:     ResolvePath(base, l.WorkDir),
	}
}

// ResolvePath joins p onto base unless p is already absolute.
func ResolvePath(base, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// Validate checks that the launch target and working directory exist.
func (s Spec) Validate() error {
	if s.Target == "" {
		return svcerr.MissingArtifact("launch target not configured", "")
	}
	fi, err := os.Stat(s.Target)
	if err != nil || fi.IsDir() {
		return svcerr.MissingArtifact("launch target not found", s.Target)
	}
	if s.WorkDir != "" {
		fi, err := os.Stat(s.WorkDir)
		if err != nil || !fi.IsDir() {
			return svcerr.MissingArtifact("working directory not found", s.WorkDir)
		}
	}
	return nil
}

func (s Spec) argv() (string, []string) {
	if s.Interpreter == "" {
		return s.Target, append([]string(nil), s.Args...)
	}
	return s.Interpreter, append([]string{s.Target}, s.Args...)
}
