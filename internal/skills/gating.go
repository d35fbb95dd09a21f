package skills

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// GatingContext answers dependency checks for catalogue resolution. PATH and
// environment lookups are cached; the allowlist rehabilitates binaries the
// user has approved mid-session.
type GatingContext struct {
	// OS is the runtime platform (darwin, linux, windows).
	OS string

	mu        sync.Mutex
	pathBins  map[string]bool
	envVars   map[string]bool
	allowlist map[string]struct{}
}

// NewGatingContext creates a context for the current machine.
func NewGatingContext() *GatingContext {
	return &GatingContext{
		OS:        runtime.GOOS,
		pathBins:  make(map[string]bool),
		envVars:   make(map[string]bool),
		allowlist: make(map[string]struct{}),
	}
}

// CheckBinary reports whether the binary exists on PATH or is allowlisted.
func (c *GatingContext) CheckBinary(name string) bool {
	c.mu.Lock()
	if _, ok := c.allowlist[name]; ok {
		c.mu.Unlock()
		return true
	}
	if cached, ok := c.pathBins[name]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	_, err := exec.LookPath(name)
	found := err == nil

	c.mu.Lock()
	c.pathBins[name] = found
	c.mu.Unlock()
	return found
}

// CheckEnv reports whether the environment variable is set.
func (c *GatingContext) CheckEnv(name string) bool {
	c.mu.Lock()
	if cached, ok := c.envVars[name]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	_, exists := os.LookupEnv(name)

	c.mu.Lock()
	c.envVars[name] = exists
	c.mu.Unlock()
	return exists
}

// CheckApp reports whether an external application is installed. On darwin
// this checks /Applications/{name}.app; elsewhere the app name is treated as
// a binary or an absolute detect path.
func (c *GatingContext) CheckApp(name string) bool {
	if name == "" {
		return true
	}
	if filepath.IsAbs(name) {
		_, err := os.Stat(name)
		return err == nil
	}
	if c.OS == "darwin" {
		app := name
		if !strings.HasSuffix(app, ".app") {
			app += ".app"
		}
		_, err := os.Stat(filepath.Join("/Applications", app))
		return err == nil
	}
	return c.CheckBinary(name)
}

// Allow adds executables to the allowlist so a previously unavailable skill
// can be rehabilitated without a full reload.
func (c *GatingContext) Allow(executables ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range executables {
		c.allowlist[e] = struct{}{}
	}
}

// Evaluate computes the resolved status for a skill. Framework tools are
// trusted outright; everything else walks the dependency checks in order of
// severity.
func (c *GatingContext) Evaluate(s *Skill) (Status, string) {
	if s.Backend == BackendTool {
		return StatusReady, ""
	}

	for _, bin := range s.Requires.Bins {
		if !c.CheckBinary(bin) {
			return StatusUnavailable, fmt.Sprintf("missing command %q", bin)
		}
	}
	if !c.CheckApp(s.Requires.App) {
		return StatusUnavailable, fmt.Sprintf("missing application %q", s.Requires.App)
	}
	if s.Requires.SystemAuth {
		return StatusNeedAuth, "requires system authorization"
	}
	for _, env := range s.Requires.Env {
		if !c.CheckEnv(env) {
			if s.Hints.AutoInstall {
				// Deferred setup: the skill handles its own bootstrap.
				continue
			}
			return StatusNeedSetup, fmt.Sprintf("environment variable %s not set", env)
		}
	}
	if s.Backend == BackendAPI && s.APIKeyEnv != "" && !c.CheckEnv(s.APIKeyEnv) {
		return StatusNeedSetup, fmt.Sprintf("api key %s not set", s.APIKeyEnv)
	}
	return StatusReady, ""
}
