package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zenflux/zenflux/internal/config"
)

const watchDebounce = 500 * time.Millisecond

// CatalogueCache persists a resolved catalogue between runs. The storage
// layer's skill cache satisfies this.
type CatalogueCache interface {
	GetSkillCache(key string, out any) error
	PutSkillCache(key string, value any) error
}

const cacheKey = "skills:catalogue"

// Manager owns the resolved skill catalogue. Resolution happens at startup
// and on explicit refresh; with watching enabled, changes under any source
// directory trigger a debounced re-resolution.
type Manager struct {
	cfg    config.SkillsConfig
	gating *GatingContext
	cache  CatalogueCache
	logger *slog.Logger

	mu        sync.RWMutex
	catalogue []*Skill
	byName    map[string]*Skill

	watcher *fsnotify.Watcher
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config config.SkillsConfig
	Cache  CatalogueCache
	Logger *slog.Logger
}

// NewManager resolves the catalogue once and optionally starts the watcher.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		cfg:    opts.Config,
		gating: NewGatingContext(),
		cache:  opts.Cache,
		logger: opts.Logger,
	}
	m.Refresh()
	return m, nil
}

// osCategory maps the runtime platform onto the skills map dimension.
func osCategory() string {
	switch runtime.GOOS {
	case "darwin":
		return "darwin"
	case "windows":
		return "win32"
	default:
		return "linux"
	}
}

// sourceDirs returns the skill source directories, highest precedence first.
func (m *Manager) sourceDirs() []string {
	var dirs []string
	for _, d := range []string{m.cfg.WorkspaceDir, m.cfg.InstanceDir, m.cfg.LibraryDir} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Refresh re-resolves the catalogue from config, sources, and gating checks.
func (m *Manager) Refresh() {
	records := m.collectRecords()
	catalogue := make([]*Skill, 0, len(records))
	byName := make(map[string]*Skill, len(records))

	for _, rec := range records {
		s := m.resolve(rec)
		catalogue = append(catalogue, s)
		byName[s.Name] = s
	}
	sort.Slice(catalogue, func(i, j int) bool { return catalogue[i].Name < catalogue[j].Name })

	m.mu.Lock()
	m.catalogue = catalogue
	m.byName = byName
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.PutSkillCache(cacheKey, catalogue); err != nil {
			m.logger.Warn("skill catalogue cache write failed", "error", err)
		}
	}
	m.logger.Info("skill catalogue resolved",
		"skills", len(catalogue), "os_category", osCategory())
}

// record carries a config entry together with its dependency level.
type record struct {
	config.SkillRecord
	level string
	os    string
}

// collectRecords merges the common slice with the current-OS slice,
// deduplicating by name with OS-specific records overriding common ones.
func (m *Manager) collectRecords() []record {
	osCat := osCategory()
	byName := make(map[string]record)
	var order []string

	add := func(category string) {
		for level, recs := range m.cfg.Entries[category] {
			for _, r := range recs {
				if r.Enabled != nil && !*r.Enabled {
					continue
				}
				if _, seen := byName[r.Name]; !seen {
					order = append(order, r.Name)
				}
				// Later categories override: common is added first.
				byName[r.Name] = record{SkillRecord: r, level: level, os: category}
			}
		}
	}
	add("common")
	add(osCat)

	out := make([]record, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// resolve locates the SKILL.md, merges manifest requirements, and gates.
func (m *Manager) resolve(rec record) *Skill {
	s := &Skill{
		Name:            rec.Name,
		Description:     rec.Description,
		Backend:         Backend(rec.Backend),
		ToolName:        rec.ToolName,
		Group:           rec.Group,
		OSCategory:      rec.os,
		DependencyLevel: rec.level,
		APIKeyEnv:       rec.APIKeyEnv,
		Requires: Requires{
			Bins:           rec.Bins,
			Env:            rec.Env,
			PythonPackages: rec.PythonPackages,
			App:            rec.RequiresApp,
			SystemAuth:     rec.SystemAuth,
		},
		Hints: Hints{AutoInstall: rec.AutoInstall},
	}

	for _, dir := range m.sourceDirs() {
		path := filepath.Join(dir, rec.Name, ManifestFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s.SkillPath = path
		manifest, err := ParseManifestFile(path)
		if err != nil {
			m.logger.Warn("skill manifest unparsable", "skill", rec.Name, "path", path, "error", err)
			break
		}
		if s.Description == "" {
			s.Description = manifest.Description
		}
		s.Requires = mergeRequires(s.Requires, manifest.Requires)
		s.Hints = mergeHints(s.Hints, manifest.Hints)
		break
	}

	s.Status, s.StatusReason = m.gating.Evaluate(s)
	return s
}

func mergeRequires(base, extra Requires) Requires {
	base.Bins = dedupe(append(base.Bins, extra.Bins...))
	base.Env = dedupe(append(base.Env, extra.Env...))
	base.PythonPackages = dedupe(append(base.PythonPackages, extra.PythonPackages...))
	if base.App == "" {
		base.App = extra.App
	}
	base.SystemAuth = base.SystemAuth || extra.SystemAuth
	return base
}

func mergeHints(base, extra Hints) Hints {
	if base.UserHint == "" {
		base.UserHint = extra.UserHint
	}
	base.AutoInstall = base.AutoInstall || extra.AutoInstall
	if base.DownloadURL == "" {
		base.DownloadURL = extra.DownloadURL
	}
	if base.WebAlternative == "" {
		base.WebAlternative = extra.WebAlternative
	}
	return base
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Catalogue returns the resolved skills, sorted by name.
func (m *Manager) Catalogue() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, len(m.catalogue))
	copy(out, m.catalogue)
	return out
}

// Get returns the resolved skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[name]
	return s, ok
}

// IsSkillEligible reports whether the named skill is currently usable.
func (m *Manager) IsSkillEligible(name string) bool {
	s, ok := m.Get(name)
	return ok && s.Available()
}

// AddToAllowlist approves executables and re-gates the affected skills
// in place, without a full catalogue reload.
func (m *Manager) AddToAllowlist(executables ...string) {
	m.gating.Allow(executables...)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.catalogue {
		if s.Status != StatusUnavailable {
			continue
		}
		s.Status, s.StatusReason = m.gating.Evaluate(s)
	}
}

// Watch re-resolves the catalogue when any source directory changes, with
// debouncing, until ctx ends. No-op unless watching is configured.
func (m *Manager) Watch(ctx context.Context) error {
	if !m.cfg.Watch {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	for _, dir := range m.sourceDirs() {
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn("skill source not watchable", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, m.Refresh)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("skill watcher error", "error", err)
			}
		}
	}()
	return nil
}
