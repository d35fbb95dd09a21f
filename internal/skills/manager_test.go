package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zenflux/zenflux/internal/config"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, ManifestFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func toolRecord(name, group string) config.SkillRecord {
	return config.SkillRecord{Name: name, Description: name + " skill", Backend: "tool", ToolName: name, Group: group}
}

func newTestManager(t *testing.T, cfg config.SkillsConfig) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{Config: cfg})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestResolutionMergesCommonAndOS(t *testing.T) {
	osCat := osCategory()
	cfg := config.SkillsConfig{
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {
				"builtin": {toolRecord("files", "fs"), toolRecord("shared", "misc")},
			},
			osCat: {
				"builtin": {
					// OS-specific record overrides the common one by name.
					{Name: "shared", Description: "os flavored", Backend: "tool", ToolName: "shared"},
				},
				"lightweight": {toolRecord("os-only", "misc")},
			},
		},
	}
	m := newTestManager(t, cfg)

	cat := m.Catalogue()
	if len(cat) != 3 {
		t.Fatalf("catalogue has %d skills, want 3: %+v", len(cat), cat)
	}
	shared, ok := m.Get("shared")
	if !ok {
		t.Fatal("shared skill missing")
	}
	if shared.Description != "os flavored" {
		t.Fatalf("os-specific record did not override common: %q", shared.Description)
	}
	if shared.OSCategory != osCat {
		t.Fatalf("shared os category = %q, want %q", shared.OSCategory, osCat)
	}
}

func TestDisabledRecordExcluded(t *testing.T) {
	disabled := false
	cfg := config.SkillsConfig{
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {
				"builtin": {
					{Name: "off", Description: "d", Backend: "tool", ToolName: "off", Enabled: &disabled},
					toolRecord("on", ""),
				},
			},
		},
	}
	m := newTestManager(t, cfg)
	if _, ok := m.Get("off"); ok {
		t.Fatal("disabled skill resolved")
	}
	if _, ok := m.Get("on"); !ok {
		t.Fatal("enabled skill missing")
	}
}

func TestManifestBindingAndPrecedence(t *testing.T) {
	workspace := t.TempDir()
	library := t.TempDir()
	writeManifest(t, workspace, "notes", `---
name: notes
description: workspace copy
---
body`)
	writeManifest(t, library, "notes", `---
name: notes
description: library copy
---
body`)

	cfg := config.SkillsConfig{
		WorkspaceDir: workspace,
		LibraryDir:   library,
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {"builtin": {{Name: "notes", Backend: "tool", ToolName: "notes"}}},
		},
	}
	m := newTestManager(t, cfg)

	s, ok := m.Get("notes")
	if !ok {
		t.Fatal("notes skill missing")
	}
	if !strings.HasPrefix(s.SkillPath, workspace) {
		t.Fatalf("workspace source did not win: %s", s.SkillPath)
	}
	if s.Description != "workspace copy" {
		t.Fatalf("description = %q", s.Description)
	}
}

func TestManifestRequiresMergedIntoGating(t *testing.T) {
	library := t.TempDir()
	writeManifest(t, library, "transcode", `---
name: transcode
description: convert media
requires:
  bins: [definitely-not-a-real-binary-zx9]
user_hint: Install the transcoder first.
---
body`)

	cfg := config.SkillsConfig{
		LibraryDir: library,
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {"external": {{Name: "transcode", Backend: "local"}}},
		},
	}
	m := newTestManager(t, cfg)

	s, ok := m.Get("transcode")
	if !ok {
		t.Fatal("transcode skill missing")
	}
	if s.Status != StatusUnavailable {
		t.Fatalf("status = %s, want unavailable", s.Status)
	}
	if s.Hints.UserHint == "" {
		t.Fatal("manifest hint not merged")
	}
	if m.IsSkillEligible("transcode") {
		t.Fatal("unavailable skill reported eligible")
	}
}

func TestAddToAllowlistRehabilitates(t *testing.T) {
	cfg := config.SkillsConfig{
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {"external": {{
				Name: "transcode", Description: "d", Backend: "local",
				Bins: []string{"definitely-not-a-real-binary-zx9"},
			}}},
		},
	}
	m := newTestManager(t, cfg)
	if m.IsSkillEligible("transcode") {
		t.Fatal("skill eligible before allowlist")
	}

	m.AddToAllowlist("definitely-not-a-real-binary-zx9")
	if !m.IsSkillEligible("transcode") {
		t.Fatal("allowlisted skill still ineligible")
	}
}

func TestBuildPromptSections(t *testing.T) {
	library := t.TempDir()
	writeManifest(t, library, "ready-skill", `---
name: ready-skill
description: always works
---
body`)

	cfg := config.SkillsConfig{
		LibraryDir: library,
		Entries: map[string]map[string][]config.SkillRecord{
			"common": {
				"builtin": {{Name: "ready-skill", Backend: "tool", ToolName: "ready-skill", Group: "fs"}},
				"external": {{
					Name: "broken", Description: "needs a missing binary", Backend: "local",
					Group: "media", Bins: []string{"definitely-not-a-real-binary-zx9"},
				}},
			},
		},
	}
	m := newTestManager(t, cfg)

	prompt := m.BuildPrompt(nil, library)
	if !strings.Contains(prompt, "<available_skills>") || !strings.Contains(prompt, "ready-skill") {
		t.Fatalf("available section missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "<unavailable_skills>") || !strings.Contains(prompt, "broken") {
		t.Fatalf("unavailable section missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "read its SKILL.md once") {
		t.Fatalf("lazy-read instructions missing:\n%s", prompt)
	}
	// Paths are relativized against the base dir.
	if strings.Contains(prompt, library) {
		t.Fatalf("absolute path leaked into prompt:\n%s", prompt)
	}

	// Group filter excludes non-matching skills.
	filtered := m.BuildPrompt([]string{"media"}, "")
	if strings.Contains(filtered, "ready-skill") {
		t.Fatalf("group filter did not exclude fs skill:\n%s", filtered)
	}
	if !strings.Contains(filtered, "broken") {
		t.Fatalf("group filter dropped media skill:\n%s", filtered)
	}
}
