package skills

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BuildPrompt renders the lazy skills prompt. groups optionally restricts
// the catalogue to intent-routed skill groups; nil means every group (the
// router's fallback). baseDir relativizes manifest paths to save tokens.
func (m *Manager) BuildPrompt(groups []string, baseDir string) string {
	var available, unavailable []*Skill
	groupSet := toSet(groups)

	for _, s := range m.Catalogue() {
		if groupSet != nil {
			if _, ok := groupSet[s.Group]; !ok {
				continue
			}
		}
		if s.Available() {
			available = append(available, s)
		} else {
			unavailable = append(unavailable, s)
		}
	}
	if len(available) == 0 && len(unavailable) == 0 {
		return ""
	}

	var b strings.Builder
	if len(available) > 0 {
		b.WriteString("<available_skills>\n")
		for _, s := range available {
			b.WriteString(fmt.Sprintf("<skill name=%q>\n", s.Name))
			b.WriteString("<description>" + s.Description + "</description>\n")
			if s.SkillPath != "" {
				b.WriteString("<location>" + relativize(s.SkillPath, baseDir) + "</location>\n")
			}
			b.WriteString("</skill>\n")
		}
		b.WriteString("</available_skills>\n")
	}

	if len(unavailable) > 0 {
		b.WriteString("<unavailable_skills>\n")
		for _, s := range unavailable {
			b.WriteString(fmt.Sprintf("<skill name=%q status=%q>\n", s.Name, s.Status))
			if s.Hints.UserHint != "" {
				b.WriteString("<user_hint>" + s.Hints.UserHint + "</user_hint>\n")
			} else if s.StatusReason != "" {
				b.WriteString("<user_hint>" + s.StatusReason + "</user_hint>\n")
			}
			if s.Hints.AutoInstall {
				b.WriteString("<auto_install>true</auto_install>\n")
			}
			if s.Hints.DownloadURL != "" {
				b.WriteString("<download_url>" + s.Hints.DownloadURL + "</download_url>\n")
			}
			if s.Hints.WebAlternative != "" {
				b.WriteString("<web_alternative>" + s.Hints.WebAlternative + "</web_alternative>\n")
			}
			b.WriteString("</skill>\n")
		}
		b.WriteString("</unavailable_skills>\n")
	}

	b.WriteString(promptInstructions)
	return b.String()
}

// promptInstructions keeps skill reading lazy: at most one manifest per
// turn, and none when no skill applies.
const promptInstructions = `<skill_instructions>
Scan the skill descriptions above. If exactly one skill applies to the task,
read its SKILL.md once and follow it. Never read more than one SKILL.md up
front. If no skill applies, do not read any.
</skill_instructions>
`

func relativize(path, baseDir string) string {
	if baseDir == "" {
		return path
	}
	rel, err := filepath.Rel(baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func toSet(items []string) map[string]struct{} {
	if items == nil {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
