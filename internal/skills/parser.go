package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFilename is the expected filename for skill manifests.
	ManifestFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Manifest is the parsed YAML front-matter of a SKILL.md file. The markdown
// body is the skill's instructions, loaded lazily by the agent when it
// decides to use the skill.
type Manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Requires    Requires `yaml:"requires"`
	Hints       Hints    `yaml:",inline"`

	// Body is the markdown below the front-matter.
	Body string `yaml:"-"`
}

// ParseManifestFile reads and parses a SKILL.md from disk.
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses SKILL.md content.
func ParseManifest(data []byte) (*Manifest, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(front, &m); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if err := validateName(m.Name); err != nil {
		return nil, err
	}
	if m.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	m.Body = strings.TrimSpace(string(body))
	return &m, nil
}

// splitFrontmatter separates YAML front-matter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// validateName enforces lowercase alphanumeric with hyphens.
func validateName(name string) error {
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", name)
		}
	}
	return nil
}
