// Package skills resolves the configured skill catalogue against the local
// machine: it locates SKILL.md manifests across source directories, checks
// runtime dependencies, and renders the lazy skills prompt.
package skills

// Status is the resolved availability of a skill on this machine.
type Status string

const (
	// StatusReady means every dependency check passed.
	StatusReady Status = "ready"

	// StatusNeedAuth means the skill requires system-level authorization
	// that cannot be auto-detected.
	StatusNeedAuth Status = "need_auth"

	// StatusNeedSetup means configuration is missing (env vars, API keys).
	StatusNeedSetup Status = "need_setup"

	// StatusUnavailable means a hard dependency is missing (binary, app).
	StatusUnavailable Status = "unavailable"
)

// Backend is the execution strategy behind a skill. The agent never sees it.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendTool  Backend = "tool"
	BackendMCP   Backend = "mcp"
	BackendAPI   Backend = "api"
)

// Skill is one resolved catalogue entry: the configured record merged with
// its SKILL.md manifest and a computed status.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	Backend  Backend `json:"backend"`
	ToolName string  `json:"tool_name,omitempty"`
	Group    string  `json:"group,omitempty"`

	// OSCategory and DependencyLevel locate the record in the two
	// dimensional skills map.
	OSCategory      string `json:"os_category"`
	DependencyLevel string `json:"dependency_level"`

	Status Status `json:"status"`

	// StatusReason explains a non-ready status for user hints and logs.
	StatusReason string `json:"status_reason,omitempty"`

	// SkillPath is the located SKILL.md, empty when no source has one.
	SkillPath string `json:"skill_path,omitempty"`

	// APIKeyEnv names the credential variable for backend=api records.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	Requires Requires `json:"requires"`

	// Hints come from the manifest's per-instance metadata and feed the
	// unavailable-skills prompt section.
	Hints Hints `json:"hints"`
}

// Requires is the merged dependency set from config record and manifest.
type Requires struct {
	Bins           []string `json:"bins,omitempty" yaml:"bins"`
	Env            []string `json:"env,omitempty" yaml:"env"`
	PythonPackages []string `json:"python_packages,omitempty" yaml:"python_packages"`
	App            string   `json:"app,omitempty" yaml:"app"`
	SystemAuth     bool     `json:"system_auth,omitempty" yaml:"system_auth"`
}

// Hints are remediation pointers surfaced for non-ready skills.
type Hints struct {
	UserHint       string `json:"user_hint,omitempty" yaml:"user_hint"`
	AutoInstall    bool   `json:"auto_install,omitempty" yaml:"auto_install"`
	DownloadURL    string `json:"download_url,omitempty" yaml:"download_url"`
	WebAlternative string `json:"web_alternative,omitempty" yaml:"web_alternative"`
}

// Available reports whether the skill belongs in <available_skills>.
func (s *Skill) Available() bool {
	return s.Status == StatusReady
}
