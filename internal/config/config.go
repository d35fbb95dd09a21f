// Package config defines the zenflux runtime configuration and its loaders.
package config

import (
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Agent      AgentConfig      `yaml:"agent"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Skills     SkillsConfig     `yaml:"skills"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// WebhooksPath points at the external destinations document (webhooks.yaml).
	WebhooksPath string `yaml:"webhooks_path"`

	// ScheduledTasksPath points at the scheduler document.
	ScheduledTasksPath string `yaml:"scheduled_tasks_path"`
}

// ServerConfig configures the HTTP/WS surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HeartbeatInterval is the SSE/WS tick cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// DeltaMergeWindow is the WS content_delta merge window.
	DeltaMergeWindow time.Duration `yaml:"delta_merge_window"`

	// SubscriberQueueSize bounds each per-subscriber event queue.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures the SQLite layer and its writers.
type StorageConfig struct {
	// DataDir is the per-instance store directory ({appdata}/{instance}/store).
	DataDir string `yaml:"data_dir"`

	// QueueSize bounds the async writer queue.
	QueueSize int `yaml:"queue_size"`

	// BackpressureRatio is the fill ratio at which enqueues log a warning.
	BackpressureRatio float64 `yaml:"backpressure_ratio"`

	// WriteRetries bounds retry attempts for failed writes.
	WriteRetries int `yaml:"write_retries"`

	// SnippetContext is the number of characters kept around a search match.
	SnippetContext int `yaml:"snippet_context"`
}

// AgentConfig configures the execution loop.
type AgentConfig struct {
	// MaxBacktracks bounds business-layer recoveries per session.
	MaxBacktracks int `yaml:"max_backtracks"`

	// ConfirmTimeout bounds each wait-for-confirmation rendezvous.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// InlineAttachmentLimit is the byte cap for inlining text attachments.
	InlineAttachmentLimit int `yaml:"inline_attachment_limit"`

	// AttachmentPreviewLimit is the size above which inlined text is reduced
	// to a head/tail preview.
	AttachmentPreviewLimit int `yaml:"attachment_preview_limit"`

	// SnapshotTTL is how long successful-turn snapshots are retained.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`

	// SessionTTL is how long terminated session buffers linger for late
	// subscribers before the cleanup sweep removes them.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SweepInterval is the cleanup sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StorageDir resolves local /api/v1/files/ attachment references.
	StorageDir string `yaml:"storage_dir"`
}

// GuardrailsConfig carries the base resource budgets.
type GuardrailsConfig struct {
	MaxTurns         int           `yaml:"max_turns"`
	MaxToolCalls     int           `yaml:"max_tool_calls"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxDepth         int           `yaml:"max_depth"`

	WarnThreshold     float64 `yaml:"warn_threshold"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
}

// SkillsConfig is the two-dimensional skills map plus source directories.
// The first dimension is the OS category (common, darwin, win32, linux); the
// second is the dependency level (builtin, lightweight, external, cloud_api).
type SkillsConfig struct {
	// WorkspaceDir is the highest-precedence skill source (./skills).
	WorkspaceDir string `yaml:"workspace_dir"`

	// InstanceDir is the per-agent source (instances/{agent_id}/skills).
	InstanceDir string `yaml:"instance_dir"`

	// LibraryDir is the bundled source (skills/library).
	LibraryDir string `yaml:"library_dir"`

	// Watch enables catalogue refresh on file changes.
	Watch bool `yaml:"watch"`

	// Entries maps os_category -> dependency_level -> skill records.
	Entries map[string]map[string][]SkillRecord `yaml:"entries"`
}

// SkillRecord is one configured skill in the skills map.
type SkillRecord struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Backend is the execution strategy: local, tool, mcp, or api.
	Backend string `yaml:"backend"`

	// ToolName binds backend=tool records to a framework-registered tool.
	ToolName string `yaml:"tool_name,omitempty"`

	// Group is the intent-routing skill group.
	Group string `yaml:"group,omitempty"`

	Bins           []string `yaml:"bins,omitempty"`
	PythonPackages []string `yaml:"python_packages,omitempty"`
	Env            []string `yaml:"env,omitempty"`
	SystemAuth     bool     `yaml:"system_auth,omitempty"`
	RequiresApp    string   `yaml:"requires_app,omitempty"`
	AutoInstall    bool     `yaml:"auto_install,omitempty"`
	APIKeyEnv      string   `yaml:"api_key_env,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// TasksConfig configures the background task dispatcher.
type TasksConfig struct {
	// StreamTimeout bounds stream-dependent tasks awaited before the SSE
	// stream closes.
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures OTLP span export. Tracing stays off until an
// endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
	Environment string  `yaml:"environment"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8600,
			HeartbeatInterval:   30 * time.Second,
			DeltaMergeWindow:    150 * time.Millisecond,
			SubscriberQueueSize: 1000,
			ReadHeaderTimeout:   5 * time.Second,
			ShutdownTimeout:     10 * time.Second,
		},
		Storage: StorageConfig{
			QueueSize:         10000,
			BackpressureRatio: 0.8,
			WriteRetries:      3,
			SnippetContext:    120,
		},
		Agent: AgentConfig{
			MaxBacktracks:          3,
			ConfirmTimeout:         300 * time.Second,
			InlineAttachmentLimit:  50 * 1024,
			AttachmentPreviewLimit: 2 * 1024,
			SnapshotTTL:            time.Hour,
			SessionTTL:             30 * time.Minute,
			SweepInterval:          5 * time.Minute,
		},
		Guardrails: GuardrailsConfig{
			MaxTurns:          10,
			MaxToolCalls:      30,
			MaxTokens:         200000,
			MaxExecutionTime:  10 * time.Minute,
			MaxDepth:          5,
			WarnThreshold:     0.80,
			ThrottleThreshold: 0.95,
		},
		Skills: SkillsConfig{
			WorkspaceDir: "skills",
			LibraryDir:   "skills/library",
		},
		Tasks: TasksConfig{
			StreamTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{SampleRate: 1.0, Environment: "local"},
	}
}
