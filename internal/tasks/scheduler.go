package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ScheduleEntry is one scheduled task definition from scheduled_tasks.yaml.
type ScheduleEntry struct {
	TaskName    string         `yaml:"task_name"`
	TriggerType string         `yaml:"trigger_type"` // cron | interval
	Cron        string         `yaml:"cron,omitempty"`
	IntervalSec int            `yaml:"interval_seconds,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Description string         `yaml:"description,omitempty"`
}

func (e ScheduleEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

type scheduleFile struct {
	Tasks []ScheduleEntry `yaml:"scheduled_tasks"`
}

// LoadSchedule parses a scheduled-tasks file. A missing file yields an empty
// schedule.
func LoadSchedule(path string) ([]ScheduleEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	var f scheduleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return f.Tasks, nil
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Scheduler executes registry tasks on cron or interval triggers.
type Scheduler struct {
	registry *Registry
	cron     *cron.Cron
	logger   *slog.Logger

	// baseContext seeds every scheduled run; Params come from the entry.
	baseContext func() *Context
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Logger *slog.Logger

	// BaseContext builds the task context for each scheduled run. Nil
	// yields an empty context.
	BaseContext func() *Context
}

// NewScheduler creates a scheduler over the registry.
func NewScheduler(registry *Registry, opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = func() *Context { return &Context{} }
	}
	return &Scheduler{
		registry:    registry,
		cron:        cron.New(cron.WithParser(cronParser)),
		logger:      opts.Logger,
		baseContext: opts.BaseContext,
	}
}

// Add registers one entry. Unknown task names and invalid triggers are hard
// errors so a bad schedule file fails at startup.
func (s *Scheduler) Add(entry ScheduleEntry) error {
	if !entry.enabled() {
		return nil
	}
	fn, ok := s.registry.Get(entry.TaskName)
	if !ok {
		return fmt.Errorf("scheduled task %q is not registered", entry.TaskName)
	}

	job := func() {
		tc := s.baseContext()
		tc.Params = entry.Params
		started := time.Now()
		if err := fn(context.Background(), tc); err != nil {
			s.logger.Warn("scheduled task failed", "task", entry.TaskName, "error", err)
			return
		}
		s.logger.Debug("scheduled task completed", "task", entry.TaskName, "duration", time.Since(started))
	}

	switch strings.ToLower(entry.TriggerType) {
	case "cron":
		if _, err := s.cron.AddFunc(entry.Cron, job); err != nil {
			return fmt.Errorf("task %q: invalid cron %q: %w", entry.TaskName, entry.Cron, err)
		}
	case "interval":
		if entry.IntervalSec <= 0 {
			return fmt.Errorf("task %q: interval_seconds must be positive", entry.TaskName)
		}
		s.cron.Schedule(cron.Every(time.Duration(entry.IntervalSec)*time.Second), cron.FuncJob(job))
	default:
		return fmt.Errorf("task %q: unknown trigger_type %q", entry.TaskName, entry.TriggerType)
	}
	return nil
}

// AddAll registers every entry, stopping at the first error.
func (s *Scheduler) AddAll(entries []ScheduleEntry) error {
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timers and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes a named task immediately with the given params, outside
// any trigger. Used for one-shot batch runs.
func (s *Scheduler) RunOnce(ctx context.Context, name string, params map[string]any) error {
	fn, ok := s.registry.Get(name)
	if !ok {
		return fmt.Errorf("task %q is not registered", name)
	}
	tc := s.baseContext()
	tc.Params = params
	return fn(ctx, tc)
}
