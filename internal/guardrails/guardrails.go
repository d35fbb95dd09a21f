// Package guardrails enforces adaptive per-session resource budgets. Base
// limits scale with task complexity and user tier; usage is recorded per
// dimension and checked at every suspension point of the agent loop.
package guardrails

import (
	"math"
	"sync"
	"time"

	"github.com/zenflux/zenflux/internal/config"
)

// Dimension names one budgeted resource.
type Dimension string

const (
	DimTurns         Dimension = "turns"
	DimToolCalls     Dimension = "tool_calls"
	DimTokens        Dimension = "tokens"
	DimExecutionTime Dimension = "execution_time"
	DimDepth         Dimension = "depth"
)

// Action is the enforcement decision for one dimension.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionWarn     Action = "WARN"
	ActionThrottle Action = "THROTTLE"
	ActionBlock    Action = "BLOCK"
)

// Complexity is the task complexity level estimated before the turn.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Tier is the user's subscription tier.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Limits are the base budgets before scaling.
type Limits struct {
	MaxTurns          int           `yaml:"max_turns"`
	MaxToolCalls      int           `yaml:"max_tool_calls"`
	MaxTokens         int           `yaml:"max_tokens"`
	MaxExecutionTime  time.Duration `yaml:"max_execution_time"`
	MaxDepth          int           `yaml:"max_depth"`
	WarnThreshold     float64       `yaml:"warn_threshold"`
	ThrottleThreshold float64       `yaml:"throttle_threshold"`
}

// FromConfig lifts the configured budgets into Limits.
func FromConfig(cfg config.GuardrailsConfig) Limits {
	return Limits{
		MaxTurns:          cfg.MaxTurns,
		MaxToolCalls:      cfg.MaxToolCalls,
		MaxTokens:         cfg.MaxTokens,
		MaxExecutionTime:  cfg.MaxExecutionTime,
		MaxDepth:          cfg.MaxDepth,
		WarnThreshold:     cfg.WarnThreshold,
		ThrottleThreshold: cfg.ThrottleThreshold,
	}
}

// DefaultLimits returns the base budgets used when config is silent.
func DefaultLimits() Limits {
	return Limits{
		MaxTurns:          30,
		MaxToolCalls:      60,
		MaxTokens:         400_000,
		MaxExecutionTime:  20 * time.Minute,
		MaxDepth:          5,
		WarnThreshold:     0.80,
		ThrottleThreshold: 0.95,
	}
}

func complexityMultiplier(c Complexity) float64 {
	switch c {
	case ComplexitySimple:
		return 0.5
	case ComplexityComplex:
		return 1.5
	default:
		return 1.0
	}
}

func tierMultiplier(t Tier) float64 {
	switch t {
	case TierFree:
		return 0.5
	case TierBasic:
		return 0.8
	case TierEnterprise:
		return 2.0
	default:
		return 1.0
	}
}

// scale applies both multipliers. Every effective limit is at least 1 so no
// combination of multipliers can produce a session that cannot take a single
// turn.
func scale(base int, c Complexity, t Tier) int {
	scaled := int(math.Floor(float64(base) * complexityMultiplier(c) * tierMultiplier(t)))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// Result is the check outcome for one dimension.
type Result struct {
	Dimension Dimension `json:"dimension"`
	Action    Action    `json:"action"`
	Current   float64   `json:"current"`
	Limit     float64   `json:"limit"`
	Ratio     float64   `json:"ratio"`
}

// Callback observes WARN and BLOCK results.
type Callback func(Result)

// Guardrails tracks usage against scaled limits for one session.
type Guardrails struct {
	mu      sync.Mutex
	limits  map[Dimension]float64
	usage   map[Dimension]float64
	started time.Time

	warnThreshold     float64
	throttleThreshold float64

	onWarn  Callback
	onBlock Callback
	// warned suppresses repeat WARN callbacks per dimension.
	warned map[Dimension]bool
}

// Options configures a Guardrails instance.
type Options struct {
	Limits     Limits
	Complexity Complexity
	Tier       Tier
	OnWarn     Callback
	OnBlock    Callback
}

// New builds the session's guardrails with scaled limits.
func New(opts Options) *Guardrails {
	limits := opts.Limits
	if limits.MaxTurns <= 0 {
		limits = DefaultLimits()
	}
	warn := limits.WarnThreshold
	if warn <= 0 {
		warn = 0.80
	}
	throttle := limits.ThrottleThreshold
	if throttle <= 0 {
		throttle = 0.95
	}

	execSeconds := scale(int(limits.MaxExecutionTime/time.Second), opts.Complexity, opts.Tier)
	return &Guardrails{
		limits: map[Dimension]float64{
			DimTurns:         float64(scale(limits.MaxTurns, opts.Complexity, opts.Tier)),
			DimToolCalls:     float64(scale(limits.MaxToolCalls, opts.Complexity, opts.Tier)),
			DimTokens:        float64(scale(limits.MaxTokens, opts.Complexity, opts.Tier)),
			DimExecutionTime: float64(execSeconds),
			DimDepth:         float64(scale(limits.MaxDepth, opts.Complexity, opts.Tier)),
		},
		usage:             make(map[Dimension]float64),
		started:           time.Now(),
		warnThreshold:     warn,
		throttleThreshold: throttle,
		onWarn:            opts.OnWarn,
		onBlock:           opts.OnBlock,
		warned:            make(map[Dimension]bool),
	}
}

// Record adds usage to a dimension. Execution time is derived from the
// clock, not recorded.
func (g *Guardrails) Record(dim Dimension, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage[dim] += amount
}

// Limit returns the scaled limit for a dimension.
func (g *Guardrails) Limit(dim Dimension) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits[dim]
}

// Check evaluates one dimension and fires the matching callback.
func (g *Guardrails) Check(dim Dimension) Result {
	g.mu.Lock()
	current := g.usage[dim]
	if dim == DimExecutionTime {
		current = time.Since(g.started).Seconds()
	}
	limit := g.limits[dim]
	ratio := 0.0
	if limit > 0 {
		ratio = current / limit
	}

	res := Result{Dimension: dim, Current: current, Limit: limit, Ratio: ratio}
	switch {
	case ratio >= 1.0:
		res.Action = ActionBlock
	case ratio >= g.throttleThreshold:
		res.Action = ActionThrottle
	case ratio >= g.warnThreshold:
		res.Action = ActionWarn
	default:
		res.Action = ActionAllow
	}

	var cb Callback
	switch res.Action {
	case ActionBlock:
		cb = g.onBlock
	case ActionWarn:
		if !g.warned[dim] {
			g.warned[dim] = true
			cb = g.onWarn
		}
	}
	g.mu.Unlock()

	if cb != nil {
		cb(res)
	}
	return res
}

// CheckAll evaluates every dimension.
func (g *Guardrails) CheckAll() []Result {
	dims := []Dimension{DimTurns, DimToolCalls, DimTokens, DimExecutionTime, DimDepth}
	out := make([]Result, 0, len(dims))
	for _, d := range dims {
		out = append(out, g.Check(d))
	}
	return out
}

// Blocked reports whether any dimension is at or past its limit.
func (g *Guardrails) Blocked() (Result, bool) {
	for _, res := range g.CheckAll() {
		if res.Action == ActionBlock {
			return res, true
		}
	}
	return Result{}, false
}
