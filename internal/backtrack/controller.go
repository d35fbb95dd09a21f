package backtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const (
	llmFallbackConfidence = 0.3
	ruleConfidence        = 0.4
)

// DecisionProvider answers the decision prompt with a JSON verdict. The LLM
// provider satisfies this; a nil provider selects rule mode.
type DecisionProvider interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// Controller is the backtrack decision machine. With a provider configured it
// runs in LLM mode and falls back to rules on any provider or parse failure.
type Controller struct {
	provider DecisionProvider
	logger   *slog.Logger
}

// New creates a controller. provider may be nil for pure rule mode.
func New(provider DecisionProvider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{provider: provider, logger: logger}
}

// Decide produces the recovery verdict for one classified failure.
//
// The budget check comes first: an exhausted backtrack budget always fails
// gracefully, regardless of mode. Infrastructure failures never reach here
// in a healthy loop; if one does, it is sent back to the resilience path as
// a CONTINUE.
func (c *Controller) Decide(ctx context.Context, in Input) Result {
	if in.Class.Layer() == LayerInfrastructure {
		return Result{
			Decision:   DecisionContinue,
			Strategy:   StrategyNoBacktrack,
			Reason:     "infrastructure failure belongs to the resilience path",
			Confidence: 1.0,
		}
	}
	if in.MaxBacktracks > 0 && in.BacktrackCount >= in.MaxBacktracks {
		return Result{
			Decision:   DecisionFailGracefully,
			Strategy:   StrategyNoBacktrack,
			Reason:     fmt.Sprintf("backtrack budget exhausted (%d/%d)", in.BacktrackCount, in.MaxBacktracks),
			Confidence: 1.0,
		}
	}

	if c.provider != nil {
		if res, ok := c.decideLLM(ctx, in); ok {
			return res
		}
	}
	return c.decideRules(in)
}

// decideLLM sends the decision prompt and parses the JSON verdict. Any
// failure falls back to the conservative default, escalated past strategies
// already spent on this step.
func (c *Controller) decideLLM(ctx context.Context, in Input) (Result, bool) {
	reply, err := c.provider.Decide(ctx, buildDecisionPrompt(in))
	if err != nil {
		c.logger.Warn("backtrack decision call failed, using rule mode", "error", err)
		return Result{}, false
	}

	res, err := parseDecisionReply(reply)
	if err != nil {
		c.logger.Warn("backtrack decision reply unparsable, using conservative default",
			"error", err)
		strategy := in.escalate(StrategyParamAdjust)
		return Result{
			Decision:   DecisionBacktrack,
			Strategy:   strategy,
			Reason:     "decision reply unparsable; conservative default",
			Confidence: llmFallbackConfidence,
		}, true
	}

	// Escalate past a strategy the loop already burned on this step.
	if res.Decision == DecisionBacktrack && in.spent(res.Strategy) {
		escalated := in.escalate(res.Strategy)
		c.logger.Debug("backtrack strategy already spent, escalating",
			"from", res.Strategy, "to", escalated, "step", in.CurrentStep)
		res.Strategy = escalated
		if escalated == StrategyNoBacktrack {
			res.Decision = DecisionEscalate
			res.Reason = "every applicable strategy spent on this step"
		}
	}
	return res, true
}

// decideRules is the deterministic fallback: pick the class's default
// strategy, escalate past spent ones, fixed confidence.
func (c *Controller) decideRules(in Input) Result {
	strategy := in.escalate(defaultStrategyFor(in.Class))
	if strategy == StrategyNoBacktrack {
		return Result{
			Decision:   DecisionEscalate,
			Strategy:   StrategyNoBacktrack,
			Reason:     "every applicable strategy spent on this step",
			Confidence: ruleConfidence,
		}
	}
	if in.Class == ClassIntentUnclear {
		return Result{
			Decision:   DecisionEscalate,
			Strategy:   StrategyIntentClarify,
			Reason:     "intent is unclear; ask the user",
			Confidence: ruleConfidence,
		}
	}
	return Result{
		Decision:   DecisionBacktrack,
		Strategy:   strategy,
		Action:     map[string]any{"class": string(in.Class)},
		Reason:     fmt.Sprintf("rule mode: %s for %s", strategy, in.Class),
		Confidence: ruleConfidence,
	}
}

// buildDecisionPrompt renders the decision context as a compact prompt.
func buildDecisionPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("A step of an agent execution plan failed. Decide how to recover.\n\n")
	fmt.Fprintf(&b, "error_class: %s\nerror: %s\n", in.Class, normalizeMessage(in.Message))
	fmt.Fprintf(&b, "turn: %d/%d\nstep: %d\nbacktracks_used: %d/%d\n",
		in.Turn, in.MaxTurns, in.CurrentStep, in.BacktrackCount, in.MaxBacktracks)
	if len(in.FailedTools) > 0 {
		fmt.Fprintf(&b, "failed_tools: %s\n", strings.Join(in.FailedTools, ", "))
	}
	if spent := in.FailedStrategies[in.CurrentStep]; len(spent) > 0 {
		parts := make([]string, len(spent))
		for i, s := range spent {
			parts[i] = string(s)
		}
		fmt.Fprintf(&b, "strategies_already_tried_this_step: %s\n", strings.Join(parts, ", "))
	}
	if len(in.History) > 0 {
		b.WriteString("recent_history:\n")
		for _, h := range in.History {
			fmt.Fprintf(&b, "  - step %d tool=%s outcome=%s", h.Step, h.Tool, h.Outcome)
			if h.Error != "" {
				fmt.Fprintf(&b, " error=%s", normalizeMessage(h.Error))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(`
Reply with JSON only:
{"decision":"CONTINUE|BACKTRACK|FAIL_GRACEFULLY|ESCALATE",
 "backtrack_type":"PLAN_REPLAN|TOOL_REPLACE|PARAM_ADJUST|CONTEXT_ENRICH|INTENT_CLARIFY|NO_BACKTRACK",
 "action":{},
 "reason":"...",
 "confidence":0.0}
`)
	return b.String()
}

// parseDecisionReply extracts the JSON verdict. Lenient first: strip code
// fences and find the outermost object; then strict decode and validation.
func parseDecisionReply(reply string) (Result, error) {
	cleaned := stripFences(reply)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in reply")
	}

	var res Result
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &res); err != nil {
		return Result{}, fmt.Errorf("decode verdict: %w", err)
	}

	switch res.Decision {
	case DecisionContinue, DecisionBacktrack, DecisionFailGracefully, DecisionEscalate:
	default:
		return Result{}, fmt.Errorf("unknown decision %q", res.Decision)
	}
	switch res.Strategy {
	case StrategyPlanReplan, StrategyToolReplace, StrategyParamAdjust,
		StrategyContextEnrich, StrategyIntentClarify, StrategyNoBacktrack:
	case "":
		res.Strategy = StrategyNoBacktrack
	default:
		return Result{}, fmt.Errorf("unknown backtrack type %q", res.Strategy)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, fmt.Errorf("confidence %v out of range", res.Confidence)
	}
	return res, nil
}

// stripFences removes markdown code fencing around a reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
