package backtrack

// Decision is the recovery verdict for one failure.
type Decision string

const (
	// DecisionContinue keeps looping; the error is surfaced as an event
	// but not recovered from.
	DecisionContinue Decision = "CONTINUE"

	// DecisionBacktrack applies the chosen backtrack strategy.
	DecisionBacktrack Decision = "BACKTRACK"

	// DecisionFailGracefully ends the turn with a best-effort answer.
	DecisionFailGracefully Decision = "FAIL_GRACEFULLY"

	// DecisionEscalate hands the failure to the user.
	DecisionEscalate Decision = "ESCALATE"
)

// Strategy is the backtrack type applied on DecisionBacktrack.
type Strategy string

const (
	StrategyPlanReplan    Strategy = "PLAN_REPLAN"
	StrategyToolReplace   Strategy = "TOOL_REPLACE"
	StrategyParamAdjust   Strategy = "PARAM_ADJUST"
	StrategyContextEnrich Strategy = "CONTEXT_ENRICH"
	StrategyIntentClarify Strategy = "INTENT_CLARIFY"
	StrategyNoBacktrack   Strategy = "NO_BACKTRACK"
)

// escalationPath orders strategies from cheapest to most disruptive. When a
// strategy was already spent on the current step, the next one is tried.
var escalationPath = []Strategy{
	StrategyParamAdjust,
	StrategyToolReplace,
	StrategyPlanReplan,
	StrategyIntentClarify,
	StrategyNoBacktrack,
}

// HistoryEntry is one recent execution record fed into the decision.
type HistoryEntry struct {
	Step    int    `json:"step"`
	Tool    string `json:"tool,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Input carries everything the decision machine needs for one failure.
type Input struct {
	Class   ErrorClass `json:"error_class"`
	Message string     `json:"message"`

	Turn     int `json:"turn"`
	MaxTurns int `json:"max_turns"`

	// CurrentStep identifies the plan step the failure occurred in;
	// strategy exhaustion is tracked per step.
	CurrentStep int `json:"current_step"`

	FailedTools []string `json:"failed_tools,omitempty"`

	// FailedStrategies maps step -> strategies already spent there.
	FailedStrategies map[int][]Strategy `json:"failed_strategies,omitempty"`

	BacktrackCount int `json:"backtrack_count"`
	MaxBacktracks  int `json:"max_backtracks"`

	// History holds the most recent execution records (about five).
	History []HistoryEntry `json:"history,omitempty"`
}

// Result is the decision machine's output.
type Result struct {
	Decision   Decision       `json:"decision"`
	Strategy   Strategy       `json:"backtrack_type"`
	Action     map[string]any `json:"action,omitempty"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
}

// spent reports whether the strategy was already used for the current step.
func (in *Input) spent(s Strategy) bool {
	for _, used := range in.FailedStrategies[in.CurrentStep] {
		if used == s {
			return true
		}
	}
	return false
}

// escalate walks the escalation path starting from the given strategy,
// skipping strategies already spent on the current step.
func (in *Input) escalate(from Strategy) Strategy {
	start := 0
	for i, s := range escalationPath {
		if s == from {
			start = i
			break
		}
	}
	for _, s := range escalationPath[start:] {
		if s == StrategyNoBacktrack {
			return s
		}
		if !in.spent(s) {
			return s
		}
	}
	return StrategyNoBacktrack
}

// defaultStrategyFor picks the first-choice strategy for a business class.
func defaultStrategyFor(c ErrorClass) Strategy {
	switch c {
	case ClassParameterError:
		return StrategyParamAdjust
	case ClassToolMismatch:
		return StrategyToolReplace
	case ClassPlanInvalid, ClassExecutionLogic:
		return StrategyPlanReplan
	case ClassIntentUnclear:
		return StrategyIntentClarify
	case ClassContextInsufficient:
		return StrategyContextEnrich
	case ClassResultUnsatisfying:
		return StrategyParamAdjust
	default:
		return StrategyParamAdjust
	}
}
