// Package backtrack decides how the agent loop recovers from business-logic
// failures: adjust parameters, swap tools, replan, ask the user, or give up.
// Infrastructure failures are classified out and left to the resilience path.
package backtrack

import (
	"regexp"
	"strings"
)

// Layer separates resilience-path failures from decision-machine failures.
type Layer string

const (
	// LayerInfrastructure failures retry or degrade; they never backtrack.
	LayerInfrastructure Layer = "infrastructure"

	// LayerBusiness failures invoke the decision machine.
	LayerBusiness Layer = "business"
)

// ErrorClass is the fine-grained failure category.
type ErrorClass string

const (
	// Infrastructure classes.
	ClassTimeout    ErrorClass = "timeout"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassServer     ErrorClass = "server_error"
	ClassConnection ErrorClass = "connection_error"
	ClassAuth       ErrorClass = "auth_error"
	ClassQuota      ErrorClass = "quota_exceeded"

	// Business classes.
	ClassPlanInvalid         ErrorClass = "plan_invalid"
	ClassToolMismatch        ErrorClass = "tool_mismatch"
	ClassResultUnsatisfying  ErrorClass = "result_unsatisfactory"
	ClassIntentUnclear       ErrorClass = "intent_unclear"
	ClassParameterError      ErrorClass = "parameter_error"
	ClassContextInsufficient ErrorClass = "context_insufficient"
	ClassExecutionLogic      ErrorClass = "execution_logic_error"
)

// Layer returns which path handles this class.
func (c ErrorClass) Layer() Layer {
	switch c {
	case ClassTimeout, ClassRateLimit, ClassServer, ClassConnection, ClassAuth, ClassQuota:
		return LayerInfrastructure
	default:
		return LayerBusiness
	}
}

// infraPatterns map message regexes to infrastructure classes. Checked in
// order; first match wins.
var infraPatterns = []struct {
	re    *regexp.Regexp
	class ErrorClass
}{
	{regexp.MustCompile(`(?i)rate.?limit|too many requests|429`), ClassRateLimit},
	{regexp.MustCompile(`(?i)quota|billing|insufficient.?(credit|fund)`), ClassQuota},
	{regexp.MustCompile(`(?i)timed?.?out|deadline exceeded`), ClassTimeout},
	{regexp.MustCompile(`(?i)unauthorized|forbidden|invalid.?(api.?key|token)|401|403`), ClassAuth},
	{regexp.MustCompile(`(?i)connection (refused|reset)|no such host|tls|ssl|broken pipe|EOF`), ClassConnection},
	{regexp.MustCompile(`(?i)internal server error|bad gateway|service unavailable|5\d\d`), ClassServer},
}

// businessPatterns map message regexes to business classes.
var businessPatterns = []struct {
	re    *regexp.Regexp
	class ErrorClass
}{
	{regexp.MustCompile(`(?i)invalid (argument|parameter|input)|missing required|schema validation`), ClassParameterError},
	{regexp.MustCompile(`(?i)(unknown|no such|unsupported) tool|tool not found`), ClassToolMismatch},
	{regexp.MustCompile(`(?i)ambiguous|unclear|cannot determine intent`), ClassIntentUnclear},
	{regexp.MustCompile(`(?i)(missing|insufficient) context|not enough information`), ClassContextInsufficient},
	{regexp.MustCompile(`(?i)plan.*(invalid|failed|impossible)`), ClassPlanInvalid},
	{regexp.MustCompile(`(?i)empty result|no (results|matches) found|unsatisfactory`), ClassResultUnsatisfying},
}

// Classify maps an error message onto a class. Infrastructure patterns are
// checked first so a transport failure never reaches the decision machine;
// unmatched messages default to execution-logic.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassExecutionLogic
	}
	msg := err.Error()
	for _, p := range infraPatterns {
		if p.re.MatchString(msg) {
			return p.class
		}
	}
	for _, p := range businessPatterns {
		if p.re.MatchString(msg) {
			return p.class
		}
	}
	return ClassExecutionLogic
}

// Retryable reports whether an infrastructure class is worth retrying.
// Auth and quota failures will not heal on their own.
func Retryable(c ErrorClass) bool {
	switch c {
	case ClassTimeout, ClassRateLimit, ClassServer, ClassConnection:
		return true
	default:
		return false
	}
}

// normalizeMessage trims a failure message for inclusion in decision prompts
// and history entries.
func normalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 400 {
		msg = msg[:400]
	}
	return msg
}
