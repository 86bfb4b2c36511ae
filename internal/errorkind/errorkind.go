// Package errorkind defines the closed error taxonomy shared across the
// orchestrator's component boundaries. Internally a component is free to
// use conventional Go error wrapping; at its public boundary every error
// is mapped to one of these kinds so the pipeline and the request server
// can make uniform retry/terminal decisions.
package errorkind

import "fmt"

// Kind is a closed tag identifying a class of orchestrator error.
type Kind string

const (
	// AgentUnavailable means an LLM backend endpoint was unreachable or
	// returned a 5xx after the retry budget was spent.
	AgentUnavailable Kind = "agent_unavailable"
	// AgentTimeout means no bytes arrived from an LLM backend within its
	// configured timeout.
	AgentTimeout Kind = "agent_timeout"
	// AgentMalformedResponse means an LLM backend returned a payload that
	// did not conform to the expected chat-completion shape.
	AgentMalformedResponse Kind = "agent_malformed_response"

	// ToolUnavailable means the tool server could not be reached.
	ToolUnavailable Kind = "tool_unavailable"
	// ToolInvalidResult means the tool server returned an unparsable result.
	ToolInvalidResult Kind = "tool_invalid_result"
	// ToolQueryBudgetExceeded means a task spent its tool query allowance.
	ToolQueryBudgetExceeded Kind = "tool_query_budget_exceeded"

	// CandidateExhaustion means MAKER produced no usable candidate.
	CandidateExhaustion Kind = "candidate_exhaustion"
	// ValidationRejected is a non-fatal signal that feeds the coding loop.
	ValidationRejected Kind = "validation_rejected"
	// MaxIterationsExceeded is terminal after loop exhaustion.
	MaxIterationsExceeded Kind = "max_iterations_exceeded"
	// ContextOverflow means the compressor could not fit the prompt even
	// after summarization.
	ContextOverflow Kind = "context_overflow"

	// TaskNotFound means the request server has no record of a task id.
	TaskNotFound Kind = "task_not_found"
	// TaskLocked means another execution flow currently holds the task's
	// soft lease.
	TaskLocked Kind = "task_locked"
	// BadRequest means the client payload was malformed.
	BadRequest Kind = "bad_request"
)

// Error is the typed error carried at component boundaries. Feedback text
// (for ValidationRejected) or a correlation id may be attached without
// leaking internal detail to the client.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Feedback      string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind alone, mirroring errors.Is(err, target)
// against a *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinel values for errors.Is comparisons against a bare kind.
var (
	ErrAgentUnavailable        = New(AgentUnavailable, "agent unavailable")
	ErrAgentTimeout            = New(AgentTimeout, "agent timeout")
	ErrAgentMalformedResponse  = New(AgentMalformedResponse, "agent returned malformed response")
	ErrToolUnavailable         = New(ToolUnavailable, "tool server unavailable")
	ErrToolInvalidResult       = New(ToolInvalidResult, "tool server returned invalid result")
	ErrToolQueryBudgetExceeded = New(ToolQueryBudgetExceeded, "tool query budget exceeded")
	ErrCandidateExhaustion     = New(CandidateExhaustion, "no candidate survived filtering")
	ErrMaxIterationsExceeded   = New(MaxIterationsExceeded, "max iterations exceeded")
	ErrContextOverflow         = New(ContextOverflow, "context could not fit budget after summarization")
	ErrTaskNotFound            = New(TaskNotFound, "task not found")
	ErrTaskLocked              = New(TaskLocked, "task is locked by another execution")
	ErrBadRequest              = New(BadRequest, "malformed request")
)

// IsTerminal reports whether an error of this kind should end the task
// rather than being absorbed as an iteration.
func (k Kind) IsTerminal() bool {
	switch k {
	case ValidationRejected, CandidateExhaustion:
		return false
	default:
		return true
	}
}
