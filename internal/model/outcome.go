package model

import "time"

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeFailed
	OutcomeBPMNError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeBPMNError:
		return "bpmn_error"
	default:
		return "unknown"
	}
}

// Outcome is the single result a handler produces for a lease. Only the
// fields belonging to Kind are meaningful.
type Outcome struct {
	Kind OutcomeKind

	// Completed.
	Variables Variables

	// Failed.
	Message      string
	Detail       string
	Retries      int
	RetryTimeout time.Duration

	// BPMN error. Message is shared with Failed.
	ErrorCode string
}

// Complete returns a successful outcome carrying output variables.
func Complete(vars Variables) Outcome {
	return Outcome{Kind: OutcomeCompleted, Variables: vars}
}

// Fail returns a non-retryable failure. The engine raises an incident for it.
func Fail(message, detail string) Outcome {
	return Outcome{Kind: OutcomeFailed, Message: message, Detail: detail}
}

// FailWithRetry returns a failure that the engine will offer again after
// retryTimeout while retries remain.
func FailWithRetry(message, detail string, retries int, retryTimeout time.Duration) Outcome {
	if retries < 0 {
		retries = 0
	}
	return Outcome{
		Kind:         OutcomeFailed,
		Message:      message,
		Detail:       detail,
		Retries:      retries,
		RetryTimeout: retryTimeout,
	}
}

// BPMNError returns an outcome that routes the process along its error
// boundary event instead of raising a technical failure.
func BPMNError(code, message string) Outcome {
	return Outcome{Kind: OutcomeBPMNError, ErrorCode: code, Message: message}
}

// Status maps the outcome to the terminal lease status it produces.
func (o Outcome) Status() string {
	switch o.Kind {
	case OutcomeCompleted:
		return StatusCompleted
	case OutcomeBPMNError:
		return StatusBPMNError
	case OutcomeFailed:
		if o.Retries == 0 {
			return StatusIncident
		}
		return StatusFailed
	default:
		return StatusAbandoned
	}
}
