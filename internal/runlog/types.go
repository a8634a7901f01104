package runlog

import "time"

// Status is the lifecycle state of a fork.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCreated      Status = "created"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// ErrorClass groups fork failures by cause for the final report.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassConnection ErrorClass = "connection"
	ClassNotFound   ErrorClass = "not_found"
	ClassTimeout    ErrorClass = "timeout"
	ClassSandbox    ErrorClass = "sandbox"
	ClassAgent      ErrorClass = "agent"
	ClassCancelled  ErrorClass = "cancelled"
)

// Usage is what the agent runtime reports about model consumption.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Turns        int     `json:"turns"`
}

// Result is the payload recorded when a fork reaches a terminal status.
type Result struct {
	Index     int           `json:"index"`
	Branch    string        `json:"branch"`
	SandboxID string        `json:"sandbox_id,omitempty"`
	Status    Status        `json:"status"`
	Class     ErrorClass    `json:"error_class,omitempty"`
	Cause     string        `json:"cause,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Usage     Usage         `json:"usage"`
	Attempts  int           `json:"attempts"`
	Allowed   int           `json:"tool_calls_allowed"`
	Denied    int           `json:"tool_calls_denied"`
	Duration  time.Duration `json:"duration_ns"`
	LogPath   string        `json:"log_path"`
}

// Decision is the outcome of gating one tool call.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// ToolRecord is one attempted tool call. Records are immutable once
// written.
type ToolRecord struct {
	Time     time.Time `json:"time"`
	Fork     string    `json:"fork"`
	Tool     string    `json:"tool"`
	Path     string    `json:"path,omitempty"`
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
}
