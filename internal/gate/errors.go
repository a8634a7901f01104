package gate

import (
	"errors"
	"fmt"
)

// Denial reasons.
const (
	ReasonPathOutside      = "path outside allowed directories"
	ReasonToolNotPermitted = "tool not permitted"
	ReasonMissingPath      = "missing path argument"
	ReasonAuditFailed      = "audit log unavailable"
)

// ErrPolicyDenied matches every rejection produced by the gate.
var ErrPolicyDenied = errors.New("policy denied")

// PolicyDeniedError is returned to the agent in place of a tool result.
// It is not fatal: the agent is expected to adjust and try something else.
type PolicyDeniedError struct {
	Tool   string
	Path   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Tool)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// Retryable reports that the agent may continue after the rejection.
func (e *PolicyDeniedError) Retryable() bool { return true }
