package model

import "time"

// Execution kinds recorded in the history store.
const (
	KindCode       = "code"
	KindCommand    = "command"
	KindReadFile   = "read_file"
	KindWriteFile  = "write_file"
	KindCapability = "capability"
)

// Execution is one recorded operation against a context.
type Execution struct {
	ID         string     `json:"id"`
	ContextID  string     `json:"context_id"`
	Kind       string     `json:"kind"`
	Capability string     `json:"tool_name,omitempty"`
	Status     ExecStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewExecution builds a history record for an outcome.
func NewExecution(contextID, kind, capability string, o Outcome) *Execution {
	return &Execution{
		ID:         NewID(),
		ContextID:  contextID,
		Kind:       kind,
		Capability: capability,
		Status:     o.Status,
		Error:      o.Error,
		DurationMS: o.Duration.Milliseconds(),
		CreatedAt:  o.Timestamp,
	}
}
