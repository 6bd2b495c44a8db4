package model

import "time"

// Status is the lifecycle state of an execution context.
type Status string

// Context status constants.
const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusCleanup      Status = "cleanup"
)

// Backend type tags.
const (
	BackendDocker      = "docker"
	BackendLocal       = "local"
	BackendFirecracker = "firecracker"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Error and cleanup have no entry: nothing leaves them.
var validTransitions = map[Status]map[Status]bool{
	StatusInitializing: {
		StatusReady:   true,
		StatusError:   true,
		StatusCleanup: true,
	},
	StatusReady: {
		StatusRunning: true,
		StatusStopped: true,
		StatusError:   true,
		StatusCleanup: true,
	},
	StatusRunning: {
		StatusReady:   true,
		StatusStopped: true,
		StatusError:   true,
		StatusCleanup: true,
	},
	StatusStopped: {
		StatusError:   true,
		StatusCleanup: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCleanup
}

// ParseStatus returns the Status named by s and whether it is a known status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	switch st {
	case StatusInitializing, StatusReady, StatusRunning, StatusStopped, StatusError, StatusCleanup:
		return st, true
	}
	return "", false
}

// ContextInfo is a point-in-time snapshot of a tracked context.
type ContextInfo struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Type         string         `json:"type"`
	Config       Config         `json:"config"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Metadata     map[string]any `json:"metadata"`
	Capabilities []string       `json:"available_tools"`
}

// Stats aggregates tracked contexts by status and backend type.
type Stats struct {
	Total    int            `json:"total_contexts"`
	ByStatus map[Status]int `json:"status_counts"`
	ByType   map[string]int `json:"context_types"`
}
