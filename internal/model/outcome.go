package model

import (
	"encoding/json"
	"time"
)

// ExecStatus is the terminal status of a single execution.
type ExecStatus string

// Execution status constants.
const (
	ExecSuccess   ExecStatus = "success"
	ExecError     ExecStatus = "error"
	ExecTimeout   ExecStatus = "timeout"
	ExecCancelled ExecStatus = "cancelled"
)

// Outcome is the structured result of an execution. Error is non-empty
// exactly when Status is not ExecSuccess.
type Outcome struct {
	Tool      string         `json:"tool_name,omitempty"`
	Status    ExecStatus     `json:"status"`
	Result    any            `json:"result"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Succeeded builds a success outcome timed from start.
func Succeeded(result any, start time.Time) Outcome {
	return Outcome{
		Status:    ExecSuccess,
		Result:    result,
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

// Failed builds an error outcome timed from start. result may carry partial
// output such as a nonzero exit's stdout.
func Failed(msg string, result any, start time.Time) Outcome {
	return failed(ExecError, msg, "execution failed", result, start)
}

// TimedOut builds a timeout outcome timed from start.
func TimedOut(msg string, result any, start time.Time) Outcome {
	return failed(ExecTimeout, msg, "execution timed out", result, start)
}

// Cancelled builds a cancelled outcome timed from start.
func Cancelled(msg string, start time.Time) Outcome {
	return failed(ExecCancelled, msg, "execution cancelled", nil, start)
}

func failed(status ExecStatus, msg, fallback string, result any, start time.Time) Outcome {
	if msg == "" {
		msg = fallback
	}
	return Outcome{
		Status:    status,
		Result:    result,
		Error:     msg,
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

// OK reports whether the outcome succeeded.
func (o Outcome) OK() bool { return o.Status == ExecSuccess }

// ResultMap returns Result as a map when it is one.
func (o Outcome) ResultMap() map[string]any {
	m, _ := o.Result.(map[string]any)
	return m
}

type outcomeJSON struct {
	Tool          string         `json:"tool_name,omitempty"`
	Status        ExecStatus     `json:"status"`
	Result        any            `json:"result"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON reports Duration as execution_time in seconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(outcomeJSON{
		Tool:          o.Tool,
		Status:        o.Status,
		Result:        o.Result,
		Error:         o.Error,
		ExecutionTime: o.Duration.Seconds(),
		Timestamp:     o.Timestamp,
		Metadata:      o.Metadata,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Outcome{
		Tool:      raw.Tool,
		Status:    raw.Status,
		Result:    raw.Result,
		Error:     raw.Error,
		Duration:  time.Duration(raw.ExecutionTime * float64(time.Second)),
		Timestamp: raw.Timestamp,
		Metadata:  raw.Metadata,
	}
	return nil
}
