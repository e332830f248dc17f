package ledger

import "time"

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Record is one execution of a command template.
// FinishedAt and ExitCode are set exactly when Status leaves StatusRunning.
type Record struct {
	ID        string `json:"id"`
	CommandID string `json:"commandId"`
	// Command is the rendered script that was handed to the interpreter.
	Command    string         `json:"command,omitempty"`
	Status     Status         `json:"status"`
	Args       map[string]any `json:"args"`
	Output     string         `json:"output"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
}

// Duration is the wall time between start and finish, or zero while running.
func (r Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Patch describes a mutation of a running record.
// Appends are applied first; a terminal Status then finalizes the record.
type Patch struct {
	AppendOutput string
	AppendError  string

	Status     Status
	ExitCode   *int
	FinishedAt *time.Time
}

func IntPtr(i int) *int { return &i }
