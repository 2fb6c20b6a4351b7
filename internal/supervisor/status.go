package supervisor

// Status represents the current state of a worker subprocess.
type Status int

const (
	// StatusPending indicates the process has not yet started.
	StatusPending Status = iota
	// StatusRunning indicates the process is actively running.
	StatusRunning
	// StatusCompleted indicates the process exited with code zero.
	StatusCompleted
	// StatusFailed indicates the process exited with an error.
	StatusFailed
	// StatusCancelled indicates the process was cancelled or killed.
	StatusCancelled
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the process can no longer produce output.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
