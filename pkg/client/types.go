package client

import "time"

// Status mirrors GET /status.
type Status struct {
	App       string     `json:"app"`
	Running   bool       `json:"running"`
	State     string     `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Command   string     `json:"command,omitempty"`
	Exe       string     `json:"exe,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Usage is the resource sample attached to a running status.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Backup is one entry of GET /backups.
type Backup struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

// Event is one entry of GET /history.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	App        string    `json:"app"`
	PID        int       `json:"pid"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
