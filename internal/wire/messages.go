package wire

import "encoding/json"

// HandshakeData is the `data` payload of a `handshake` frame.
type HandshakeData struct {
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryAvailable uint64  `json:"memory_available"`
	MemoryPercent   float64 `json:"memory_percent,omitempty"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskFree        uint64  `json:"disk_free"`
	System          string  `json:"system"`
	Machine         string  `json:"machine"`
	Processor       string  `json:"processor"`
	Hostname        string  `json:"hostname"`
}

// TaskData is the `data` payload of a `task` frame.
type TaskData struct {
	TaskID         string                     `json:"task_id"`
	Function       string                     `json:"function"`
	Args           []json.RawMessage          `json:"args"`
	Kwargs         map[string]json.RawMessage `json:"kwargs"`
	RequiredCPU    float64                    `json:"required_cpu"`
	RequiredMemory float64                    `json:"required_memory"`
}

// TaskStatus is the status enum carried in a task_status frame.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusRunning      TaskStatus = "running"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusAcknowledged TaskStatus = "acknowledged"
)

// TaskStatusData is the `data` payload of a `task_status` frame. A frame
// with an empty Status is a poll request (see SPEC_FULL.md §4.3's
// disambiguation rule); IsPoll reports that case so callers don't have to
// repeat the check inline.
type TaskStatusData struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsPoll reports whether this task_status frame is a status poll request
// rather than a status report.
func (d TaskStatusData) IsPoll() bool {
	return d.Status == ""
}
