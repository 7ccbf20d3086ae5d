package domain

import "time"

type Status string

const (
	Scheduled Status = "scheduled"
	Leased    Status = "leased"
	Completed Status = "completed"
	Swept     Status = "swept"
	Discarded Status = "discarded"
)

// Policy names the scheduling policy a job was submitted under.
type Policy string

const (
	PolicyTime      Policy = "time"
	PolicyPriority  Policy = "priority"
	PolicyExclusive Policy = "exclusive"
)

// Job is the operator-facing audit record of a scheduled job. Queue state
// itself lives in Redis; this row only trails it.
type Job struct {
	ID        string
	Tube      string
	Policy    Policy
	Payload   string
	Score     float64
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a recent-activity entry kept in the completions ring buffer.
type Event struct {
	Tube    string    `json:"tube"`
	Payload string    `json:"payload"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}
