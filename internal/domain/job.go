package domain

import "time"

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// CanTransition reports whether a job may move from one status to another.
// Statuses advance monotonically: queued -> processing -> completed|failed.
func CanTransition(from, to Status) bool {
	switch from {
	case Queued:
		return to == Processing
	case Processing:
		return to == Completed || to == Failed
	default:
		return false
	}
}

// Predecessors lists the statuses a job may move to s from.
func Predecessors(s Status) []Status {
	switch s {
	case Processing:
		return []Status{Queued}
	case Completed, Failed:
		return []Status{Processing}
	default:
		return nil
	}
}

// Lane names a queue partition. Workers drain lanes in the order they are
// configured.
type Lane string

const (
	LaneHighPriority Lane = "high_priority"
	LaneDefault      Lane = "default"
	LaneCleanup      Lane = "cleanup"
	// LaneFailed holds envelopes of failed jobs for inspection. Default
	// workers never consume it.
	LaneFailed Lane = "failed"
)

// JobError is the persisted failure detail of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Job struct {
	ID         string
	Lane       Lane
	Handler    string
	Args       []byte
	Status     Status
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *JobError
}
