package model

// SummaryEventType distinguishes summary event kinds on the wire.
type SummaryEventType string

// SummaryEventFinal marks a submission that reached its final verdict.
const SummaryEventFinal SummaryEventType = "final"

// SummaryEvent is the payload published after a submission summary is
// persisted, so downstream consumers (score boards, notifiers) do not
// have to poll the database.
type SummaryEvent struct {
	Type         SummaryEventType `json:"type"`
	SubmissionID int64            `json:"submission_id"`
	BatchID      *int64           `json:"batch_id,omitempty"`
	UserID       string           `json:"user_id"`
	LectureID    int64            `json:"lecture_id"`
	AssignmentID int64            `json:"assignment_id"`
	Result       Verdict          `json:"result"`
	Message      string           `json:"message"`
	Score        int64            `json:"score"`
	TimeMS       int64            `json:"time_ms"`
	MemoryKB     int64            `json:"memory_kb"`
	CreatedAt    int64            `json:"created_at"`
}

// ProgressSnapshot mirrors the live task counters of a running
// submission into Redis for cheap status polling.
type ProgressSnapshot struct {
	SubmissionID  int64    `json:"submission_id"`
	Progress      Progress `json:"progress"`
	TotalTask     int64    `json:"total_task"`
	CompletedTask int64    `json:"completed_task"`
	UpdatedAt     int64    `json:"updated_at"`
}
