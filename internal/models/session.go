package models

import "time"

type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusQueued    SessionStatus = "queued"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsActive reports whether the session holds the single running slot.
func (s SessionStatus) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

// Session is the read-only projection of one run that is handed to status callers.
type Session struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	Status          SessionStatus `json:"status"`
	Request         ScrapeRequest `json:"request"`
	Businesses      []Business    `json:"businesses,omitempty"`
	UnitsTotal      int           `json:"units_total"`
	UnitsDone       int           `json:"units_done"`
	UnitsFailed     int           `json:"units_failed"`
	BusinessesFound int           `json:"businesses_found"`
	PendingLookups  int           `json:"pending_lookups"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ProgressEvent carries the full current snapshot, never a delta, so a missed
// event is superseded by the next one.
type ProgressEvent struct {
	SessionID                string        `json:"session_id"`
	Status                   SessionStatus `json:"status"`
	ProgressPercent          float64       `json:"progress_percent"`
	UnitsTotal               int           `json:"units_total"`
	UnitsRemaining           int           `json:"units_remaining"`
	UnitsFailed              int           `json:"units_failed"`
	BusinessesFound          int           `json:"businesses_found"`
	PendingLookups           int           `json:"pending_lookups"`
	EstimatedTimeRemainingMs int64         `json:"estimated_time_remaining_ms"`
	CurrentUnit              string        `json:"current_unit,omitempty"`
	Timestamp                time.Time     `json:"timestamp"`
}

// Checkpoint is the latest durable snapshot of a session's progress.
type Checkpoint struct {
	SessionID            string          `json:"session_id"`
	CurrentIndustryIndex int             `json:"current_industry_index"`
	CurrentTownIndex     int             `json:"current_town_index"`
	ProcessedCount       int             `json:"processed_count"`
	RetryQueue           []LookupRequest `json:"retry_queue"`
	BatchState           BatchState      `json:"batch_state"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type BatchState struct {
	CurrentBatchSize    int `json:"current_batch_size"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// QueueEntry is a start request waiting for the running session to finish.
type QueueEntry struct {
	SessionID       string        `json:"session_id"`
	OwnerID         string        `json:"owner_id"`
	Request         ScrapeRequest `json:"request"`
	Position        int           `json:"position"`
	EstimatedWaitMs int64         `json:"estimated_wait_ms"`
	SubmittedAt     time.Time     `json:"submitted_at"`
}
