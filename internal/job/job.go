// SPDX-License-Identifier: MIT

// Package job defines the transcription job record and its derived state.
package job

import (
	"time"
)

// Priority orders jobs at claim time. Smaller value = earlier scheduling.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps an API string to a Priority. Unknown values fall back to
// NORMAL so operator typos never reject a job.
func ParsePriority(s string) Priority {
	switch s {
	case "URGENT", "urgent":
		return PriorityUrgent
	case "HIGH", "high":
		return PriorityHigh
	case "LOW", "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ClassifyPriority derives scheduling priority from the input size. Small
// files finish fast and unblock users; very large files queue behind them.
func ClassifyPriority(sizeBytes int64) Priority {
	const mb = 1 << 20
	switch {
	case sizeBytes < 10*mb:
		return PriorityUrgent
	case sizeBytes < 50*mb:
		return PriorityHigh
	case sizeBytes < 100*mb:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the unit of work. It is persisted as a single JSON record; every
// state transition rewrites the record inside one store transaction.
type Job struct {
	ID string `json:"id"`

	FilePath          string `json:"filePath"`
	RelPath           string `json:"relPath"`
	FileName          string `json:"fileName"`
	OriginalFileName  string `json:"originalFileName"`
	SanitizedFileName string `json:"sanitizedFileName"`
	FileSizeBytes     int64  `json:"fileSizeBytes"`
	MimeType          string `json:"mimeType,omitempty"`
	AudioFormat       string `json:"audioFormat,omitempty"`
	Fingerprint       string `json:"fingerprint,omitempty"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`
	Progress int      `json:"progress"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
	StallCount  int `json:"stallCount"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMS *int64     `json:"durationMs,omitempty"`

	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`

	TranscriptPath string `json:"transcriptPath,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// Lease fields. Zero token means unleased. Never exposed through the API.
	LeaseToken         string    `json:"leaseToken,omitempty"`
	LeaseExpiresAt     time.Time `json:"leaseExpiresAt,omitempty"`
	LastProgressUpdate time.Time `json:"lastProgressUpdate,omitempty"`
}

// LeaseExpired reports whether the job's lease has lapsed at the given time.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseToken != "" && now.After(j.LeaseExpiresAt)
}
