// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldWorkerID  = "worker_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldPriority = "priority"

	// Path fields
	FieldPath           = "path"
	FieldTranscriptPath = "transcript_path"
)

// SelfHeal prefixes a log message marking an autonomous recovery action.
// Operators grep for this prefix; keep it stable.
const SelfHeal = "[SELF-HEAL] "
