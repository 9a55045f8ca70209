// SPDX-License-Identifier: MIT

package job

import "fmt"

// Machine-readable error codes attached to failed jobs. The reason string
// carries the human-readable detail; the code is stable for dashboards.
const (
	ErrCodeEngineNotFound   = "ERR_ENGINE_NOT_FOUND"
	ErrCodeEngineCrash      = "ERR_ENGINE_CRASH"
	ErrCodeOutputMissing    = "ERR_OUTPUT_MISSING"
	ErrCodeFileInvalid      = "ERR_FILE_INVALID"
	ErrCodeFileMissing      = "ERR_FILE_MISSING"
	ErrCodeJobStalled       = "ERR_JOB_STALLED"
	ErrCodeStoreUnavailable = "ERR_STORE_UNAVAILABLE"
)

// StalledReason builds the canonical reason for a terminally stalled job.
func StalledReason(attempts int) string {
	return fmt.Sprintf("Job stalled after %d attempts", attempts)
}

// FileMissingReason builds the canonical reason for a phantom job.
func FileMissingReason(path string) string {
	return fmt.Sprintf("Source file no longer present at %s", path)
}
