// SPDX-License-Identifier: MIT

package job

import "time"

// HealthStatus is a derived, per-read quality signal over job state and
// timing. It is never stored.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthStalled   HealthStatus = "Stalled"
	HealthRecovered HealthStatus = "Recovered"
	HealthUnknown   HealthStatus = "Unknown"
)

// Health computes the job's health at the given instant. stalledInterval is
// the queue's stall-detection window.
func (j *Job) Health(now time.Time, stalledInterval time.Duration) HealthStatus {
	if j.Status == StatusProcessing && !j.LastProgressUpdate.IsZero() &&
		now.Sub(j.LastProgressUpdate) > stalledInterval {
		return HealthStalled
	}
	if j.Attempts > 0 && (j.Status == StatusProcessing || j.Status == StatusCompleted) {
		return HealthRecovered
	}
	if j.Status.Terminal() && j.Attempts == 0 && j.StartedAt == nil {
		return HealthUnknown
	}
	return HealthHealthy
}
