// SPDX-License-Identifier: MIT

package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/fsutil"
	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/tracker"
)

// ErrSkipped marks files that fail validation or the dedup gate. Callers
// treat it as a non-error outcome.
var ErrSkipped = errors.New("file skipped")

var mimeByExt = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"m4a":  "audio/mp4",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
}

// Ingestor runs the sanitize-validate-classify-enqueue pipeline for one
// file. The watcher uses it for live events and the initial scan; the
// reconciler reuses it for orphaned inbox files.
type Ingestor struct {
	cfg     config.Config
	queue   *queue.Queue
	tracker *tracker.Tracker
	logger  zerolog.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(cfg config.Config, q *queue.Queue, t *tracker.Tracker) *Ingestor {
	return &Ingestor{cfg: cfg, queue: q, tracker: t, logger: log.WithComponent("ingest")}
}

// AlreadyProcessed reports whether a path is covered by the dedup gate or by
// a live queue entry. Two store lookups, no disk waits: the initial scan uses
// it to pass over a restart backlog without paying the stability window per
// already-known file.
func (in *Ingestor) AlreadyProcessed(absPath string) bool {
	if in.tracker.IsProcessed(absPath) {
		return true
	}
	_, err := in.queue.GetByPath(absPath)
	return err == nil
}

// IngestFile runs the full pipeline on an absolute path inside the watch
// tree. It returns the new job id, or ErrSkipped when the file is invalid or
// already processed.
func (in *Ingestor) IngestFile(ctx context.Context, absPath string) (string, error) {
	logger := in.logger.With().Str(log.FieldPath, absPath).Logger()

	// Sanitize the base name; rename in place when it changes.
	original := filepath.Base(absPath)
	sanitized := SanitizeFileName(original)
	if sanitized != original {
		newPath := filepath.Join(filepath.Dir(absPath), sanitized)
		newPath = in.resolveCollision(newPath)
		if err := os.Rename(absPath, newPath); err != nil {
			logger.Warn().Err(err).Str("sanitized", sanitized).Msg("sanitize rename failed, skipping file")
			return "", ErrSkipped
		}
		logger.Info().
			Str("original", original).
			Str("sanitized", filepath.Base(newPath)).
			Msg("renamed file with unsafe characters")
		absPath = newPath
		sanitized = filepath.Base(newPath)
	}

	info, err := in.validate(absPath, logger)
	if err != nil {
		return "", err
	}

	if in.tracker.IsProcessed(absPath) {
		logger.Debug().Msg("file already processed, skipping")
		return "", ErrSkipped
	}

	rel, err := fsutil.RelUnder(in.cfg.WatchDir, absPath)
	if err != nil {
		logger.Warn().Err(err).Msg("file escapes watch tree, skipping")
		return "", ErrSkipped
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(absPath)), ".")
	j := &job.Job{
		FilePath:          absPath,
		RelPath:           filepath.Dir(rel),
		FileName:          sanitized,
		OriginalFileName:  original,
		SanitizedFileName: sanitized,
		FileSizeBytes:     info.Size(),
		MimeType:          mimeByExt[ext],
		AudioFormat:       ext,
		Fingerprint:       job.Fingerprint(absPath),
		Priority:          job.ClassifyPriority(info.Size()),
		MaxAttempts:       in.cfg.MaxJobAttempts,
	}
	if j.RelPath == "." {
		j.RelPath = ""
	}

	id, err := in.enqueueWithBackoff(ctx, j)
	if err != nil {
		return "", err
	}

	if err := in.tracker.MarkProcessed(absPath, id); err != nil {
		// The queue's path index still dedups; losing the tracker entry only
		// costs a redundant lookup on the next scan.
		logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("failed to record file in tracker")
	}
	metrics.JobsIngested.Inc()
	return id, nil
}

// validate enforces regular-file, extension, and size bounds. Failures log
// WARN and return ErrSkipped.
func (in *Ingestor) validate(absPath string, logger zerolog.Logger) (os.FileInfo, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot stat file, skipping")
		return nil, ErrSkipped
	}
	if !info.Mode().IsRegular() {
		logger.Warn().Msg("not a regular file, skipping")
		return nil, ErrSkipped
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(absPath)), ".")
	if !in.cfg.SupportsExtension(ext) {
		logger.Warn().Str("extension", ext).Msg("unsupported format, skipping")
		return nil, ErrSkipped
	}
	const mb = 1 << 20
	if info.Size() < in.cfg.MinFileSizeMB*mb {
		logger.Warn().Int64("size_bytes", info.Size()).Msg("file below minimum size, skipping")
		return nil, ErrSkipped
	}
	if info.Size() > in.cfg.MaxFileSizeMB*mb {
		logger.Warn().Int64("size_bytes", info.Size()).Msg("file above maximum size, skipping")
		return nil, ErrSkipped
	}
	return info, nil
}

// enqueueWithBackoff retries transient store failures with exponential
// backoff. A detected file is never dropped silently: the error is returned
// only after the retry budget is exhausted.
func (in *Ingestor) enqueueWithBackoff(ctx context.Context, j *job.Job) (string, error) {
	op := func() (string, error) {
		id, err := in.queue.Enqueue(ctx, j)
		if errors.Is(err, queue.ErrDuplicatePath) || errors.Is(err, queue.ErrDuplicateID) {
			// Not transient: another non-terminal job owns this path.
			return id, backoff.Permanent(err)
		}
		if err != nil {
			in.logger.Error().Err(err).
				Str(log.FieldPath, j.FilePath).
				Msg("enqueue failed, retrying")
			return "", err
		}
		return id, nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = in.cfg.StoreRetryInitial
	expo.MaxInterval = in.cfg.StoreRetryMax
	id, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(in.cfg.StoreRetryCap),
	)
	if errors.Is(err, queue.ErrDuplicatePath) {
		in.logger.Debug().
			Str(log.FieldPath, j.FilePath).
			Str(log.FieldJobID, id).
			Msg("non-terminal job already queued for path")
		return id, ErrSkipped
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %q: %w", j.FilePath, err)
	}
	return id, nil
}

// resolveCollision avoids clobbering an existing file when a sanitize rename
// lands on a taken name.
func (in *Ingestor) resolveCollision(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 1000; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext)
}
