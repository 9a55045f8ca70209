// SPDX-License-Identifier: MIT

// Package watcher observes the inbox tree and feeds the job queue. Files are
// considered arrived once their size has been stable for the configured
// window; the tracker dedup gate makes the initial scan idempotent across
// restarts.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/tracker"
)

// Watcher ingests files from the watch tree.
type Watcher struct {
	cfg      config.Config
	ingestor *Ingestor
	logger   zerolog.Logger
}

// New constructs a Watcher. It fails fast if the watch directory is not
// readable.
func New(cfg config.Config, q *queue.Queue, t *tracker.Tracker) (*Watcher, error) {
	if _, err := os.ReadDir(cfg.WatchDir); err != nil {
		return nil, fmt.Errorf("watch directory unreadable: %w", err)
	}
	return &Watcher{
		cfg:      cfg,
		ingestor: NewIngestor(cfg, q, t),
		logger:   log.WithComponent("watcher"),
	}, nil
}

// Ingestor exposes the pipeline for the reconciler.
func (w *Watcher) Ingestor() *Ingestor { return w.ingestor }

// Run watches the inbox until ctx is cancelled. Existing files are processed
// first as if they were new-add events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := w.addRecursive(fsw, w.cfg.WatchDir); err != nil {
		return err
	}

	w.initialScan(ctx)

	w.logger.Info().
		Str(log.FieldPath, w.cfg.WatchDir).
		Int("max_depth", w.cfg.WatchMaxDepth).
		Msg("watching inbox")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handleEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return // removed again before we got to it
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && w.withinDepth(event.Name) {
			if err := fsw.Add(event.Name); err != nil {
				w.logger.Warn().Err(err).Str(log.FieldPath, event.Name).Msg("failed to watch new directory")
			}
		}
		return
	}
	if !w.withinDepth(event.Name) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return // dotfiles are editor/transfer droppings
	}
	w.processFile(ctx, event.Name)
}

// processFile waits for write stability, then runs the ingestion pipeline.
// Per-file errors are logged and swallowed; they never kill the watcher.
func (w *Watcher) processFile(ctx context.Context, absPath string) {
	if err := w.waitStable(ctx, absPath); err != nil {
		w.logger.Debug().Err(err).Str(log.FieldPath, absPath).Msg("file never stabilized")
		return
	}
	if _, err := w.ingestor.IngestFile(ctx, absPath); err != nil && !errors.Is(err, ErrSkipped) && ctx.Err() == nil {
		w.logger.Error().Err(err).Str(log.FieldPath, absPath).Msg("ingestion failed")
	}
}

// waitStable returns once the file size has been unchanged for the
// configured stability window.
func (w *Watcher) waitStable(ctx context.Context, absPath string) error {
	var lastSize int64 = -1
	stableSince := time.Now()
	tick := w.cfg.StabilityWindow / 4
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	// Generous ceiling: slow network copies are fine, endless growth is not.
	deadline := time.Now().Add(10 * time.Minute)

	for {
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= w.cfg.StabilityWindow {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("file %q still growing after %s", absPath, time.Since(stableSince))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
	}
}

// initialScan enumerates existing files and processes them as new-add
// events. Already-known files are skipped on the store lookups alone: a
// restart backlog must not pay the stability window per file, or the event
// channel sits undrained while the scan crawls.
func (w *Watcher) initialScan(ctx context.Context) {
	count, known := 0, 0
	err := filepath.WalkDir(w.cfg.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("initial scan error, skipping entry")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if !w.withinDepth(path) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if w.ingestor.AlreadyProcessed(path) {
			known++
			return nil
		}
		count++
		w.processFile(ctx, path)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("initial scan aborted")
	}
	w.logger.Info().Int("files", count).Int("known", known).Msg("initial scan complete")
}

// addRecursive registers watches on the tree up to the depth limit.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("cannot descend into directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if !w.withinDepth(path) {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %q: %w", path, err)
		}
		return nil
	})
}

// withinDepth reports whether path is at most WatchMaxDepth levels below the
// watch root.
func (w *Watcher) withinDepth(path string) bool {
	rel, err := filepath.Rel(w.cfg.WatchDir, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return strings.Count(rel, string(filepath.Separator)) < w.cfg.WatchMaxDepth
}
