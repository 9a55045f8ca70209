// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/store"
)

// fakeEngineOK mimics the whisper CLI contract: read the input path from
// argv[1], honor --output_dir, emit a progress line, write the transcript.
const fakeEngineOK = `#!/bin/sh
input="$1"
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output_dir" ]; then out="$a"; fi
  prev="$a"
done
base=$(basename "$input")
stem="${base%.*}"
echo "progress = 50%" >&2
echo "progress = 99%" >&2
printf 'transcribed text\n' > "$out/$stem.txt"
exit 0
`

const fakeEngineCrash = `#!/bin/sh
echo "fatal: model exploded" >&2
exit 1
`

const fakeEngineNoOutput = `#!/bin/sh
exit 0
`

type poolFixture struct {
	cfg   config.Config
	queue *queue.Queue
	pool  *Pool
}

func newPoolFixture(t *testing.T, engineScript string) *poolFixture {
	t.Helper()
	root := t.TempDir()
	binary := filepath.Join(root, "engine.sh")
	require.NoError(t, os.WriteFile(binary, []byte(engineScript), 0o700))

	cfg := config.Config{
		WatchDir:           filepath.Join(root, "watch"),
		OutputDir:          filepath.Join(root, "output"),
		CompletedDir:       filepath.Join(root, "completed"),
		FailedDir:          filepath.Join(root, "failed"),
		ConcurrencyLimit:   1,
		MaxJobAttempts:     1,
		ShutdownTimeout:    10 * time.Second,
		EngineBinary:       binary,
		EngineFlavor:       config.FlavorWhisper,
		EngineModel:        "base",
		EngineTask:         "transcribe",
		EngineComputeType:  "int8",
		EngineOutputFormat: "txt",
	}
	for _, d := range []string{cfg.WatchDir, cfg.OutputDir, cfg.CompletedDir, cfg.FailedDir} {
		require.NoError(t, os.MkdirAll(d, 0o750))
	}

	db, err := store.Open(filepath.Join(root, "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	q, err := queue.New(db, queue.Options{ConcurrencyLimit: 1, MaxAttempts: 1})
	require.NoError(t, err)

	return &poolFixture{cfg: cfg, queue: q, pool: NewPool(cfg, q)}
}

func (f *poolFixture) enqueueFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.cfg.WatchDir, name)
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o600))
	id, err := f.queue.Enqueue(context.Background(), &job.Job{
		FilePath: path,
		FileName: name,
	})
	require.NoError(t, err)
	return id
}

func (f *poolFixture) runUntil(t *testing.T, id string, want job.Status) *job.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := f.queue.Get(id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 10*time.Second, 50*time.Millisecond, "job never reached %s", want)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
	return got
}

func TestPoolCompletesJob(t *testing.T) {
	f := newPoolFixture(t, fakeEngineOK)
	id := f.enqueueFile(t, "talk.mp3")

	j := f.runUntil(t, id, job.StatusCompleted)
	assert.Equal(t, 100, j.Progress)
	require.NotNil(t, j.DurationMS)

	transcript := filepath.Join(f.cfg.CompletedDir, "talk.mp3.txt")
	assert.Equal(t, transcript, j.TranscriptPath)
	data, err := os.ReadFile(transcript)
	require.NoError(t, err)
	assert.Equal(t, "transcribed text\n", string(data))

	// The source audio moved alongside the transcript.
	_, err = os.Stat(filepath.Join(f.cfg.CompletedDir, "talk.mp3"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.cfg.WatchDir, "talk.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestPoolFailsCrashedEngine(t *testing.T) {
	f := newPoolFixture(t, fakeEngineCrash)
	id := f.enqueueFile(t, "bad.mp3")

	j := f.runUntil(t, id, job.StatusFailed)
	assert.Equal(t, job.ErrCodeEngineCrash, j.ErrorCode)
	assert.Equal(t, 1, j.Attempts)

	// Terminal failure moves the source into the failed tree.
	_, err := os.Stat(filepath.Join(f.cfg.FailedDir, "bad.mp3"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.cfg.WatchDir, "bad.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestPoolFailsOnMissingOutput(t *testing.T) {
	f := newPoolFixture(t, fakeEngineNoOutput)
	id := f.enqueueFile(t, "silent.mp3")

	j := f.runUntil(t, id, job.StatusFailed)
	assert.Equal(t, job.ErrCodeOutputMissing, j.ErrorCode)
}

func TestPoolFailsMissingSource(t *testing.T) {
	f := newPoolFixture(t, fakeEngineOK)
	id := f.enqueueFile(t, "vanish.mp3")
	require.NoError(t, os.Remove(filepath.Join(f.cfg.WatchDir, "vanish.mp3")))

	j := f.runUntil(t, id, job.StatusFailed)
	assert.Equal(t, job.ErrCodeFileMissing, j.ErrorCode)
	// Nothing to move: the failed tree stays empty.
	entries, err := os.ReadDir(f.cfg.FailedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPoolStopsPromptlyWhenIdle(t *testing.T) {
	f := newPoolFixture(t, fakeEngineOK)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("idle pool did not stop")
	}
}
