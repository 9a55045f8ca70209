// SPDX-License-Identifier: MIT

// Package worker runs the bounded pool that drains the job queue. Each
// worker owns one job at a time and drives it through a fixed state machine:
// Claiming, Spawning, Streaming, Finalizing, Cleanup. The lease is held from
// claim until Cleanup releases it, so no path leaks a subprocess or a lease.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/engine"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
	"github.com/sonralabs/palantir/internal/queue"
)

// ErrShutdownForced reports that the global shutdown deadline expired with
// work still in flight; the daemon exits non-zero in that case.
var ErrShutdownForced = errors.New("shutdown deadline exceeded, subprocesses killed")

const (
	claimPollInterval = 500 * time.Millisecond
	claimPollJitter   = 250 * time.Millisecond
	heartbeatInterval = 10 * time.Second
)

// Pool is the fixed-size worker pool.
type Pool struct {
	cfg    config.Config
	queue  *queue.Queue
	eng    engine.Settings
	logger zerolog.Logger
}

// NewPool wires a Pool of cfg.ConcurrencyLimit workers.
func NewPool(cfg config.Config, q *queue.Queue) *Pool {
	return &Pool{
		cfg:    cfg,
		queue:  q,
		eng:    engine.FromConfig(cfg),
		logger: log.WithComponent("worker"),
	}
}

// Run blocks until ctx is cancelled and all workers have drained. On
// shutdown, workers stop claiming and finish their in-flight subprocess; if
// the global deadline passes first, subprocesses are killed and
// ErrShutdownForced is returned.
func (p *Pool) Run(ctx context.Context) error {
	// procCtx outlives ctx so in-flight subprocesses can finish during
	// graceful shutdown. It is cancelled by the shutdown deadline.
	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()

	var forced bool
	var forcedMu sync.Mutex

	stopDeadline := context.AfterFunc(ctx, func() {
		timer := time.AfterFunc(p.cfg.ShutdownTimeout, func() {
			forcedMu.Lock()
			forced = true
			forcedMu.Unlock()
			p.logger.Error().
				Dur("deadline", p.cfg.ShutdownTimeout).
				Msg("shutdown deadline reached, killing in-flight work")
			procCancel()
		})
		<-procCtx.Done()
		timer.Stop()
	})
	defer stopDeadline()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.ConcurrencyLimit; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, procCtx, id)
		}(i)
	}
	wg.Wait()
	procCancel()

	forcedMu.Lock()
	defer forcedMu.Unlock()
	if forced {
		return ErrShutdownForced
	}
	return nil
}

// workerLoop is the Claiming state: poll for work with jitter until shutdown.
func (p *Pool) workerLoop(ctx context.Context, procCtx context.Context, id int) {
	logger := p.logger.With().Int(log.FieldWorkerID, id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		j, lease, err := p.queue.Claim(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, queue.ErrNoPending) || errors.Is(err, queue.ErrLimitReached):
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimPollInterval + time.Duration(rand.Int63n(int64(claimPollJitter)))):
			}
			continue
		case err != nil:
			logger.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimPollInterval):
			}
			continue
		}

		metrics.JobsClaimed.Inc()
		run := &jobRun{
			pool:   p,
			job:    j,
			lease:  lease,
			logger: logger.With().Str(log.FieldJobID, j.ID).Logger(),
		}
		run.execute(procCtx)
	}
}
