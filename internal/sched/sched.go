// Package sched runs the bot's periodic jobs (delivery sweep, retention
// sweep) on fixed intervals via cron, with two correctness guards the jobs
// rely on: a run never overlaps itself, and a panic never takes the process
// down.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Runner struct {
	c   *cron.Cron
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

func New(log zerolog.Logger) *Runner {
	return &Runner{c: cron.New(), log: log, ctx: context.Background()}
}

// AddEvery registers job to run every interval. Overlapping runs are skipped:
// if a run is still in flight when the next trigger fires, the trigger is
// dropped and logged (a slow sweep must not double-read the same due rows).
func (r *Runner) AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("sched: %s: interval must be positive", name)
	}
	var running sync.Mutex
	_, err := r.c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if !running.TryLock() {
			r.log.Warn().Str("job", name).Msg("previous run still in flight; skipping")
			return
		}
		defer running.Unlock()
		r.runOne(name, job)
	})
	if err != nil {
		return fmt.Errorf("sched: add %s: %w", name, err)
	}
	return nil
}

func (r *Runner) runOne(name string, job func(ctx context.Context) error) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Str("job", name).
				Any("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("panic in scheduled job")
		}
	}()

	start := time.Now()
	if err := job(ctx); err != nil {
		r.log.Error().Str("job", name).Dur("took", time.Since(start)).Err(err).Msg("job failed")
		return
	}
	r.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
}

// Start begins triggering jobs. ctx is handed to every job run; cancelling it
// tells in-flight jobs to wind down (they finish their current row first).
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.ctx = ctx
	r.c.Start()
	r.log.Info().Int("jobs", len(r.c.Entries())).Msg("scheduler started")
}

// Stop halts triggering and waits for in-flight jobs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	stopped := r.c.Stop()
	select {
	case <-stopped.Done():
		r.log.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		r.log.Warn().Msg("scheduler stop timed out; jobs finish in background")
	}
}
