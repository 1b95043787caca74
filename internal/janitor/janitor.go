// Package janitor runs the scheduled maintenance tasks: stale lease and
// worktree recovery, outbox unsticking, deferred-comment flushes, and
// table pruning.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/analytics"
	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/worktree"
)

// Retention defaults.
const (
	DefaultStreamMaxAgeDays = 14
	DefaultJobRetentionDays = 7
	DefaultTaskTimeout      = 2 * time.Minute
)

// Janitor owns the maintenance schedule.
type Janitor struct {
	jobs      *jobs.Store
	writes    *outbox.Store
	mirror    *outbox.Mirror
	manager   *worktree.Manager
	streams   *bus.StreamStore
	metrics   *analytics.Service
	mirrorCfg config.Mirror
	cron      *cron.Cron
	logger    *logger.Logger
}

// New assembles the janitor. Any nil collaborator disables its tasks.
func New(jobStore *jobs.Store, writes *outbox.Store, mirror *outbox.Mirror, manager *worktree.Manager, streams *bus.StreamStore, metrics *analytics.Service, mirrorCfg config.Mirror, log *logger.Logger) *Janitor {
	return &Janitor{
		jobs:      jobStore,
		writes:    writes,
		mirror:    mirror,
		manager:   manager,
		streams:   streams,
		metrics:   metrics,
		mirrorCfg: mirrorCfg,
		cron:      cron.New(),
		logger:    log.WithFields(zap.String("component", "janitor")),
	}
}

// Start registers the schedule and runs it until the context ends.
func (j *Janitor) Start(ctx context.Context) error {
	schedule := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{"@every 1m", "reset_stalled_writes", j.ResetStalledWrites},
		{"@every 1m", "flush_orphaned_comments", j.FlushOrphanedComments},
		{"@every 5m", "release_expired_ports", j.ReleaseExpiredPorts},
		{"@every 10m", "sweep_worktrees", j.SweepWorktrees},
		{"@every 1h", "prune_stream_events", j.PruneStreamEvents},
		{"@every 1h", "prune_completed_jobs", j.PruneCompletedJobs},
		{"@every 24h", "log_run_metrics", j.LogRunMetrics},
	}
	for _, task := range schedule {
		task := task
		_, err := j.cron.AddFunc(task.spec, func() {
			taskCtx, cancel := context.WithTimeout(ctx, DefaultTaskTimeout)
			defer cancel()
			if err := task.fn(taskCtx); err != nil {
				j.logger.Error("janitor task failed",
					zap.String("task", task.name), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	j.cron.Start()
	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	return nil
}

// ResetStalledWrites requeues outbox rows stuck in processing.
func (j *Janitor) ResetStalledWrites(ctx context.Context) error {
	if j.writes == nil {
		return nil
	}
	threshold := time.Duration(j.mirrorCfg.StalledResetMins) * time.Minute
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	n, err := j.writes.ResetStalled(ctx, threshold)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("reset stalled outbox writes", zap.Int64("count", n))
	}
	return nil
}

// FlushOrphanedComments releases deferred mirror rows stranded past the
// stale threshold.
func (j *Janitor) FlushOrphanedComments(ctx context.Context) error {
	if j.mirror == nil {
		return nil
	}
	if n := j.mirror.FlushOrphans(ctx); n > 0 {
		j.logger.Info("flushed orphaned deferred comments", zap.Int("count", n))
	}
	return nil
}

// ReleaseExpiredPorts deactivates port leases past their expiry.
func (j *Janitor) ReleaseExpiredPorts(ctx context.Context) error {
	if j.manager == nil {
		return nil
	}
	n, err := j.manager.Store().ReleaseExpiredPortLeases(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("released expired port leases", zap.Int64("count", n))
	}
	return nil
}

// SweepWorktrees reconciles worktree rows against the filesystem.
func (j *Janitor) SweepWorktrees(ctx context.Context) error {
	if j.manager == nil {
		return nil
	}
	destroyed, removed := j.manager.SweepOrphans(ctx)
	if destroyed > 0 || removed > 0 {
		j.logger.Info("swept worktrees",
			zap.Int("rows_destroyed", destroyed), zap.Int("dirs_removed", removed))
	}
	return nil
}

// PruneStreamEvents drops stream rows older than the retention window.
func (j *Janitor) PruneStreamEvents(ctx context.Context) error {
	if j.streams == nil {
		return nil
	}
	n, err := j.streams.Prune(ctx, DefaultStreamMaxAgeDays)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("pruned stream events", zap.Int64("count", n))
	}
	return nil
}

// LogRunMetrics emits a per-user run rollup once a day.
func (j *Janitor) LogRunMetrics(ctx context.Context) error {
	if j.metrics == nil {
		return nil
	}
	userIDs, err := j.metrics.UserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		summary, err := j.metrics.Summarize(ctx, userID)
		if err != nil {
			return err
		}
		j.logger.Info("daily run metrics",
			zap.String("user_id", userID),
			zap.Int("total_runs", summary.TotalRuns),
			zap.Int("completed_runs", summary.CompletedRuns),
			zap.Float64("success_rate", summary.SuccessRate),
			zap.Float64("avg_cycle_seconds", summary.AvgCycleTimeSeconds))
	}
	return nil
}

// PruneCompletedJobs drops completed job rows past retention.
func (j *Janitor) PruneCompletedJobs(ctx context.Context) error {
	if j.jobs == nil {
		return nil
	}
	n, err := j.jobs.DeleteOldCompletedJobs(ctx, DefaultJobRetentionDays)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("pruned completed jobs", zap.Int64("count", n))
	}
	return nil
}
