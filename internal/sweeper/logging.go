package sweeper

import (
	"context"
	"sync"
	"time"

	obslogger "github.com/smallbiznis/rentflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	mu sync.Mutex

	job            string
	runID          string
	startedAt      time.Time
	claimedCount   int
	processedCount int
	expiredCount   int
	heldCount      int
	errorCount     int
}

func (s *Sweeper) newJobRun(job string) *jobRun {
	return &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
}

func (r *jobRun) SetClaimed(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimedCount = count
}

func (r *jobRun) AddProcessed(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processedCount += count
}

func (r *jobRun) AddExpired(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiredCount += count
}

func (r *jobRun) AddHeld(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heldCount += count
}

func (r *jobRun) IncError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount++
}

func (r *jobRun) processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processedCount
}

func (s *Sweeper) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Sweeper) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Debug("sweeper.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", s.cfg.BatchSize),
	)
}

func (s *Sweeper) logJobFinish(ctx context.Context, run *jobRun) {
	run.mu.Lock()
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("claimed_count", run.claimedCount),
		zap.Int("processed_count", run.processedCount),
		zap.Int("expired_count", run.expiredCount),
		zap.Int("held_count", run.heldCount),
		zap.Int("error_count", run.errorCount),
	}
	errorCount, claimed := run.errorCount, run.claimedCount
	run.mu.Unlock()

	log := s.logger(ctx)
	switch {
	case errorCount > 0:
		log.Warn("sweeper.job.finish", fields...)
	case claimed > 0:
		log.Info("sweeper.job.finish", fields...)
	default:
		log.Debug("sweeper.job.finish", fields...)
	}
}

func (s *Sweeper) logJobError(ctx context.Context, run *jobRun, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("job", job),
		zap.String("run_id", run.runID),
		zap.String("reason", obsmetrics.ClassifyJobReason(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error("sweeper.job.error", append(base, fields...)...)
}
