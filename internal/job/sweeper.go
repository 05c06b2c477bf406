package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orema/backend/internal/domain"
	"orema/backend/internal/lock"
)

type IdempotencySweeper interface {
	SweepIdempotency(ctx context.Context, rc domain.RequestContext) (domain.SweepResponse, error)
}

// SweepJob periodically deletes expired idempotency keys. With a shared Locker
// only one replica sweeps per tick.
type SweepJob struct {
	sweeper  IdempotencySweeper
	locker   lock.Locker
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSweepJob(sweeper IdempotencySweeper, locker lock.Locker, interval time.Duration, logger *slog.Logger) *SweepJob {
	if locker == nil {
		locker = lock.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &SweepJob{
		sweeper:  sweeper,
		locker:   locker,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (j *SweepJob) Start(ctx context.Context) {
	j.logger.Info("idempotency sweep job started", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("idempotency sweep job stopping", "reason", ctx.Err())
			return
		case <-j.stopCh:
			j.logger.Info("idempotency sweep job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce performs a single sweep and returns the number of deleted keys.
func (j *SweepJob) RunOnce(ctx context.Context) int64 {
	release, err := j.locker.Acquire(ctx, "vente:sweep")
	if err != nil {
		j.logger.Warn("idempotency sweep skipped, lock busy", "err", err)
		return 0
	}
	defer release()

	resp, err := j.sweeper.SweepIdempotency(ctx, domain.RequestContext{})
	if err != nil {
		j.logger.Error("idempotency sweep failed", "err", err)
		return 0
	}
	if resp.Deleted > 0 {
		j.logger.Info("idempotency keys swept", "deleted", resp.Deleted)
	}
	return resp.Deleted
}
