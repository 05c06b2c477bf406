package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"orema/backend/internal/domain"
	"orema/backend/internal/lock"
)

type countingSweeper struct {
	calls   atomic.Int64
	deleted int64
	err     error
}

func (s *countingSweeper) SweepIdempotency(_ context.Context, _ domain.RequestContext) (domain.SweepResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return domain.SweepResponse{}, s.err
	}
	return domain.SweepResponse{Success: true, Deleted: s.deleted}, nil
}

type busyLocker struct{}

func (busyLocker) Acquire(_ context.Context, _ string) (func(), error) {
	return nil, lock.ErrLockFailed
}

func TestRunOnceReportsDeleted(t *testing.T) {
	sweeper := &countingSweeper{deleted: 3}
	j := NewSweepJob(sweeper, nil, time.Minute, nil)

	if got := j.RunOnce(context.Background()); got != 3 {
		t.Fatalf("expected 3 deleted, got %d", got)
	}

	sweeper.err = errors.New("base indisponible")
	if got := j.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 on failure, got %d", got)
	}
}

func TestRunOnceSkipsWhenLockBusy(t *testing.T) {
	sweeper := &countingSweeper{deleted: 1}
	j := NewSweepJob(sweeper, busyLocker{}, time.Minute, nil)

	if got := j.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected skip, got %d", got)
	}
	if sweeper.calls.Load() != 0 {
		t.Fatalf("sweeper must not run without the lock")
	}
}

func TestStartTicksUntilStopped(t *testing.T) {
	sweeper := &countingSweeper{}
	j := NewSweepJob(sweeper, lock.NewKeyedMutex(), 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least two sweeps, got %d", sweeper.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	j.Stop()
	j.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job did not stop")
	}
}

func TestStartReturnsOnContextCancel(t *testing.T) {
	j := NewSweepJob(&countingSweeper{}, nil, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job did not stop on cancel")
	}
}
