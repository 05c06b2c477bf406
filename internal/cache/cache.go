package cache

import (
	"context"
	"time"

	"orema/backend/internal/domain"
)

// IdempotencyCache fronts the idempotency table for replayed submissions.
// It is never the source of truth: a miss always falls through to the store.
type IdempotencyCache interface {
	Get(ctx context.Context, establishmentID string, key string) (*domain.SyncSaleData, bool, error)
	Set(ctx context.Context, establishmentID string, key string, value domain.SyncSaleData, ttl time.Duration) error
}

type NoopIdempotencyCache struct{}

func (NoopIdempotencyCache) Get(_ context.Context, _ string, _ string) (*domain.SyncSaleData, bool, error) {
	return nil, false, nil
}

func (NoopIdempotencyCache) Set(_ context.Context, _ string, _ string, _ domain.SyncSaleData, _ time.Duration) error {
	return nil
}

func Key(establishmentID string, key string) string {
	return "vente:idem:" + establishmentID + ":" + key
}
