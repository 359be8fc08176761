package cache

import (
	"context"
	"strconv"
	"time"

	"boxledger/backend/internal/domain"
)

// SaleListCache holds per-owner sale listings under a generation number.
// Invalidate moves the owner to a new generation, so a listing read before an
// invalidation and written after it lands under a generation nobody reads again.
type SaleListCache interface {
	Generation(ctx context.Context, ownerID string) (int64, error)
	Get(ctx context.Context, ownerID string, generation int64, includeDeleted bool) ([]domain.Sale, bool, error)
	Set(ctx context.Context, ownerID string, generation int64, includeDeleted bool, sales []domain.Sale, ttl time.Duration) error
	Invalidate(ctx context.Context, ownerID string) error
}

type NoopSaleListCache struct{}

func (NoopSaleListCache) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopSaleListCache) Get(_ context.Context, _ string, _ int64, _ bool) ([]domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleListCache) Set(_ context.Context, _ string, _ int64, _ bool, _ []domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSaleListCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func generationKey(ownerID string) string {
	return "sales:" + ownerID + ":gen"
}

func saleListKey(ownerID string, generation int64, includeDeleted bool) string {
	scope := "active"
	if includeDeleted {
		scope = "all"
	}
	return "sales:" + ownerID + ":g" + strconv.FormatInt(generation, 10) + ":" + scope
}
