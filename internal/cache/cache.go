package cache

import (
	"context"
	"time"

	"ventapos/backend/internal/domain"
)

type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.LowStockReport, bool, error)
	Set(ctx context.Context, key string, value *domain.LowStockReport, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.LowStockReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.LowStockReport, _ time.Duration) error {
	return nil
}
