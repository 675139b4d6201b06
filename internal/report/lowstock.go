// Package report builds read-only inventory reports over the catalog. The
// low-stock report is cached for a short TTL because it is polled by
// dashboards and its inputs only change on commits and restocks.
package report

import (
	"context"
	"sort"
	"time"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
)

const lowStockCacheKey = "pos:report:low-stock"

type Engine struct {
	cache    cache.ReportCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.ReportCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// LowStock reports every active product at or below its minimum stock,
// worst deficit first. Cache errors degrade to a fresh computation.
func (e *Engine) LowStock(ctx context.Context, products []domain.Product) domain.LowStockReport {
	if cached, ok, err := e.cache.Get(ctx, lowStockCacheKey); err == nil && ok {
		return *cached
	}

	items := make([]domain.LowStockItem, 0, 8)
	for _, product := range products {
		if !product.Active || product.Stock > product.MinStock {
			continue
		}
		items = append(items, domain.LowStockItem{
			ProductID:  product.ID,
			Name:       product.Name,
			Category:   product.Category,
			Stock:      product.Stock,
			MinStock:   product.MinStock,
			DeficitQty: product.MinStock - product.Stock,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].DeficitQty != items[j].DeficitQty {
			return items[i].DeficitQty > items[j].DeficitQty
		}
		return items[i].ProductID < items[j].ProductID
	})

	report := domain.LowStockReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Items:       items,
	}

	_ = e.cache.Set(ctx, lowStockCacheKey, &report, e.cacheTTL)
	return report
}
