package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/allegro/bigcache/v3"

	"inventory/internal/config"
	"inventory/internal/model"
	"inventory/internal/monitor"
	"inventory/internal/repository"
	"inventory/internal/service/outbox"
	"inventory/pkg/log"
	"inventory/pkg/utils"
)

// Monitor writes a LOW_STOCK_ALERT intent when a reservation leaves a SKU
// below its tenant's threshold. It never notifies anyone itself.
type Monitor struct {
	defaultThreshold atomic.Int64
	// cache is nil when threshold caching is disabled
	cache   *bigcache.BigCache
	metrics *monitor.Metrics
}

// NewMonitor creates a monitor. A zero ThresholdCacheTTL reads the tenant
// setting on every check.
func NewMonitor(cfg config.InventoryConfig, metrics *monitor.Metrics) (*Monitor, error) {
	m := &Monitor{metrics: metrics}
	m.defaultThreshold.Store(int64(cfg.DefaultLowStockThreshold))
	if cfg.ThresholdCacheTTL <= 0 {
		return m, nil
	}

	cacheCfg := bigcache.DefaultConfig(cfg.ThresholdCacheTTL)
	cacheCfg.Shards = 64
	cacheCfg.CleanWindow = cfg.ThresholdCacheTTL
	cacheCfg.HardMaxCacheSize = 8 // MB
	cacheCfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create threshold cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// Threshold resolves the tenant's low-stock threshold, falling back to the
// configured default when the tenant has none.
func (m *Monitor) Threshold(ctx context.Context, uow repository.UnitOfWork, tenantID uint64) (int, error) {
	key := strconv.FormatUint(tenantID, 10)
	if m.cache != nil {
		if raw, err := m.cache.Get(key); err == nil {
			if n, err := strconv.Atoi(string(raw)); err == nil {
				return n, nil
			}
		}
	}

	threshold := int(m.defaultThreshold.Load())
	setting, err := uow.Tenants().GetSetting(ctx, tenantID)
	switch {
	case err == nil:
		if setting.LowStockThreshold != nil {
			threshold = *setting.LowStockThreshold
		}
	case errors.Is(err, utils.ErrNotFound):
	default:
		return 0, fmt.Errorf("load tenant %d settings: %w", tenantID, err)
	}

	if m.cache != nil {
		if err := m.cache.Set(key, []byte(strconv.Itoa(threshold))); err != nil {
			log.ForTenant(tenantID).WithError(err).Debug("Failed to cache low stock threshold")
		}
	}
	return threshold, nil
}

// SetDefaultThreshold replaces the default used by tenants without a
// setting. Cached thresholds keep their value until they expire.
func (m *Monitor) SetDefaultThreshold(n int) {
	m.defaultThreshold.Store(int64(n))
}

// Invalidate drops the cached threshold of a tenant.
func (m *Monitor) Invalidate(tenantID uint64) {
	if m.cache == nil {
		return
	}
	_ = m.cache.Delete(strconv.FormatUint(tenantID, 10))
}

// Check writes one alert event through uow when stock.Available is below the
// threshold. It reports whether an alert was written.
func (m *Monitor) Check(ctx context.Context, uow repository.UnitOfWork, stock *model.SKUStock) (bool, error) {
	threshold, err := m.Threshold(ctx, uow, stock.TenantID)
	if err != nil {
		return false, err
	}
	if stock.Available >= threshold {
		return false, nil
	}

	err = outbox.Enqueue(ctx, uow, stock.TenantID, &outbox.LowStockAlert{
		TenantID:   stock.TenantID,
		SKUStockID: stock.ID,
		SKU:        stock.SKU,
		Available:  stock.Available,
		Threshold:  threshold,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue low stock alert: %w", err)
	}

	m.metrics.RecordLowStockAlert()
	log.ForTenant(stock.TenantID).WithFields(map[string]interface{}{
		"sku_stock_id": stock.ID,
		"available":    stock.Available,
		"threshold":    threshold,
	}).Info("Low stock alert recorded")
	return true, nil
}

// Close releases the threshold cache.
func (m *Monitor) Close() error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Close()
}
