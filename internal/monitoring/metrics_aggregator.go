package monitoring

import (
	"context"
	"errors"
	"time"

	"health-monitor/internal/store"
	"health-monitor/pkg/cache"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"
)

func metricsCacheKey(serviceID string) string {
	return "metrics:" + serviceID
}

// MetricsAggregator folds check results into running per-service metrics
type MetricsAggregator struct {
	state *ServiceState
	store store.Store
	cache cache.Cache
	now   func() time.Time
}

func NewMetricsAggregator(state *ServiceState, st store.Store, c cache.Cache) *MetricsAggregator {
	return &MetricsAggregator{
		state: state,
		store: st,
		cache: c,
		now:   time.Now,
	}
}

// current returns the running metrics for a service, rehydrating from the
// store on a cold start and falling back to a zero state
func (ma *MetricsAggregator) current(ctx context.Context, serviceID string) *models.HealthMetrics {
	if m, ok := ma.state.Metrics(serviceID); ok {
		return m
	}

	m, err := ma.store.GetMetrics(ctx, serviceID)
	if err == nil {
		return m
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to load metrics, starting from zero state",
			logger.ServiceID(serviceID),
			logger.Err(err),
		)
	}
	return &models.HealthMetrics{
		ServiceID:     serviceID,
		CurrentStatus: models.StatusUnknown,
	}
}

// UpdateMetrics applies one result. Callers serialise calls per service.
func (ma *MetricsAggregator) UpdateMetrics(ctx context.Context, serviceID string, result *models.HealthCheckResult) *models.HealthMetrics {
	m := ma.current(ctx, serviceID)
	ts := result.Timestamp

	prevTotal := float64(m.TotalChecks)
	m.TotalChecks++
	if result.Healthy() {
		m.SuccessfulChecks++
		m.LastHealthyAt = &ts
		m.ConsecutiveFailures = 0
	} else {
		m.FailedChecks++
		m.LastUnhealthyAt = &ts
		m.ConsecutiveFailures++
	}

	m.Uptime = float64(m.SuccessfulChecks) / float64(m.TotalChecks) * 100
	m.AverageResponseTime = (m.AverageResponseTime*prevTotal + result.ResponseTime) / (prevTotal + 1)
	m.LastCheckAt = &ts
	m.CurrentStatus = result.Status
	m.UpdatedAt = ma.now()

	ma.state.SetMetrics(m)

	if err := ma.store.UpsertMetrics(ctx, m); err != nil {
		logger.Error("Failed to persist metrics",
			logger.ServiceID(serviceID),
			logger.Err(err),
		)
	}
	if err := ma.cache.Del(ctx, metricsCacheKey(serviceID)); err != nil {
		logger.Warn("Failed to invalidate metrics cache",
			logger.ServiceID(serviceID),
			logger.Err(err),
		)
	}

	return m
}

// GetMetrics returns running metrics, or store.ErrNotFound when the service
// has never been checked
func (ma *MetricsAggregator) GetMetrics(ctx context.Context, serviceID string) (*models.HealthMetrics, error) {
	if m, ok := ma.state.Metrics(serviceID); ok {
		return m, nil
	}
	m, err := ma.store.GetMetrics(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	ma.state.SetMetrics(m)
	return m, nil
}

// Forget drops a service's metrics from memory and the store
func (ma *MetricsAggregator) Forget(ctx context.Context, serviceID string) error {
	ma.state.ForgetMetrics(serviceID)
	if err := ma.cache.Del(ctx, metricsCacheKey(serviceID)); err != nil {
		logger.Warn("Failed to invalidate metrics cache", logger.ServiceID(serviceID), logger.Err(err))
	}
	return ma.store.DeleteMetrics(ctx, serviceID)
}
