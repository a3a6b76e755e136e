package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"health-monitor/pkg/models"
)

// Memory is a process-local Store. Values are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	services map[string]*models.ServiceTarget
	checks   map[string][]*models.HealthCheckResult
	metrics  map[string]*models.HealthMetrics
	alerts   map[string]*models.Alert
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]*models.ServiceTarget),
		checks:   make(map[string][]*models.HealthCheckResult),
		metrics:  make(map[string]*models.HealthMetrics),
		alerts:   make(map[string]*models.Alert),
		now:      time.Now,
	}
}

func copyService(s *models.ServiceTarget) *models.ServiceTarget {
	c := *s
	c.Checks = append([]models.CheckConfig(nil), s.Checks...)
	return &c
}

func copyAlert(a *models.Alert) *models.Alert {
	c := *a
	return &c
}

func (m *Memory) CreateService(ctx context.Context, svc *models.ServiceTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = copyService(svc)
	return nil
}

func (m *Memory) GetService(ctx context.Context, id string) (*models.ServiceTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyService(s), nil
}

func (m *Memory) ListServices(ctx context.Context) ([]*models.ServiceTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ServiceTarget, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, copyService(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateService(ctx context.Context, svc *models.ServiceTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[svc.ID]; !ok {
		return ErrNotFound
	}
	m.services[svc.ID] = copyService(svc)
	return nil
}

func (m *Memory) UpdateServiceStatus(ctx context.Context, id string, status models.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = m.now()
	return nil
}

func (m *Memory) DeleteService(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id]; !ok {
		return ErrNotFound
	}
	delete(m.services, id)
	delete(m.checks, id)
	return nil
}

func (m *Memory) InsertHealthCheck(ctx context.Context, result *models.HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *result
	m.checks[result.ServiceID] = append(m.checks[result.ServiceID], &c)
	return nil
}

func (m *Memory) ListHealthChecks(ctx context.Context, serviceID string, since time.Time, limit int) ([]*models.HealthCheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.HealthCheckResult
	for _, check := range m.checks[serviceID] {
		if !since.IsZero() && check.Timestamp.Before(since) {
			continue
		}
		c := *check
		out = append(out, &c)
	}
	// restored checks can arrive out of order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteHealthChecksBefore(ctx context.Context, serviceID string, before time.Time) ([]*models.HealthCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept, removed []*models.HealthCheckResult
	for _, c := range m.checks[serviceID] {
		if c.Timestamp.Before(before) {
			removed = append(removed, c)
		} else {
			kept = append(kept, c)
		}
	}
	m.checks[serviceID] = kept
	return removed, nil
}

func (m *Memory) UpsertMetrics(ctx context.Context, metrics *models.HealthMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *metrics
	m.metrics[metrics.ServiceID] = &c
	return nil
}

func (m *Memory) GetMetrics(ctx context.Context, serviceID string) (*models.HealthMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.metrics[serviceID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *mt
	return &c, nil
}

func (m *Memory) ListMetrics(ctx context.Context) ([]*models.HealthMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.HealthMetrics, 0, len(m.metrics))
	for _, mt := range m.metrics {
		c := *mt
		out = append(out, &c)
	}
	return out, nil
}

func (m *Memory) DeleteMetrics(ctx context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, serviceID)
	return nil
}

func (m *Memory) InsertAlert(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func (m *Memory) QueryAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Alert
	for _, a := range m.alerts {
		if filter.Matches(a) {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = &by
	return copyAlert(a), nil
}

func (m *Memory) ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now
	a.ResolvedBy = &by
	return copyAlert(a), nil
}
