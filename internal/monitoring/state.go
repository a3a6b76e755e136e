package monitoring

import (
	"context"
	"sort"
	"sync"

	"health-monitor/pkg/models"
)

// ServiceState holds the process-local view of every monitored service: the
// latest running metrics, the cancel funcs of active monitoring loops and a
// mutex per service that serialises check processing. It is rebuilt from the
// store after a restart.
type ServiceState struct {
	mu       sync.Mutex
	metrics  map[string]*models.HealthMetrics
	monitors map[string]context.CancelFunc
	locks    map[string]*sync.Mutex
	scanned  map[string]string
}

func NewServiceState() *ServiceState {
	return &ServiceState{
		metrics:  make(map[string]*models.HealthMetrics),
		monitors: make(map[string]context.CancelFunc),
		locks:    make(map[string]*sync.Mutex),
		scanned:  make(map[string]string),
	}
}

// Lock acquires the per-service mutex and returns its unlock func
func (s *ServiceState) Lock(serviceID string) func() {
	s.mu.Lock()
	l, ok := s.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serviceID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *ServiceState) Metrics(serviceID string) (*models.HealthMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[serviceID]
	if !ok {
		return nil, false
	}
	c := *m
	return &c, true
}

func (s *ServiceState) SetMetrics(m *models.HealthMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.metrics[m.ServiceID] = &c
}

func (s *ServiceState) ForgetMetrics(serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, serviceID)
	delete(s.scanned, serviceID)
}

// SetMonitor records the cancel func for a service's monitoring loops,
// cancelling any loops it replaces
func (s *ServiceState) SetMonitor(serviceID string, cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.monitors[serviceID]
	s.monitors[serviceID] = cancel
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// StopMonitor cancels a service's loops and reports whether any were running
func (s *ServiceState) StopMonitor(serviceID string) bool {
	s.mu.Lock()
	cancel, ok := s.monitors[serviceID]
	delete(s.monitors, serviceID)
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (s *ServiceState) IsMonitored(serviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[serviceID]
	return ok
}

func (s *ServiceState) Monitored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkScanned records the latest check scanned for anomalies and reports
// whether it had not been scanned before
func (s *ServiceState) MarkScanned(serviceID, checkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanned[serviceID] == checkID {
		return false
	}
	s.scanned[serviceID] = checkID
	return true
}
