package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"health-monitor/internal/metrics"
	"health-monitor/internal/store"
	"health-monitor/pkg/cache"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"
	"health-monitor/pkg/notify"
	"health-monitor/pkg/queue"

	"github.com/google/uuid"
)

// Severity policy
const (
	CriticalResponseTimeMultiplier      = 2.0
	CriticalUptimeFraction              = 0.5
	CriticalErrorRateMultiplier         = 2.0
	ConsecutiveFailureErrorThreshold    = 3
	ConsecutiveFailureCriticalThreshold = 5
)

const notificationTimeout = 30 * time.Second

var ErrInvalidAlert = errors.New("invalid alert")

// EvaluateThresholds returns the alerts a check result and the updated
// metrics should raise. Rules are independent; a threshold <= 0 disables its
// rule. The returned alerts carry no ID or timestamp yet.
func EvaluateThresholds(serviceID string, th models.Thresholds, result *models.HealthCheckResult, m *models.HealthMetrics) []*models.Alert {
	var alerts []*models.Alert

	if th.ResponseTime > 0 && result.ResponseTime > th.ResponseTime {
		sev := models.SeverityWarning
		if result.ResponseTime > th.ResponseTime*CriticalResponseTimeMultiplier {
			sev = models.SeverityCritical
		}
		alerts = append(alerts, &models.Alert{
			ServiceID: serviceID,
			Type:      models.AlertTypePerformance,
			Severity:  sev,
			Title:     "High Response Time",
			Message:   fmt.Sprintf("Response time %.0fms exceeds threshold %.0fms", result.ResponseTime, th.ResponseTime),
			Metadata: map[string]interface{}{
				"responseTime": result.ResponseTime,
				"threshold":    th.ResponseTime,
				"checkId":      result.ID,
			},
		})
	}

	if th.Uptime > 0 && m.Uptime < th.Uptime {
		sev := models.SeverityWarning
		if m.Uptime < th.Uptime*CriticalUptimeFraction {
			sev = models.SeverityCritical
		}
		alerts = append(alerts, &models.Alert{
			ServiceID: serviceID,
			Type:      models.AlertTypeAvailability,
			Severity:  sev,
			Title:     "Low Uptime",
			Message:   fmt.Sprintf("Uptime %.2f%% is below threshold %.2f%%", m.Uptime, th.Uptime),
			Metadata: map[string]interface{}{
				"uptime":    m.Uptime,
				"threshold": th.Uptime,
			},
		})
	}

	errorRate := m.ErrorRate()
	if th.ErrorRate > 0 && errorRate > th.ErrorRate {
		sev := models.SeverityWarning
		if errorRate > th.ErrorRate*CriticalErrorRateMultiplier {
			sev = models.SeverityCritical
		}
		alerts = append(alerts, &models.Alert{
			ServiceID: serviceID,
			Type:      models.AlertTypeError,
			Severity:  sev,
			Title:     "High Error Rate",
			Message:   fmt.Sprintf("Error rate %.2f%% exceeds threshold %.2f%%", errorRate, th.ErrorRate),
			Metadata: map[string]interface{}{
				"errorRate":    errorRate,
				"threshold":    th.ErrorRate,
				"failedChecks": m.FailedChecks,
				"totalChecks":  m.TotalChecks,
			},
		})
	}

	if m.ConsecutiveFailures >= ConsecutiveFailureErrorThreshold {
		sev := models.SeverityError
		if m.ConsecutiveFailures >= ConsecutiveFailureCriticalThreshold {
			sev = models.SeverityCritical
		}
		alerts = append(alerts, &models.Alert{
			ServiceID: serviceID,
			Type:      models.AlertTypeAvailability,
			Severity:  sev,
			Title:     "Consecutive Failures",
			Message:   fmt.Sprintf("%d consecutive health check failures", m.ConsecutiveFailures),
			Metadata: map[string]interface{}{
				"consecutiveFailures": m.ConsecutiveFailures,
				"lastError":           result.Error,
			},
		})
	}

	return alerts
}

// AlertHub fans new alerts out to live subscribers
type AlertHub struct {
	mu   sync.RWMutex
	subs map[chan *models.Alert]struct{}
}

func NewAlertHub() *AlertHub {
	return &AlertHub{subs: make(map[chan *models.Alert]struct{})}
}

// Subscribe returns a buffered alert channel and a func that closes it
func (h *AlertHub) Subscribe() (<-chan *models.Alert, func()) {
	ch := make(chan *models.Alert, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish never blocks; slow subscribers miss alerts
func (h *AlertHub) Publish(alert *models.Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- alert:
		default:
		}
	}
}

// NotificationJob is the queue payload for alert delivery
type NotificationJob struct {
	AlertID string `json:"alertId"`
}

type AlertManager struct {
	store       store.Store
	cache       cache.Cache
	queue       queue.Queue
	notifier    notify.Notifier
	hub         *AlertHub
	dedupWindow time.Duration
	cacheTTL    time.Duration
	now         func() time.Time
	wg          sync.WaitGroup
}

type AlertManagerOptions struct {
	Queue       queue.Queue     // nil dispatches in a goroutine
	Notifier    notify.Notifier // nil disables delivery
	Hub         *AlertHub
	DedupWindow time.Duration
	CacheTTL    time.Duration
}

func NewAlertManager(st store.Store, c cache.Cache, opts AlertManagerOptions) *AlertManager {
	hub := opts.Hub
	if hub == nil {
		hub = NewAlertHub()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AlertManager{
		store:       st,
		cache:       c,
		queue:       opts.Queue,
		notifier:    opts.Notifier,
		hub:         hub,
		dedupWindow: opts.DedupWindow,
		cacheTTL:    ttl,
		now:         time.Now,
	}
}

func (am *AlertManager) Hub() *AlertHub {
	return am.hub
}

// CheckThresholds evaluates the rules and raises every alert that fires
func (am *AlertManager) CheckThresholds(ctx context.Context, serviceID string, th models.Thresholds, result *models.HealthCheckResult, m *models.HealthMetrics) []*models.Alert {
	var created []*models.Alert
	for _, draft := range EvaluateThresholds(serviceID, th, result, m) {
		alert, err := am.CreateAlert(ctx, draft)
		if err != nil {
			logger.Error("Failed to create threshold alert",
				logger.ServiceID(serviceID),
				logger.String("title", draft.Title),
				logger.Err(err),
			)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}
	return created
}

// CreateAlert persists an alert, publishes it to live subscribers and hands
// it off for notification. A nil alert with nil error means it was
// suppressed as a duplicate.
func (am *AlertManager) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	if alert.ServiceID == "" || alert.Title == "" {
		return nil, fmt.Errorf("%w: serviceId and title are required", ErrInvalidAlert)
	}
	if !alert.Severity.Valid() {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidAlert, alert.Severity)
	}
	switch alert.Type {
	case models.AlertTypePerformance, models.AlertTypeAvailability, models.AlertTypeError:
	default:
		return nil, fmt.Errorf("%w: type %q", ErrInvalidAlert, alert.Type)
	}

	if am.duplicate(ctx, alert) {
		logger.Debug("Suppressing duplicate alert",
			logger.ServiceID(alert.ServiceID),
			logger.String("title", alert.Title),
		)
		return nil, nil
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.now()
	}

	if err := am.store.InsertAlert(ctx, alert); err != nil {
		return nil, err
	}

	metrics.RecordAlert(string(alert.Type), string(alert.Severity))
	logger.Info("Alert raised",
		logger.AlertID(alert.ID),
		logger.ServiceID(alert.ServiceID),
		logger.String("type", string(alert.Type)),
		logger.String("severity", string(alert.Severity)),
		logger.String("title", alert.Title),
	)

	am.invalidate(ctx)
	am.hub.Publish(alert)
	am.scheduleNotification(ctx, alert)

	return alert, nil
}

func (am *AlertManager) duplicate(ctx context.Context, alert *models.Alert) bool {
	if am.dedupWindow <= 0 {
		return false
	}
	resolved := false
	existing, err := am.store.QueryAlerts(ctx, models.AlertFilter{
		ServiceID: alert.ServiceID,
		Type:      alert.Type,
		Resolved:  &resolved,
		Since:     am.now().Add(-am.dedupWindow),
	})
	if err != nil {
		return false
	}
	for _, a := range existing {
		if a.Title == alert.Title {
			return true
		}
	}
	return false
}

func notificationPriority(s models.Severity) uint8 {
	switch s {
	case models.SeverityCritical:
		return 9
	case models.SeverityError:
		return 6
	case models.SeverityWarning:
		return 3
	default:
		return 1
	}
}

func (am *AlertManager) scheduleNotification(ctx context.Context, alert *models.Alert) {
	if am.notifier == nil {
		return
	}

	if am.queue != nil {
		err := am.queue.Add(ctx, queue.TaskSendNotification, NotificationJob{AlertID: alert.ID}, queue.Options{
			Priority: notificationPriority(alert.Severity),
		})
		if err == nil {
			return
		}
		logger.Warn("Failed to enqueue alert notification, sending directly",
			logger.AlertID(alert.ID),
			logger.Err(err),
		)
	}

	a := *alert
	am.wg.Add(1)
	go func() {
		defer am.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notificationTimeout)
		defer cancel()
		_ = am.deliver(ctx, &a)
	}()
}

// HandleNotificationJob is the queue handler for send-alert-notification
func (am *AlertManager) HandleNotificationJob(ctx context.Context, payload json.RawMessage) error {
	var job NotificationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode notification job: %w", err)
	}
	alert, err := am.store.GetAlert(ctx, job.AlertID)
	if err != nil {
		return fmt.Errorf("failed to load alert %s: %w", job.AlertID, err)
	}
	return am.deliver(ctx, alert)
}

// deliver sends once; failures are logged and counted, never retried
func (am *AlertManager) deliver(ctx context.Context, alert *models.Alert) error {
	if am.notifier == nil {
		return nil
	}
	err := am.notifier.Send(ctx, alert)
	metrics.RecordNotification(channelName(am.notifier), err)
	if err != nil {
		logger.Error("Alert notification failed",
			logger.AlertID(alert.ID),
			logger.ServiceID(alert.ServiceID),
			logger.Err(err),
		)
	}
	return err
}

func channelName(n notify.Notifier) string {
	switch n.(type) {
	case *notify.Webhook:
		return "webhook"
	case *notify.Email:
		return "email"
	case notify.Multi:
		return "multi"
	default:
		return strings.ToLower(fmt.Sprintf("%T", n))
	}
}

// Wait blocks until directly dispatched notifications have finished
func (am *AlertManager) Wait() {
	am.wg.Wait()
}

func (am *AlertManager) invalidate(ctx context.Context) {
	if err := am.cache.InvalidatePattern(ctx, "alerts:*"); err != nil {
		logger.Warn("Failed to invalidate alert cache", logger.Err(err))
	}
	if err := am.cache.Del(ctx, overviewCacheKey); err != nil {
		logger.Warn("Failed to invalidate overview cache", logger.Err(err))
	}
}

func (am *AlertManager) Get(ctx context.Context, id string) (*models.Alert, error) {
	return am.store.GetAlert(ctx, id)
}

func (am *AlertManager) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var alerts []*models.Alert
	err := am.cache.GetOrSet(ctx, "alerts:"+filter.CacheKey(), am.cacheTTL, &alerts, func(ctx context.Context) (interface{}, error) {
		list, err := am.store.QueryAlerts(ctx, filter)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []*models.Alert{}
		}
		return list, nil
	})
	return alerts, err
}

func (am *AlertManager) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	alert, err := am.store.AcknowledgeAlert(ctx, id, by)
	if err != nil {
		return nil, err
	}
	am.invalidate(ctx)
	logger.Info("Alert acknowledged", logger.AlertID(id), logger.String("by", by))
	return alert, nil
}

func (am *AlertManager) Resolve(ctx context.Context, id, by string) (*models.Alert, error) {
	alert, err := am.store.ResolveAlert(ctx, id, by)
	if err != nil {
		return nil, err
	}
	am.invalidate(ctx)
	logger.Info("Alert resolved", logger.AlertID(id), logger.String("by", by))
	return alert, nil
}
