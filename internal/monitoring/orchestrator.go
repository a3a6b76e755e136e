package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"health-monitor/internal/anomaly"
	"health-monitor/internal/metrics"
	"health-monitor/internal/store"
	"health-monitor/pkg/cache"
	"health-monitor/pkg/config"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"
	"health-monitor/pkg/notify"
	"health-monitor/pkg/queue"

	"github.com/google/uuid"
)

var ErrInvalidService = errors.New("invalid service")

const (
	servicesCacheKey = "services:all"
	overviewCacheKey = "overview"
)

func serviceCacheKey(id string) string {
	return "service:" + id
}

// Archive is the cold storage used for reports and aged check results
type Archive interface {
	StoreReport(ctx context.Context, name string, generatedAt time.Time, report interface{}) error
	ArchiveChecks(ctx context.Context, serviceID string, date time.Time, checks []models.HealthCheckResult) error
	// GetChecks returns archived checks with timestamps in [start, end)
	GetChecks(ctx context.Context, serviceID string, start, end time.Time) ([]models.HealthCheckResult, error)
	DeleteChecks(ctx context.Context, serviceID string, before time.Time) (int, error)
}

// Options carries the optional collaborators of the Orchestrator. Nil fields
// fall back to in-memory implementations or disable the feature.
type Options struct {
	Store    store.Store
	Cache    cache.Cache
	Queue    queue.Queue
	Archive  Archive
	Notifier notify.Notifier
	Probers  map[models.ServiceType]Prober
	Engine   *anomaly.Engine
}

// HealthCheckJob is the queue payload for health-check
type HealthCheckJob struct {
	ServiceID string `json:"serviceId"`
}

type Orchestrator struct {
	config  *config.Config
	store   store.Store
	cache   cache.Cache
	queue   queue.Queue
	archive Archive
	state   *ServiceState
	engine  *anomaly.Engine

	// scanConfig drives RunAnomalyScan
	scanConfig anomaly.Config

	healthChecker *HealthChecker
	aggregator    *MetricsAggregator
	alertManager  *AlertManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewOrchestrator(cfg *config.Config, opts Options) *Orchestrator {
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	probers := opts.Probers
	if probers == nil {
		probers = DefaultProbers(cfg.ProductName, nil)
	}
	engine := opts.Engine
	if engine == nil {
		engine = anomaly.NewEngine()
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := NewServiceState()

	o := &Orchestrator{
		config:  cfg,
		store:   st,
		cache:   c,
		queue:   opts.Queue,
		archive: opts.Archive,
		state:   state,
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,

		scanConfig: anomaly.DefaultConfig(),
	}

	// Initialize components
	o.healthChecker = NewHealthChecker(st, probers)
	o.aggregator = NewMetricsAggregator(state, st, c)
	o.alertManager = NewAlertManager(st, c, AlertManagerOptions{
		Queue:       opts.Queue,
		Notifier:    opts.Notifier,
		DedupWindow: cfg.AlertDedupWindow,
		CacheTTL:    cfg.AlertCacheTTL,
	})

	return o
}

// GetAlertManager returns alert manager
func (o *Orchestrator) GetAlertManager() *AlertManager {
	return o.alertManager
}

// GetAnomalyEngine returns the anomaly detection engine
func (o *Orchestrator) GetAnomalyEngine() *anomaly.Engine {
	return o.engine
}

// RegisterHandlers binds the orchestrator's jobs to a queue
func (o *Orchestrator) RegisterHandlers(q queue.Queue) {
	q.Handle(queue.TaskHealthCheck, o.HandleHealthCheckJob)
	q.Handle(queue.TaskSendNotification, o.alertManager.HandleNotificationJob)
}

// Close stops every monitoring loop and waits for in-flight work
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.alertManager.Wait()
}

func (o *Orchestrator) normalizeService(svc *models.ServiceTarget) error {
	var problems []string

	svc.Name = strings.TrimSpace(svc.Name)
	if svc.Name == "" {
		problems = append(problems, "name is required")
	}
	if !svc.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", svc.Type))
	}
	svc.Endpoint = strings.TrimSpace(svc.Endpoint)
	if svc.Endpoint == "" {
		problems = append(problems, "endpoint is required")
	} else if svc.Type == models.ServiceTypeAPI || svc.Type == models.ServiceTypeOther {
		u, err := url.Parse(svc.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "endpoint must be an http(s) URL")
		}
	}
	if err := svc.Auth.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if svc.Auth.Kind == "" {
		svc.Auth.Kind = models.AuthNone
	}

	if len(svc.Checks) == 0 {
		svc.Checks = []models.CheckConfig{{
			Interval: o.config.DefaultCheckInterval,
			Timeout:  o.config.DefaultCheckTimeout,
			Retries:  o.config.DefaultRetries,
		}}
	}
	for i, c := range svc.Checks {
		if err := c.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("checks[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidService, strings.Join(problems, "; "))
	}
	return nil
}

func (o *Orchestrator) invalidateServices(ctx context.Context) {
	if err := o.cache.InvalidatePattern(ctx, "service*"); err != nil {
		logger.Warn("Failed to invalidate service cache", logger.Err(err))
	}
	if err := o.cache.Del(ctx, overviewCacheKey); err != nil {
		logger.Warn("Failed to invalidate overview cache", logger.Err(err))
	}
}

// CreateService registers a service, schedules its first check and starts
// monitoring when it is enabled
func (o *Orchestrator) CreateService(ctx context.Context, svc *models.ServiceTarget) (*models.ServiceTarget, error) {
	if err := o.normalizeService(svc); err != nil {
		return nil, err
	}

	now := o.now()
	svc.ID = uuid.New().String()
	svc.Status = models.StatusUnknown
	svc.CreatedAt = now
	svc.UpdatedAt = now

	if err := o.store.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	o.invalidateServices(ctx)

	logger.Info("Service registered",
		logger.ServiceID(svc.ID),
		logger.String("name", svc.Name),
		logger.String("type", string(svc.Type)),
	)

	if o.queue != nil {
		err := o.queue.Add(ctx, queue.TaskHealthCheck, HealthCheckJob{ServiceID: svc.ID}, queue.Options{
			Delay: o.config.InitialCheckDelay,
		})
		if err != nil {
			logger.Warn("Failed to schedule initial health check",
				logger.ServiceID(svc.ID),
				logger.Err(err),
			)
		}
	}

	if svc.Enabled {
		o.StartMonitoring(svc)
	}

	return svc, nil
}

func (o *Orchestrator) GetService(ctx context.Context, id string) (*models.ServiceTarget, error) {
	var svc *models.ServiceTarget
	err := o.cache.GetOrSet(ctx, serviceCacheKey(id), o.config.ServiceCacheTTL, &svc, func(ctx context.Context) (interface{}, error) {
		return o.store.GetService(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (o *Orchestrator) ListServices(ctx context.Context) ([]*models.ServiceTarget, error) {
	var services []*models.ServiceTarget
	err := o.cache.GetOrSet(ctx, servicesCacheKey, o.config.ServiceCacheTTL, &services, func(ctx context.Context) (interface{}, error) {
		list, err := o.store.ListServices(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []*models.ServiceTarget{}
		}
		return list, nil
	})
	return services, err
}

// UpdateService replaces a service's definition and restarts its monitoring
func (o *Orchestrator) UpdateService(ctx context.Context, id string, svc *models.ServiceTarget) (*models.ServiceTarget, error) {
	existing, err := o.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.normalizeService(svc); err != nil {
		return nil, err
	}

	svc.ID = existing.ID
	svc.Status = existing.Status
	svc.CreatedAt = existing.CreatedAt
	svc.UpdatedAt = o.now()

	if err := o.store.UpdateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("failed to update service: %w", err)
	}
	o.invalidateServices(ctx)

	o.StopMonitoring(id)
	if svc.Enabled {
		o.StartMonitoring(svc)
	}

	logger.Info("Service updated", logger.ServiceID(id))
	return svc, nil
}

// DeleteService stops monitoring and removes the service with its checks and
// metrics. Alerts are kept.
func (o *Orchestrator) DeleteService(ctx context.Context, id string) error {
	if _, err := o.store.GetService(ctx, id); err != nil {
		return err
	}

	// waits for a check in flight so it cannot write metrics after Forget
	unlock := o.state.Lock(id)
	defer unlock()

	o.StopMonitoring(id)

	if err := o.store.DeleteService(ctx, id); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if err := o.aggregator.Forget(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to delete service metrics", logger.ServiceID(id), logger.Err(err))
	}
	o.invalidateServices(ctx)

	logger.Info("Service deleted", logger.ServiceID(id))
	return nil
}

// PerformHealthCheck runs the service's primary check now
func (o *Orchestrator) PerformHealthCheck(ctx context.Context, serviceID string) (*models.HealthCheckResult, error) {
	svc, err := o.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return o.checkService(ctx, svc, svc.PrimaryCheck())
}

// HandleHealthCheckJob is the queue handler for health-check
func (o *Orchestrator) HandleHealthCheckJob(ctx context.Context, payload json.RawMessage) error {
	var job HealthCheckJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode health check job: %w", err)
	}
	if _, err := o.PerformHealthCheck(ctx, job.ServiceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("Skipping health check for removed service", logger.ServiceID(job.ServiceID))
			return nil
		}
		return err
	}
	return nil
}

// checkService runs probe, aggregation, threshold evaluation and status
// transition for one service while holding its lock. An aborted check leaves
// metrics, alerts and status untouched.
func (o *Orchestrator) checkService(ctx context.Context, svc *models.ServiceTarget, cfg models.CheckConfig) (*models.HealthCheckResult, error) {
	unlock := o.state.Lock(svc.ID)
	defer unlock()

	// the service may have been deleted while this check waited for the lock
	if _, err := o.store.GetService(ctx, svc.ID); err != nil {
		return nil, err
	}

	previous := o.aggregator.current(ctx, svc.ID).CurrentStatus

	result, err := o.healthChecker.PerformHealthCheck(ctx, svc, cfg)
	if err != nil {
		return nil, err
	}
	m := o.aggregator.UpdateMetrics(ctx, svc.ID, result)
	o.alertManager.CheckThresholds(ctx, svc.ID, cfg.Thresholds, result, m)

	if previous == models.StatusHealthy && result.Status == models.StatusUnhealthy {
		_, err := o.alertManager.CreateAlert(ctx, &models.Alert{
			ServiceID: svc.ID,
			Type:      models.AlertTypeAvailability,
			Severity:  models.SeverityError,
			Title:     "Service Down",
			Message:   fmt.Sprintf("%s changed from healthy to unhealthy: %s", svc.Name, result.Error),
			Metadata: map[string]interface{}{
				"previousStatus": previous,
				"currentStatus":  result.Status,
				"checkId":        result.ID,
			},
		})
		if err != nil {
			logger.Error("Failed to raise status change alert", logger.ServiceID(svc.ID), logger.Err(err))
		}
	}

	if svc.Status != result.Status {
		if err := o.store.UpdateServiceStatus(ctx, svc.ID, result.Status); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("Failed to update service status", logger.ServiceID(svc.ID), logger.Err(err))
		}
		svc.Status = result.Status
		o.invalidateServices(ctx)
	}

	logger.Debug("Health check completed",
		logger.ServiceID(svc.ID),
		logger.String("status", string(result.Status)),
		logger.Float64("response_time_ms", result.ResponseTime),
		logger.Int("attempt", result.Attempt),
	)

	return result, nil
}

// StartMonitoring runs one interval loop per check config until stopped
func (o *Orchestrator) StartMonitoring(svc *models.ServiceTarget) {
	loopCtx, cancel := context.WithCancel(o.ctx)
	o.state.SetMonitor(svc.ID, cancel)

	for _, cfg := range svc.Checks {
		o.wg.Add(1)
		go o.monitorLoop(loopCtx, svc.ID, cfg)
	}

	metrics.SetMonitoredServices(len(o.state.Monitored()))
	logger.Info("Monitoring started",
		logger.ServiceID(svc.ID),
		logger.Int("checks", len(svc.Checks)),
	)
}

// StopMonitoring cancels the service's loops. A probe already running is
// allowed to finish.
func (o *Orchestrator) StopMonitoring(serviceID string) bool {
	stopped := o.state.StopMonitor(serviceID)
	if stopped {
		metrics.SetMonitoredServices(len(o.state.Monitored()))
		logger.Info("Monitoring stopped", logger.ServiceID(serviceID))
	}
	return stopped
}

func (o *Orchestrator) IsMonitored(serviceID string) bool {
	return o.state.IsMonitored(serviceID)
}

func (o *Orchestrator) monitorLoop(loopCtx context.Context, serviceID string, cfg models.CheckConfig) {
	defer o.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			// probes run on the orchestrator context so a stop does not
			// abort a check that has already started
			svc, err := o.store.GetService(o.ctx, serviceID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					o.StopMonitoring(serviceID)
					return
				}
				logger.Error("Failed to load service for scheduled check", logger.ServiceID(serviceID), logger.Err(err))
				continue
			}
			if _, err := o.checkService(o.ctx, svc, cfg); errors.Is(err, store.ErrNotFound) {
				return
			} else if err != nil && !errors.Is(err, ErrCheckAborted) {
				logger.Error("Scheduled health check failed", logger.ServiceID(serviceID), logger.Err(err))
			}
		}
	}
}

// StartAll starts monitoring every enabled service, used at boot
func (o *Orchestrator) StartAll(ctx context.Context) error {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	started := 0
	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		o.StartMonitoring(svc)
		started++
	}
	logger.Info("Monitoring rehydrated", logger.Int("services", started))
	return nil
}

// ListHealthChecks returns a service's checks newest first
func (o *Orchestrator) ListHealthChecks(ctx context.Context, serviceID string, since time.Time, limit int) ([]*models.HealthCheckResult, error) {
	if _, err := o.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	return o.store.ListHealthChecks(ctx, serviceID, since, limit)
}

// GetServiceMetrics returns the running metrics, or a zero state with status
// unknown for a service that has not been checked yet
func (o *Orchestrator) GetServiceMetrics(ctx context.Context, serviceID string) (*models.HealthMetrics, error) {
	if _, err := o.GetService(ctx, serviceID); err != nil {
		return nil, err
	}

	var m *models.HealthMetrics
	err := o.cache.GetOrSet(ctx, metricsCacheKey(serviceID), o.config.MetricsCacheTTL, &m, func(ctx context.Context) (interface{}, error) {
		return o.aggregator.GetMetrics(ctx, serviceID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return &models.HealthMetrics{ServiceID: serviceID, CurrentStatus: models.StatusUnknown}, nil
	}
	return m, err
}
