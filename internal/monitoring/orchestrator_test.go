package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"health-monitor/internal/anomaly"
	"health-monitor/internal/store"
	"health-monitor/pkg/cache"
	"health-monitor/pkg/config"
	"health-monitor/pkg/models"
	"health-monitor/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ProductName:          "Test",
		DefaultCheckInterval: time.Minute,
		DefaultCheckTimeout:  time.Second,
		DefaultRetries:       1,
		InitialCheckDelay:    10 * time.Millisecond,
		ServiceCacheTTL:      5 * time.Minute,
		AlertCacheTTL:        time.Minute,
		MetricsCacheTTL:      time.Minute,
		CheckRetention:       7 * 24 * time.Hour,
		AnomalyWindow:        24 * time.Hour,
	}
}

type fakeArchive struct {
	mu      sync.Mutex
	reports []string
	batches map[string][]models.HealthCheckResult
	err     error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{batches: make(map[string][]models.HealthCheckResult)}
}

func (a *fakeArchive) StoreReport(ctx context.Context, name string, generatedAt time.Time, report interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, name)
	return a.err
}

func (a *fakeArchive) ArchiveChecks(ctx context.Context, serviceID string, date time.Time, checks []models.HealthCheckResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.batches[serviceID+"/"+date.Format("2006-01-02")] = checks
	return nil
}

func (a *fakeArchive) GetChecks(ctx context.Context, serviceID string, start, end time.Time) ([]models.HealthCheckResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	var out []models.HealthCheckResult
	for key, checks := range a.batches {
		if !strings.HasPrefix(key, serviceID+"/") {
			continue
		}
		for _, c := range checks {
			if !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (a *fakeArchive) DeleteChecks(ctx context.Context, serviceID string, before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for key := range a.batches {
		id, date, ok := strings.Cut(key, "/")
		if !ok || id != serviceID {
			continue
		}
		day, err := time.Parse("2006-01-02", date)
		if err == nil && !day.AddDate(0, 0, 1).After(before) {
			delete(a.batches, key)
			n++
		}
	}
	return n, nil
}

func newTestOrchestrator(t *testing.T, p Prober, opts Options) *Orchestrator {
	t.Helper()
	if opts.Probers == nil {
		opts.Probers = map[models.ServiceType]Prober{models.ServiceTypeAPI: p}
	}
	o := NewOrchestrator(testConfig(), opts)
	o.healthChecker.sleep = (&recordingSleeper{}).sleep
	t.Cleanup(o.Close)
	return o
}

func newAPIService(thresholds models.Thresholds) *models.ServiceTarget {
	return &models.ServiceTarget{
		Name:     "checkout",
		Type:     models.ServiceTypeAPI,
		Endpoint: "https://checkout.example.test",
		Checks: []models.CheckConfig{{
			Interval:   time.Hour,
			Timeout:    time.Second,
			Retries:    1,
			Thresholds: thresholds,
		}},
	}
}

func countAlerts(alerts []*models.Alert, title string, sev models.Severity) int {
	n := 0
	for _, a := range alerts {
		if a.Title == title && (sev == "" || a.Severity == sev) {
			n++
		}
	}
	return n
}

func TestEndToEnd_InterleavedFailures(t *testing.T) {
	h, u := healthy(), unhealthy()
	p := &scriptedProber{outcomes: []ProbeOutcome{h, h, u, h, h, u, h, h, h, h}}
	o := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{ResponseTime: 200, ErrorRate: 5, Uptime: 99}))
	require.NoError(t, err)

	for iter := 0; iter < 10; iter++ {
		_, err := o.PerformHealthCheck(ctx, svc.ID)
		require.NoError(t, err)
	}

	m, err := o.GetServiceMetrics(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.TotalChecks)
	assert.Equal(t, int64(8), m.SuccessfulChecks)
	assert.Equal(t, int64(2), m.FailedChecks)
	assert.InDelta(t, 80.0, m.Uptime, 1e-9)
	assert.Equal(t, int64(0), m.ConsecutiveFailures)
	assert.Equal(t, models.StatusHealthy, m.CurrentStatus)

	alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID, Type: models.AlertTypeAvailability})
	require.NoError(t, err)
	assert.Equal(t, 2, countAlerts(alerts, "Service Down", models.SeverityError))
	assert.Positive(t, countAlerts(alerts, "Low Uptime", models.SeverityWarning))
	assert.Zero(t, countAlerts(alerts, "Low Uptime", models.SeverityCritical))

	perf, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID, Type: models.AlertTypePerformance})
	require.NoError(t, err)
	assert.Empty(t, perf)

	checks, err := o.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, checks, 10)
}

func TestStatusTransition_OnlyFromHealthy(t *testing.T) {
	h, u := healthy(), unhealthy()
	p := &scriptedProber{outcomes: []ProbeOutcome{u, h, u, u}}
	o := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)

	down := func() int {
		alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID})
		require.NoError(t, err)
		return countAlerts(alerts, "Service Down", "")
	}

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)
	assert.Zero(t, down(), "unknown to unhealthy is not a transition")

	got, err := o.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnhealthy, got.Status)

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)
	assert.Zero(t, down())

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, down())

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, down(), "a second failing check is not a new transition")

	got, err = o.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnhealthy, got.Status)
}

// slowProber answers healthy after delay unless ctx ends first
type slowProber struct{ delay time.Duration }

func (p slowProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	select {
	case <-ctx.Done():
		return ProbeOutcome{Err: ctx.Err()}
	case <-time.After(p.delay):
		return healthy()
	}
}

func TestPerformHealthCheck_CallerGivesUp(t *testing.T) {
	o := newTestOrchestrator(t, slowProber{delay: 50 * time.Millisecond}, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{Uptime: 99}))
	require.NoError(t, err)

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)

	o.healthChecker.probers[models.ServiceTypeAPI] = slowProber{delay: 200 * time.Millisecond}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	result, err := o.PerformHealthCheck(short, svc.ID)
	require.ErrorIs(t, err, ErrCheckAborted)
	assert.Nil(t, result)

	m, err := o.GetServiceMetrics(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TotalChecks)
	assert.Zero(t, m.FailedChecks)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Equal(t, models.StatusHealthy, m.CurrentStatus)

	alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	got, err := o.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, got.Status)

	checks, err := o.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

// gatedProber signals when a probe starts and answers healthy once released
type gatedProber struct {
	entered chan struct{}
	release chan struct{}
}

func (p gatedProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	p.entered <- struct{}{}
	<-p.release
	return healthy()
}

func TestDeleteService_WaitsForCheckInFlight(t *testing.T) {
	p := gatedProber{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)

	checkDone := make(chan error, 1)
	go func() {
		_, err := o.PerformHealthCheck(ctx, svc.ID)
		checkDone <- err
	}()
	<-p.entered

	deleteDone := make(chan error, 1)
	go func() { deleteDone <- o.DeleteService(ctx, svc.ID) }()

	select {
	case <-deleteDone:
		t.Fatal("delete finished while a check was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-checkDone)
	require.NoError(t, <-deleteDone)

	_, err = o.store.GetMetrics(ctx, svc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	all, err := o.store.ListMetrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = o.PerformHealthCheck(ctx, svc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetricsAggregator_IncrementalMatchesDirect(t *testing.T) {
	st := store.NewMemory()
	agg := NewMetricsAggregator(NewServiceState(), st, cache.NewMemory())
	ctx := context.Background()

	rts := []float64{120, 80, 310}
	statuses := []models.HealthStatus{models.StatusHealthy, models.StatusUnhealthy, models.StatusHealthy}

	var m *models.HealthMetrics
	for i := range rts {
		m = agg.UpdateMetrics(ctx, "svc-1", &models.HealthCheckResult{
			ServiceID:    "svc-1",
			Status:       statuses[i],
			ResponseTime: rts[i],
			Timestamp:    time.Now(),
		})
	}

	assert.InDelta(t, (120.0+80+310)/3, m.AverageResponseTime, 1e-9)
	assert.InDelta(t, 2.0/3*100, m.Uptime, 1e-9)
	require.NotNil(t, m.LastHealthyAt)
	require.NotNil(t, m.LastUnhealthyAt)

	persisted, err := st.GetMetrics(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, m.TotalChecks, persisted.TotalChecks)
}

func TestMetricsAggregator_Invariants(t *testing.T) {
	agg := NewMetricsAggregator(NewServiceState(), store.NewMemory(), cache.NewMemory())
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(7))

	var streak int64
	for iter := 0; iter < 200; iter++ {
		status := models.StatusHealthy
		if rnd.Intn(3) == 0 {
			status = models.StatusUnhealthy
		}
		m := agg.UpdateMetrics(ctx, "svc-1", &models.HealthCheckResult{
			ServiceID:    "svc-1",
			Status:       status,
			ResponseTime: rnd.Float64() * 500,
			Timestamp:    time.Now(),
		})

		if status == models.StatusHealthy {
			streak = 0
		} else {
			streak++
		}
		require.Equal(t, m.TotalChecks, m.SuccessfulChecks+m.FailedChecks)
		require.Equal(t, streak, m.ConsecutiveFailures)
		require.InDelta(t, float64(m.SuccessfulChecks)/float64(m.TotalChecks)*100, m.Uptime, 1e-9)
	}
}

func TestMetricsAggregator_RehydratesFromStore(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertMetrics(ctx, &models.HealthMetrics{
		ServiceID:           "svc-1",
		TotalChecks:         4,
		SuccessfulChecks:    4,
		Uptime:              100,
		AverageResponseTime: 100,
		CurrentStatus:       models.StatusHealthy,
	}))

	agg := NewMetricsAggregator(NewServiceState(), st, cache.NewMemory())
	m := agg.UpdateMetrics(ctx, "svc-1", &models.HealthCheckResult{
		ServiceID:    "svc-1",
		Status:       models.StatusUnhealthy,
		ResponseTime: 600,
		Timestamp:    time.Now(),
	})

	assert.Equal(t, int64(5), m.TotalChecks)
	assert.InDelta(t, 80.0, m.Uptime, 1e-9)
	assert.InDelta(t, 200.0, m.AverageResponseTime, 1e-9)
	assert.Equal(t, int64(1), m.ConsecutiveFailures)
}

func TestServiceRegistry(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{})
	ctx := context.Background()

	_, err := o.CreateService(ctx, &models.ServiceTarget{Type: models.ServiceTypeAPI, Endpoint: "https://x.test"})
	assert.ErrorIs(t, err, ErrInvalidService)

	_, err = o.CreateService(ctx, &models.ServiceTarget{Name: "x", Type: models.ServiceTypeAPI, Endpoint: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidService)

	_, err = o.CreateService(ctx, &models.ServiceTarget{Name: "x", Type: "queue", Endpoint: "https://x.test"})
	assert.ErrorIs(t, err, ErrInvalidService)

	_, err = o.CreateService(ctx, &models.ServiceTarget{
		Name: "x", Type: models.ServiceTypeAPI, Endpoint: "https://x.test",
		Auth: models.Auth{Kind: models.AuthBearer},
	})
	assert.ErrorIs(t, err, ErrInvalidService)

	svc, err := o.CreateService(ctx, &models.ServiceTarget{Name: " inventory ", Type: models.ServiceTypeAPI, Endpoint: "https://inventory.test"})
	require.NoError(t, err)
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, "inventory", svc.Name)
	assert.Equal(t, models.StatusUnknown, svc.Status)
	assert.Equal(t, models.AuthNone, svc.Auth.Kind)
	require.Len(t, svc.Checks, 1)
	assert.Equal(t, time.Minute, svc.Checks[0].Interval)

	list, err := o.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	update := newAPIService(models.Thresholds{ResponseTime: 500})
	update.Name = "inventory-v2"
	updated, err := o.UpdateService(ctx, svc.ID, update)
	require.NoError(t, err)
	assert.Equal(t, svc.CreatedAt, updated.CreatedAt)

	got, err := o.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "inventory-v2", got.Name)

	_, err = o.UpdateService(ctx, "missing", newAPIService(models.Thresholds{}))
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := o.GetServiceMetrics(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnknown, m.CurrentStatus)
	assert.Zero(t, m.TotalChecks)

	alert, err := o.GetAlertManager().CreateAlert(ctx, &models.Alert{
		ServiceID: svc.ID, Type: models.AlertTypeError, Severity: models.SeverityInfo, Title: "manual",
	})
	require.NoError(t, err)

	require.NoError(t, o.DeleteService(ctx, svc.ID))
	_, err = o.GetService(ctx, svc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, o.DeleteService(ctx, svc.ID), store.ErrNotFound)
	_, err = o.PerformHealthCheck(ctx, svc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = o.GetAlertManager().Get(ctx, alert.ID)
	assert.NoError(t, err, "alerts outlive their service")
}

func TestCreateService_SchedulesInitialCheck(t *testing.T) {
	p := &scriptedProber{outcomes: []ProbeOutcome{healthy()}}
	q := queue.NewLocal()
	o := newTestOrchestrator(t, p, Options{Queue: q})
	o.RegisterHandlers(q)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Close() })

	svc, err := o.CreateService(context.Background(), newAPIService(models.Thresholds{}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return p.Calls() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		got, err := o.store.GetService(context.Background(), svc.ID)
		return err == nil && got.Status == models.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitoringLoop(t *testing.T) {
	p := &scriptedProber{outcomes: []ProbeOutcome{healthy()}}
	o := newTestOrchestrator(t, p, Options{})

	def := newAPIService(models.Thresholds{})
	def.Enabled = true
	def.Checks[0].Interval = 20 * time.Millisecond

	svc, err := o.CreateService(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, o.IsMonitored(svc.ID))

	assert.Eventually(t, func() bool { return p.Calls() >= 2 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, o.StopMonitoring(svc.ID))
	assert.False(t, o.IsMonitored(svc.ID))
	assert.False(t, o.StopMonitoring(svc.ID))
}

func TestPerformanceScore(t *testing.T) {
	tests := []struct {
		availability, responseTime, errorRate float64
		want                                  float64
	}{
		{100, 100, 0, 100},
		{99.9, 200, 0.1, 100},
		{99.5, 100, 0, 96},
		{98, 100, 0, 61},
		{100, 250, 0, 95},
		{100, 900, 0, 70},
		{100, 100, 0.2, 80},
		{100, 100, 2, 60},
		{50, 5000, 50, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v/%v", tt.availability, tt.responseTime, tt.errorRate), func(t *testing.T) {
			assert.InDelta(t, tt.want, PerformanceScore(tt.availability, tt.responseTime, tt.errorRate), 1e-9)
		})
	}
}

func TestPercentile(t *testing.T) {
	var values []float64
	for i := 1; i <= 20; i++ {
		values = append(values, float64(i))
	}
	assert.Equal(t, 19.0, percentile(values, 0.95))
	assert.Equal(t, 1.0, percentile(values[:1], 0.95))
	assert.Zero(t, percentile(nil, 0.95))
}

func TestGenerateHealthReport(t *testing.T) {
	h, u := healthy(), unhealthy()
	p := &scriptedProber{outcomes: []ProbeOutcome{h, u, h, u}}
	archive := newFakeArchive()
	o := newTestOrchestrator(t, p, Options{Archive: archive})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	idle, err := o.CreateService(ctx, &models.ServiceTarget{Name: "idle", Type: models.ServiceTypeAPI, Endpoint: "https://idle.test"})
	require.NoError(t, err)

	for iter := 0; iter < 4; iter++ {
		_, err := o.PerformHealthCheck(ctx, svc.ID)
		require.NoError(t, err)
	}

	report, err := o.GenerateHealthReport(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 24, report.PeriodHours)
	assert.Equal(t, 2, report.Summary.TotalServices)
	assert.Equal(t, 1, report.Summary.UnhealthyServices)
	assert.Equal(t, 1, report.Summary.UnknownServices)
	require.Len(t, report.Services, 2)

	byID := map[string]ServiceReport{}
	for _, sr := range report.Services {
		byID[sr.ServiceID] = sr
	}
	sr := byID[svc.ID]
	assert.Equal(t, 4, sr.TotalChecks)
	assert.InDelta(t, 50.0, sr.Availability, 1e-9)
	assert.InDelta(t, 50.0, sr.ErrorRate, 1e-9)
	assert.Zero(t, sr.PerformanceScore)
	assert.Zero(t, byID[idle.ID].TotalChecks)

	types := map[string]string{}
	for _, rec := range report.Recommendations {
		assert.Equal(t, svc.ID, rec.ServiceID)
		types[rec.Type] = rec.Priority
	}
	assert.Equal(t, "high", types["improve_availability"])
	assert.Equal(t, "high", types["reduce_error_rate"])
	assert.NotContains(t, types, "optimize_performance")

	assert.Len(t, archive.reports, 1)
}

func TestRecommendations(t *testing.T) {
	recs := recommendationsFor(ServiceReport{
		ServiceID:           "svc-1",
		Name:                "slow",
		TotalChecks:         100,
		Availability:        100,
		AverageResponseTime: 1500,
		AlertCount:          11,
	})
	require.Len(t, recs, 2)
	assert.Equal(t, "optimize_performance", recs[0].Type)
	assert.Equal(t, "medium", recs[0].Priority)
	assert.Equal(t, "review_alert_thresholds", recs[1].Type)

	assert.Empty(t, recommendationsFor(ServiceReport{ServiceID: "svc-2", Name: "new"}))
}

func TestSystemOverview(t *testing.T) {
	p := &scriptedProber{outcomes: []ProbeOutcome{unhealthy()}}
	o := newTestOrchestrator(t, p, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{Uptime: 99}))
	require.NoError(t, err)
	_, err = o.PerformHealthCheck(ctx, svc.ID)
	require.NoError(t, err)

	ov, err := o.GetSystemOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ov.TotalServices)
	assert.Equal(t, 1, ov.ServicesByStatus[models.StatusUnhealthy])
	assert.Equal(t, 1, ov.ActiveAlerts)
	assert.Equal(t, 1, ov.ActiveAlertsBySeverity[models.SeverityCritical])
	assert.Zero(t, ov.AverageUptime)
	assert.Len(t, ov.RecentAlerts, 1)

	_, err = o.GetAlertManager().CreateAlert(ctx, &models.Alert{
		ServiceID: svc.ID, Type: models.AlertTypeError, Severity: models.SeverityWarning, Title: "manual",
	})
	require.NoError(t, err)

	ov, err = o.GetSystemOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ov.ActiveAlerts)
}

func insertCheck(t *testing.T, o *Orchestrator, serviceID string, ts time.Time, rt float64, status models.HealthStatus, code int) *models.HealthCheckResult {
	t.Helper()
	c := &models.HealthCheckResult{
		ID:           fmt.Sprintf("%s-%d", serviceID, ts.UnixNano()),
		ServiceID:    serviceID,
		Timestamp:    ts,
		Status:       status,
		ResponseTime: rt,
		StatusCode:   code,
	}
	require.NoError(t, o.store.InsertHealthCheck(context.Background(), c))
	return c
}

func TestArchiveAndPrune(t *testing.T) {
	archive := newFakeArchive()
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Archive: archive})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)

	now := time.Now()
	insertCheck(t, o, svc.ID, now.Add(-10*24*time.Hour), 100, models.StatusHealthy, 200)
	insertCheck(t, o, svc.ID, now.Add(-9*24*time.Hour), 100, models.StatusHealthy, 200)
	insertCheck(t, o, svc.ID, now.Add(-time.Hour), 100, models.StatusHealthy, 200)

	require.NoError(t, o.ArchiveAndPrune(ctx))

	assert.Len(t, archive.batches, 2)
	remaining, err := o.store.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestArchiveAndPrune_RestoresOnArchiveFailure(t *testing.T) {
	archive := newFakeArchive()
	archive.err = errors.New("bucket unavailable")
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Archive: archive})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	insertCheck(t, o, svc.ID, time.Now().Add(-10*24*time.Hour), 100, models.StatusHealthy, 200)
	insertCheck(t, o, svc.ID, time.Now().Add(-time.Hour), 100, models.StatusHealthy, 200)

	require.NoError(t, o.ArchiveAndPrune(ctx))

	remaining, err := o.store.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

// seedOutageThenRecovery stores five failing checks ten days back and five
// healthy ones in the last hour
func seedOutageThenRecovery(t *testing.T, o *Orchestrator, serviceID string) {
	t.Helper()
	now := time.Now()
	for i := 0; i < 5; i++ {
		insertCheck(t, o, serviceID, now.Add(-10*24*time.Hour+time.Duration(i)*time.Minute), 900, models.StatusUnhealthy, 503)
		insertCheck(t, o, serviceID, now.Add(-time.Hour+time.Duration(i)*time.Minute), 100, models.StatusHealthy, 200)
	}
}

func TestGenerateHealthReport_ReadsArchivedChecks(t *testing.T) {
	archive := newFakeArchive()
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Archive: archive})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	seedOutageThenRecovery(t, o, svc.ID)

	before, err := o.GenerateHealthReport(ctx, 14*24)
	require.NoError(t, err)
	require.Len(t, before.Services, 1)
	assert.Equal(t, 10, before.Services[0].TotalChecks)

	require.NoError(t, o.ArchiveAndPrune(ctx))
	remaining, err := o.store.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 5)

	after, err := o.GenerateHealthReport(ctx, 14*24)
	require.NoError(t, err)
	require.Len(t, after.Services, 1)
	sr := after.Services[0]
	assert.Equal(t, 10, sr.TotalChecks)
	assert.Equal(t, 5, sr.FailedChecks)
	assert.InDelta(t, 50.0, sr.Availability, 1e-9)
	assert.Equal(t, 14*24, after.PeriodHours)
	assert.WithinDuration(t, after.PeriodEnd.Add(-14*24*time.Hour), after.PeriodStart, time.Second)

	short, err := o.GenerateHealthReport(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 5, short.Services[0].TotalChecks)
}

func TestGenerateHealthReport_NoArchiveTruncatesToRetention(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	seedOutageThenRecovery(t, o, svc.ID)

	report, err := o.GenerateHealthReport(ctx, 14*24)
	require.NoError(t, err)

	assert.Equal(t, 7*24, report.PeriodHours)
	assert.WithinDuration(t, report.PeriodEnd.Add(-o.config.CheckRetention), report.PeriodStart, time.Second)
	assert.Equal(t, 5, report.Services[0].TotalChecks)
	assert.InDelta(t, 100.0, report.Services[0].Availability, 1e-9)
}

func TestArchiveAndPrune_ExpiresArchivedDays(t *testing.T) {
	archive := newFakeArchive()
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Archive: archive})
	o.config.ArchiveRetention = 30 * 24 * time.Hour
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40).Format("2006-01-02")
	kept := now.AddDate(0, 0, -20).Format("2006-01-02")
	archive.batches[svc.ID+"/"+old] = []models.HealthCheckResult{{ID: "old"}}
	archive.batches[svc.ID+"/"+kept] = []models.HealthCheckResult{{ID: "kept"}}
	archive.batches["other/"+old] = []models.HealthCheckResult{{ID: "other"}}

	require.NoError(t, o.ArchiveAndPrune(ctx))

	assert.NotContains(t, archive.batches, svc.ID+"/"+old)
	assert.Contains(t, archive.batches, svc.ID+"/"+kept)
	assert.Contains(t, archive.batches, "other/"+old, "only listed services are expired")
}

func seededEngine() *anomaly.Engine {
	return anomaly.NewEngine(anomaly.WithRand(rand.New(rand.NewSource(42))))
}

// seedLatencyHistory stores 19 steady checks followed by one slow failing check
func seedLatencyHistory(t *testing.T, o *Orchestrator, serviceID string) *models.HealthCheckResult {
	now := time.Now()
	for i := 0; i < 19; i++ {
		rt := 99.0
		if i%2 == 1 {
			rt = 101
		}
		insertCheck(t, o, serviceID, now.Add(-time.Duration(20-i)*time.Minute), rt, models.StatusHealthy, 200)
	}
	return insertCheck(t, o, serviceID, now.Add(-time.Second), 5000, models.StatusUnhealthy, 500)
}

func TestDetectServiceAnomalies(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Engine: seededEngine()})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	spike := seedLatencyHistory(t, o, svc.ID)

	cfg := anomaly.Config{Methods: []anomaly.Method{anomaly.MethodStatistical}, Sensitivity: anomaly.SensitivityMedium}
	report, err := o.DetectServiceAnomalies(ctx, svc.ID, 24, cfg)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Total)
	assert.Equal(t, 1, report.AnomalyCount)
	require.NotEmpty(t, report.TopAnomalies)
	assert.Equal(t, spike.ID, report.TopAnomalies[0].PointID)

	_, err = o.DetectServiceAnomalies(ctx, "missing", 24, cfg)
	assert.ErrorIs(t, err, store.ErrNotFound)

	empty, err := o.CreateService(ctx, &models.ServiceTarget{Name: "empty", Type: models.ServiceTypeAPI, Endpoint: "https://empty.test"})
	require.NoError(t, err)
	_, err = o.DetectServiceAnomalies(ctx, empty.ID, 24, cfg)
	assert.ErrorIs(t, err, anomaly.ErrInsufficientData)
}

func TestRunAnomalyScan(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{Engine: seededEngine()})
	o.scanConfig = anomaly.Config{Methods: []anomaly.Method{anomaly.MethodStatistical}, Sensitivity: anomaly.SensitivityMedium}
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	svc.Enabled = true
	require.NoError(t, o.store.UpdateService(ctx, svc))
	spike := seedLatencyHistory(t, o, svc.ID)

	require.NoError(t, o.RunAnomalyScan(ctx))
	require.NoError(t, o.RunAnomalyScan(ctx))

	alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID, Type: models.AlertTypePerformance})
	require.NoError(t, err)
	require.Len(t, alerts, 1, "the same check is scanned once")
	assert.Equal(t, "Response Time Anomaly", alerts[0].Title)
	assert.Equal(t, spike.ID, alerts[0].Metadata["checkId"])
}

func TestRunAnomalyScan_NeedsHistory(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProber{outcomes: []ProbeOutcome{healthy()}}, Options{})
	ctx := context.Background()

	svc, err := o.CreateService(ctx, newAPIService(models.Thresholds{}))
	require.NoError(t, err)
	svc.Enabled = true
	require.NoError(t, o.store.UpdateService(ctx, svc))
	for i := 0; i < 5; i++ {
		insertCheck(t, o, svc.ID, time.Now().Add(-time.Duration(i)*time.Minute), 100, models.StatusHealthy, 200)
	}

	require.NoError(t, o.RunAnomalyScan(ctx))
	alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{ServiceID: svc.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
