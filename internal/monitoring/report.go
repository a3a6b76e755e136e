package monitoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"health-monitor/internal/anomaly"
	"health-monitor/internal/metrics"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"

	"golang.org/x/sync/errgroup"
)

const (
	recentAlertsLimit  = 10
	minScanHistory     = 10
	anomalyFeatureRT   = "response_time"
	anomalyFeatureCode = "status_code"
	anomalyFeatureFail = "failed"
)

type Recommendation struct {
	Type      string `json:"type"`
	Priority  string `json:"priority"`
	ServiceID string `json:"serviceId"`
	Message   string `json:"message"`
}

type ServiceReport struct {
	ServiceID           string              `json:"serviceId"`
	Name                string              `json:"name"`
	Type                models.ServiceType  `json:"type"`
	Status              models.HealthStatus `json:"status"`
	TotalChecks         int                 `json:"totalChecks"`
	FailedChecks        int                 `json:"failedChecks"`
	Availability        float64             `json:"availability"`
	AverageResponseTime float64             `json:"averageResponseTime"`
	P95ResponseTime     float64             `json:"p95ResponseTime"`
	ErrorRate           float64             `json:"errorRate"`
	AlertCount          int                 `json:"alertCount"`
	PerformanceScore    float64             `json:"performanceScore"`
}

type ReportSummary struct {
	TotalServices       int     `json:"totalServices"`
	HealthyServices     int     `json:"healthyServices"`
	UnhealthyServices   int     `json:"unhealthyServices"`
	UnknownServices     int     `json:"unknownServices"`
	AverageAvailability float64 `json:"averageAvailability"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	TotalAlerts         int     `json:"totalAlerts"`
	CriticalAlerts      int     `json:"criticalAlerts"`
}

type HealthReport struct {
	GeneratedAt     time.Time        `json:"generatedAt"`
	PeriodHours     int              `json:"periodHours"`
	PeriodStart     time.Time        `json:"periodStart"`
	PeriodEnd       time.Time        `json:"periodEnd"`
	Summary         ReportSummary    `json:"summary"`
	Services        []ServiceReport  `json:"services"`
	Recommendations []Recommendation `json:"recommendations"`
}

type SystemOverview struct {
	TotalServices          int                         `json:"totalServices"`
	MonitoredServices      int                         `json:"monitoredServices"`
	ServicesByStatus       map[models.HealthStatus]int `json:"servicesByStatus"`
	ActiveAlerts           int                         `json:"activeAlerts"`
	ActiveAlertsBySeverity map[models.Severity]int     `json:"activeAlertsBySeverity"`
	AverageUptime          float64                     `json:"averageUptime"`
	RecentAlerts           []*models.Alert             `json:"recentAlerts"`
	GeneratedAt            time.Time                   `json:"generatedAt"`
}

// PerformanceScore rates a service from 0 to 100. availability and errorRate
// are percentages, responseTime is in ms.
func PerformanceScore(availability, responseTime, errorRate float64) float64 {
	score := 100.0

	if availability < 99.9 {
		score -= (99.9 - availability) * 10
	}
	if availability < 99 {
		score -= (99 - availability) * 20
	}
	if responseTime > 200 {
		score -= math.Min((responseTime-200)/10, 30)
	}
	if errorRate > 0.1 {
		score -= math.Min(errorRate*100, 40)
	}

	return math.Max(score, 0)
}

func recommendationsFor(sr ServiceReport) []Recommendation {
	var recs []Recommendation

	if sr.TotalChecks > 0 && sr.Availability < 99.5 {
		recs = append(recs, Recommendation{
			Type:      "improve_availability",
			Priority:  "high",
			ServiceID: sr.ServiceID,
			Message:   fmt.Sprintf("%s availability is %.2f%%. Investigate recurring failures.", sr.Name, sr.Availability),
		})
	}
	if sr.AverageResponseTime > 1000 {
		recs = append(recs, Recommendation{
			Type:      "optimize_performance",
			Priority:  "medium",
			ServiceID: sr.ServiceID,
			Message:   fmt.Sprintf("%s averages %.0fms per check. Consider caching or scaling.", sr.Name, sr.AverageResponseTime),
		})
	}
	if sr.AlertCount > 10 {
		recs = append(recs, Recommendation{
			Type:      "review_alert_thresholds",
			Priority:  "medium",
			ServiceID: sr.ServiceID,
			Message:   fmt.Sprintf("%s raised %d alerts. Thresholds may be too tight.", sr.Name, sr.AlertCount),
		})
	}
	if sr.ErrorRate > 1 {
		recs = append(recs, Recommendation{
			Type:      "reduce_error_rate",
			Priority:  "high",
			ServiceID: sr.ServiceID,
			Message:   fmt.Sprintf("%s error rate is %.2f%%.", sr.Name, sr.ErrorRate),
		})
	}

	return recs
}

// percentile uses nearest-rank on a sorted slice
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

func buildServiceReport(svc *models.ServiceTarget, checks []*models.HealthCheckResult, alerts int) ServiceReport {
	sr := ServiceReport{
		ServiceID:  svc.ID,
		Name:       svc.Name,
		Type:       svc.Type,
		Status:     svc.Status,
		AlertCount: alerts,
	}
	if len(checks) == 0 {
		return sr
	}

	times := make([]float64, 0, len(checks))
	var sum float64
	for _, c := range checks {
		if !c.Healthy() {
			sr.FailedChecks++
		}
		times = append(times, c.ResponseTime)
		sum += c.ResponseTime
	}
	sort.Float64s(times)

	sr.TotalChecks = len(checks)
	sr.Availability = float64(sr.TotalChecks-sr.FailedChecks) / float64(sr.TotalChecks) * 100
	sr.ErrorRate = float64(sr.FailedChecks) / float64(sr.TotalChecks) * 100
	sr.AverageResponseTime = sum / float64(sr.TotalChecks)
	sr.P95ResponseTime = percentile(times, 0.95)
	sr.PerformanceScore = PerformanceScore(sr.Availability, sr.AverageResponseTime, sr.ErrorRate)
	return sr
}

// GenerateHealthReport summarises every service over the last hours and
// archives the report when an archive is configured
func (o *Orchestrator) GenerateHealthReport(ctx context.Context, hours int) (*HealthReport, error) {
	if hours <= 0 {
		hours = 24
	}
	end := o.now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	// checks older than the retention cutoff only survive in the archive
	cutoff := start
	if o.config.CheckRetention > 0 {
		cutoff = end.Add(-o.config.CheckRetention)
	}
	periodHours := hours
	if start.Before(cutoff) && o.archive == nil {
		logger.Warn("Report window exceeds check retention, truncating",
			logger.Int("hours", hours),
			logger.Duration("retention", o.config.CheckRetention),
		)
		start = cutoff
		periodHours = int(o.config.CheckRetention.Hours())
	}

	services, err := o.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	alerts, err := o.store.QueryAlerts(ctx, models.AlertFilter{Since: start})
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	alertsByService := make(map[string]int)
	report := &HealthReport{
		GeneratedAt:     end,
		PeriodHours:     periodHours,
		PeriodStart:     start,
		PeriodEnd:       end,
		Services:        make([]ServiceReport, 0, len(services)),
		Recommendations: []Recommendation{},
	}
	for _, a := range alerts {
		alertsByService[a.ServiceID]++
		if a.Severity == models.SeverityCritical {
			report.Summary.CriticalAlerts++
		}
	}
	report.Summary.TotalAlerts = len(alerts)

	var availSum, rtSum float64
	withChecks := 0
	for _, svc := range services {
		checks, err := o.store.ListHealthChecks(ctx, svc.ID, start, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list checks for %s: %w", svc.ID, err)
		}
		if start.Before(cutoff) {
			if checks, err = o.withArchived(ctx, svc.ID, checks, start, cutoff); err != nil {
				return nil, err
			}
		}

		sr := buildServiceReport(svc, checks, alertsByService[svc.ID])
		report.Services = append(report.Services, sr)
		report.Recommendations = append(report.Recommendations, recommendationsFor(sr)...)

		switch svc.Status {
		case models.StatusHealthy:
			report.Summary.HealthyServices++
		case models.StatusUnhealthy:
			report.Summary.UnhealthyServices++
		default:
			report.Summary.UnknownServices++
		}
		if sr.TotalChecks > 0 {
			availSum += sr.Availability
			rtSum += sr.AverageResponseTime
			withChecks++
		}
	}
	report.Summary.TotalServices = len(services)
	if withChecks > 0 {
		report.Summary.AverageAvailability = availSum / float64(withChecks)
		report.Summary.AverageResponseTime = rtSum / float64(withChecks)
	}

	if o.archive != nil {
		name := fmt.Sprintf("health-report-%dh-%d", hours, end.Unix())
		if err := o.archive.StoreReport(ctx, name, end, report); err != nil {
			logger.Error("Failed to archive health report", logger.Err(err))
		}
	}

	logger.Info("Health report generated",
		logger.Int("services", len(services)),
		logger.Int("hours", hours),
		logger.Int("recommendations", len(report.Recommendations)),
	)
	return report, nil
}

// withArchived adds the archived checks in [start, cutoff) to the stored ones.
// Checks restored after a failed archive upload may exist in both places.
func (o *Orchestrator) withArchived(ctx context.Context, serviceID string, stored []*models.HealthCheckResult, start, cutoff time.Time) ([]*models.HealthCheckResult, error) {
	archived, err := o.archive.GetChecks(ctx, serviceID, start, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived checks for %s: %w", serviceID, err)
	}
	if len(archived) == 0 {
		return stored, nil
	}

	seen := make(map[string]struct{}, len(stored))
	for _, c := range stored {
		seen[c.ID] = struct{}{}
	}
	for i := range archived {
		if _, dup := seen[archived[i].ID]; dup {
			continue
		}
		stored = append(stored, &archived[i])
	}
	return stored, nil
}

// GetSystemOverview returns a cached snapshot of service and alert state
func (o *Orchestrator) GetSystemOverview(ctx context.Context) (*SystemOverview, error) {
	var overview *SystemOverview
	err := o.cache.GetOrSet(ctx, overviewCacheKey, o.config.AlertCacheTTL, &overview, func(ctx context.Context) (interface{}, error) {
		return o.buildOverview(ctx)
	})
	return overview, err
}

func (o *Orchestrator) buildOverview(ctx context.Context) (*SystemOverview, error) {
	var (
		services []*models.ServiceTarget
		all      []*models.HealthMetrics
		active   []*models.Alert
		recent   []*models.Alert
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		services, err = o.store.ListServices(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		all, err = o.store.ListMetrics(gctx)
		return err
	})
	g.Go(func() error {
		resolved := false
		var err error
		active, err = o.store.QueryAlerts(gctx, models.AlertFilter{Resolved: &resolved})
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = o.store.QueryAlerts(gctx, models.AlertFilter{Limit: recentAlertsLimit})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to build overview: %w", err)
	}

	ov := &SystemOverview{
		TotalServices:          len(services),
		MonitoredServices:      len(o.state.Monitored()),
		ServicesByStatus:       make(map[models.HealthStatus]int),
		ActiveAlerts:           len(active),
		ActiveAlertsBySeverity: make(map[models.Severity]int),
		RecentAlerts:           recent,
		GeneratedAt:            o.now(),
	}
	if ov.RecentAlerts == nil {
		ov.RecentAlerts = []*models.Alert{}
	}
	for _, svc := range services {
		ov.ServicesByStatus[svc.Status]++
	}
	for _, a := range active {
		ov.ActiveAlertsBySeverity[a.Severity]++
	}

	var uptime float64
	checked := 0
	for _, m := range all {
		if m.TotalChecks == 0 {
			continue
		}
		uptime += m.Uptime
		checked++
	}
	if checked > 0 {
		ov.AverageUptime = uptime / float64(checked)
	}

	return ov, nil
}

func checkToPoint(c *models.HealthCheckResult) anomaly.DataPoint {
	failed := 0.0
	if !c.Healthy() {
		failed = 1
	}
	return anomaly.DataPoint{
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Features: map[string]float64{
			anomalyFeatureRT:   c.ResponseTime,
			anomalyFeatureCode: float64(c.StatusCode),
			anomalyFeatureFail: failed,
		},
	}
}

// checksOldestFirst loads a service's checks since a cutoff in time order
func (o *Orchestrator) checksOldestFirst(ctx context.Context, serviceID string, since time.Time) ([]*models.HealthCheckResult, error) {
	checks, err := o.store.ListHealthChecks(ctx, serviceID, since, 0)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(checks)-1; i < j; i, j = i+1, j-1 {
		checks[i], checks[j] = checks[j], checks[i]
	}
	return checks, nil
}

// DetectServiceAnomalies runs the anomaly engine over a service's stored
// checks from the last hours
func (o *Orchestrator) DetectServiceAnomalies(ctx context.Context, serviceID string, hours int, cfg anomaly.Config) (*anomaly.Report, error) {
	if _, err := o.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = 24
	}

	checks, err := o.checksOldestFirst(ctx, serviceID, o.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}
	points := make([]anomaly.DataPoint, 0, len(checks))
	for _, c := range checks {
		points = append(points, checkToPoint(c))
	}

	report, err := o.engine.DetectAnomalies(points, cfg)
	if err != nil {
		return nil, err
	}
	for method, n := range report.ByMethod {
		metrics.RecordAnomalies(string(method), n)
	}
	return report, nil
}

// RunAnomalyScan checks the latest response time of every enabled service
// against its recent history and raises a performance alert when it is
// anomalous
func (o *Orchestrator) RunAnomalyScan(ctx context.Context) error {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	cfg := o.scanConfig
	since := o.now().Add(-o.config.AnomalyWindow)
	raised := 0

	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		checks, err := o.checksOldestFirst(ctx, svc.ID, since)
		if err != nil {
			logger.Error("Failed to load checks for anomaly scan", logger.ServiceID(svc.ID), logger.Err(err))
			continue
		}
		if len(checks) < minScanHistory {
			continue
		}

		latest := checks[len(checks)-1]
		if !o.state.MarkScanned(svc.ID, latest.ID) {
			continue
		}

		history := make([]anomaly.DataPoint, 0, len(checks)-1)
		for _, c := range checks[:len(checks)-1] {
			history = append(history, anomaly.DataPoint{
				ID:        c.ID,
				Timestamp: c.Timestamp,
				Features:  map[string]float64{anomalyFeatureRT: c.ResponseTime},
			})
		}
		point := anomaly.DataPoint{
			ID:        latest.ID,
			Timestamp: latest.Timestamp,
			Features:  map[string]float64{anomalyFeatureRT: latest.ResponseTime},
		}

		results, err := o.engine.DetectRealTimeAnomaly(point, history, cfg)
		if err != nil {
			logger.Warn("Anomaly scan failed", logger.ServiceID(svc.ID), logger.Err(err))
			continue
		}
		verdict := results[len(results)-1]
		if !verdict.IsAnomaly {
			continue
		}
		metrics.RecordAnomalies(string(anomaly.MethodEnsemble), 1)

		_, err = o.alertManager.CreateAlert(ctx, &models.Alert{
			ServiceID: svc.ID,
			Type:      models.AlertTypePerformance,
			Severity:  models.SeverityWarning,
			Title:     "Response Time Anomaly",
			Message:   fmt.Sprintf("Response time %.0fms is anomalous for %s: %s", latest.ResponseTime, svc.Name, verdict.Explanation),
			Metadata: map[string]interface{}{
				"checkId":    latest.ID,
				"score":      verdict.Score,
				"confidence": verdict.Confidence,
			},
		})
		if err != nil {
			logger.Error("Failed to raise anomaly alert", logger.ServiceID(svc.ID), logger.Err(err))
			continue
		}
		raised++
	}

	if raised > 0 {
		logger.Info("Anomaly scan raised alerts", logger.Int("alerts", raised))
	}
	return nil
}

// ArchiveAndPrune moves checks older than the retention period into the
// archive, one object per service and day, and expires archived days older
// than ArchiveRetention. Without an archive checks are only pruned.
func (o *Orchestrator) ArchiveAndPrune(ctx context.Context) error {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	now := o.now()
	cutoff := now.Add(-o.config.CheckRetention)

	for _, svc := range services {
		if o.archive != nil && o.config.ArchiveRetention > 0 {
			n, err := o.archive.DeleteChecks(ctx, svc.ID, now.Add(-o.config.ArchiveRetention))
			if err != nil {
				logger.Error("Failed to expire archived checks", logger.ServiceID(svc.ID), logger.Err(err))
			} else if n > 0 {
				logger.Info("Expired archived checks", logger.ServiceID(svc.ID), logger.Int("objects", n))
			}
		}

		removed, err := o.store.DeleteHealthChecksBefore(ctx, svc.ID, cutoff)
		if err != nil {
			logger.Error("Failed to prune health checks", logger.ServiceID(svc.ID), logger.Err(err))
			continue
		}
		if len(removed) == 0 || o.archive == nil {
			continue
		}

		byDay := make(map[time.Time][]models.HealthCheckResult)
		for _, c := range removed {
			ts := c.Timestamp.UTC()
			day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
			byDay[day] = append(byDay[day], *c)
		}

		for day, checks := range byDay {
			if err := o.archive.ArchiveChecks(ctx, svc.ID, day, checks); err != nil {
				logger.Error("Failed to archive health checks, restoring",
					logger.ServiceID(svc.ID),
					logger.Int("checks", len(checks)),
					logger.Err(err),
				)
				for i := range checks {
					if err := o.store.InsertHealthCheck(ctx, &checks[i]); err != nil {
						logger.Error("Failed to restore health check", logger.String("check_id", checks[i].ID), logger.Err(err))
					}
				}
			}
		}

		logger.Info("Archived health checks",
			logger.ServiceID(svc.ID),
			logger.Int("checks", len(removed)),
		)
	}
	return nil
}
