package store

import (
	"context"
	"testing"
	"time"

	"health-monitor/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract exercises the behaviour every Store must share. st must
// start empty.
func testStoreContract(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("services", func(t *testing.T) {
		svc := &models.ServiceTarget{
			ID:       "svc-contract",
			Name:     "billing",
			Type:     models.ServiceTypeAPI,
			Provider: "stripe",
			Endpoint: "https://billing.test",
			Auth:     models.Auth{Kind: models.AuthAPIKey, Header: "X-Key", Key: "k"},
			Checks: []models.CheckConfig{{
				Interval:   time.Minute,
				Timeout:    5 * time.Second,
				Retries:    3,
				Thresholds: models.Thresholds{ResponseTime: 250},
			}},
			Status:    models.StatusUnknown,
			Enabled:   true,
			CreatedAt: base,
			UpdatedAt: base,
		}
		require.NoError(t, st.CreateService(ctx, svc))

		got, err := st.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.Equal(t, svc.Auth, got.Auth)
		assert.Equal(t, svc.Checks, got.Checks)
		assert.True(t, got.Enabled)
		assert.True(t, base.Equal(got.CreatedAt))

		svc.Name = "billing-v2"
		svc.Enabled = false
		require.NoError(t, st.UpdateService(ctx, svc))
		require.NoError(t, st.UpdateServiceStatus(ctx, svc.ID, models.StatusUnhealthy))

		list, err := st.ListServices(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "billing-v2", list[0].Name)
		assert.False(t, list[0].Enabled)
		assert.Equal(t, models.StatusUnhealthy, list[0].Status)

		require.NoError(t, st.InsertHealthCheck(ctx, &models.HealthCheckResult{
			ID: "chk-owned", ServiceID: svc.ID, Timestamp: base, Status: models.StatusHealthy,
		}))
		require.NoError(t, st.DeleteService(ctx, svc.ID))
		_, err = st.GetService(ctx, svc.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		checks, err := st.ListHealthChecks(ctx, svc.ID, time.Time{}, 0)
		require.NoError(t, err)
		assert.Empty(t, checks)

		assert.ErrorIs(t, st.DeleteService(ctx, svc.ID), ErrNotFound)
		assert.ErrorIs(t, st.UpdateService(ctx, svc), ErrNotFound)
		assert.ErrorIs(t, st.UpdateServiceStatus(ctx, svc.ID, models.StatusHealthy), ErrNotFound)
	})

	t.Run("health checks", func(t *testing.T) {
		// inserted out of order, as restored checks are
		for _, i := range []int{2, 0, 4, 1, 3} {
			require.NoError(t, st.InsertHealthCheck(ctx, &models.HealthCheckResult{
				ID:           string(rune('a' + i)),
				ServiceID:    "svc-checks",
				Timestamp:    base.Add(time.Duration(i) * time.Hour),
				Status:       models.StatusUnhealthy,
				ResponseTime: float64(100 + i),
				StatusCode:   503,
				Error:        "upstream down",
				Attempt:      3,
				Endpoint:     "https://checks.test/health",
				Metadata:     map[string]interface{}{"probe": "http"},
			}))
		}

		latest, err := st.ListHealthChecks(ctx, "svc-checks", time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "e", latest[0].ID)
		assert.Equal(t, "d", latest[1].ID)
		assert.Equal(t, 503, latest[0].StatusCode)
		assert.Equal(t, "http", latest[0].Metadata["probe"])

		since, err := st.ListHealthChecks(ctx, "svc-checks", base.Add(3*time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, since, 2)

		removed, err := st.DeleteHealthChecksBefore(ctx, "svc-checks", base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, removed, 2)
		ids := []string{removed[0].ID, removed[1].ID}
		assert.ElementsMatch(t, []string{"a", "b"}, ids)
		assert.Equal(t, "upstream down", removed[0].Error)

		rest, err := st.ListHealthChecks(ctx, "svc-checks", time.Time{}, 0)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})

	t.Run("metrics", func(t *testing.T) {
		_, err := st.GetMetrics(ctx, "svc-metrics")
		assert.ErrorIs(t, err, ErrNotFound)

		last := base.Add(time.Minute)
		m := &models.HealthMetrics{
			ServiceID: "svc-metrics", TotalChecks: 4, SuccessfulChecks: 3, FailedChecks: 1,
			Uptime: 75, AverageResponseTime: 120.5, LastCheckAt: &last, LastHealthyAt: &last,
			CurrentStatus: models.StatusHealthy, UpdatedAt: last,
		}
		require.NoError(t, st.UpsertMetrics(ctx, m))
		m.TotalChecks = 5
		m.FailedChecks = 2
		m.ConsecutiveFailures = 1
		m.CurrentStatus = models.StatusUnhealthy
		require.NoError(t, st.UpsertMetrics(ctx, m))

		got, err := st.GetMetrics(ctx, "svc-metrics")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.TotalChecks)
		assert.Equal(t, int64(1), got.ConsecutiveFailures)
		assert.Equal(t, models.StatusUnhealthy, got.CurrentStatus)
		require.NotNil(t, got.LastHealthyAt)
		assert.True(t, last.Equal(*got.LastHealthyAt))
		assert.Nil(t, got.LastUnhealthyAt)

		all, err := st.ListMetrics(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, st.DeleteMetrics(ctx, "svc-metrics"))
		_, err = st.GetMetrics(ctx, "svc-metrics")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("alerts", func(t *testing.T) {
		for i, sev := range []models.Severity{models.SeverityWarning, models.SeverityCritical, models.SeverityWarning} {
			require.NoError(t, st.InsertAlert(ctx, &models.Alert{
				ID:        string(rune('a' + i)),
				ServiceID: "svc-alerts",
				Type:      models.AlertTypePerformance,
				Severity:  sev,
				Title:     "High Response Time",
				Message:   "slow",
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Metadata:  map[string]interface{}{"responseTime": 300.0},
			}))
		}
		require.NoError(t, st.InsertAlert(ctx, &models.Alert{
			ID: "other", ServiceID: "svc-other", Type: models.AlertTypeAvailability,
			Severity: models.SeverityError, Title: "Service Down", Timestamp: base,
		}))

		acked, err := st.AcknowledgeAlert(ctx, "b", "oncall")
		require.NoError(t, err)
		assert.True(t, acked.Acknowledged)
		require.NotNil(t, acked.AcknowledgedBy)
		assert.Equal(t, "oncall", *acked.AcknowledgedBy)
		assert.NotNil(t, acked.AcknowledgedAt)
		assert.Equal(t, 300.0, acked.Metadata["responseTime"])

		resolved, err := st.ResolveAlert(ctx, "a", "api")
		require.NoError(t, err)
		assert.True(t, resolved.Resolved)
		require.NotNil(t, resolved.ResolvedBy)
		assert.Equal(t, "api", *resolved.ResolvedBy)
		assert.Nil(t, resolved.AcknowledgedAt)

		_, err = st.AcknowledgeAlert(ctx, "missing", "oncall")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.GetAlert(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		no := false
		tests := []struct {
			name   string
			filter models.AlertFilter
			want   []string
		}{
			{"service newest first", models.AlertFilter{ServiceID: "svc-alerts"}, []string{"c", "b", "a"}},
			{"unacknowledged", models.AlertFilter{ServiceID: "svc-alerts", Acknowledged: &no}, []string{"c", "a"}},
			{"unresolved warning", models.AlertFilter{Severity: models.SeverityWarning, Resolved: &no}, []string{"c"}},
			{"type", models.AlertFilter{Type: models.AlertTypeAvailability}, []string{"other"}},
			{"since", models.AlertFilter{ServiceID: "svc-alerts", Since: base.Add(time.Minute)}, []string{"c", "b"}},
			{"limit", models.AlertFilter{ServiceID: "svc-alerts", Severity: models.SeverityWarning, Limit: 1}, []string{"c"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				alerts, err := st.QueryAlerts(ctx, tt.filter)
				require.NoError(t, err)
				got := make([]string, 0, len(alerts))
				for _, a := range alerts {
					got = append(got, a.ID)
				}
				assert.Equal(t, tt.want, got)
			})
		}
	})
}
