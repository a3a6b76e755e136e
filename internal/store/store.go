package store

import (
	"context"
	"errors"
	"time"

	"health-monitor/pkg/models"
)

var ErrNotFound = errors.New("not found")

// Store is the durable home of services, check results, running metrics and
// alerts
type Store interface {
	CreateService(ctx context.Context, svc *models.ServiceTarget) error
	GetService(ctx context.Context, id string) (*models.ServiceTarget, error)
	ListServices(ctx context.Context) ([]*models.ServiceTarget, error)
	UpdateService(ctx context.Context, svc *models.ServiceTarget) error
	UpdateServiceStatus(ctx context.Context, id string, status models.HealthStatus) error
	DeleteService(ctx context.Context, id string) error

	InsertHealthCheck(ctx context.Context, result *models.HealthCheckResult) error
	// ListHealthChecks returns checks newest first; limit <= 0 means no limit
	ListHealthChecks(ctx context.Context, serviceID string, since time.Time, limit int) ([]*models.HealthCheckResult, error)
	// DeleteHealthChecksBefore removes and returns checks older than the cutoff
	DeleteHealthChecksBefore(ctx context.Context, serviceID string, before time.Time) ([]*models.HealthCheckResult, error)

	UpsertMetrics(ctx context.Context, m *models.HealthMetrics) error
	GetMetrics(ctx context.Context, serviceID string) (*models.HealthMetrics, error)
	ListMetrics(ctx context.Context) ([]*models.HealthMetrics, error)
	DeleteMetrics(ctx context.Context, serviceID string) error

	InsertAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// QueryAlerts returns matching alerts newest first
	QueryAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error)
	ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error)
}
