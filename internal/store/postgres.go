package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"health-monitor/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitored_services (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	endpoint    TEXT NOT NULL,
	auth        JSONB NOT NULL DEFAULT '{}',
	checks      JSONB NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'unknown',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS service_health_checks (
	id                TEXT PRIMARY KEY,
	service_id        TEXT NOT NULL,
	checked_at        TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	response_time_ms  DOUBLE PRECISION NOT NULL,
	status_code       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	attempt           INTEGER NOT NULL DEFAULT 0,
	endpoint          TEXT NOT NULL DEFAULT '',
	metadata          JSONB
);
CREATE INDEX IF NOT EXISTS idx_service_health_checks_service_time
	ON service_health_checks (service_id, checked_at DESC);

CREATE TABLE IF NOT EXISTS service_health_metrics (
	service_id            TEXT PRIMARY KEY,
	total_checks          BIGINT NOT NULL,
	successful_checks     BIGINT NOT NULL,
	failed_checks         BIGINT NOT NULL,
	uptime                DOUBLE PRECISION NOT NULL,
	avg_response_time     DOUBLE PRECISION NOT NULL,
	last_check_at         TIMESTAMPTZ,
	last_healthy_at       TIMESTAMPTZ,
	last_unhealthy_at     TIMESTAMPTZ,
	current_status        TEXT NOT NULL,
	consecutive_failures  BIGINT NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS service_alerts (
	id               TEXT PRIMARY KEY,
	service_id       TEXT NOT NULL,
	alert_type       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	title            TEXT NOT NULL,
	message          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	metadata         JSONB,
	acknowledged     BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_at  TIMESTAMPTZ,
	acknowledged_by  TEXT,
	resolved         BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at      TIMESTAMPTZ,
	resolved_by      TEXT
);
CREATE INDEX IF NOT EXISTS idx_service_alerts_service_time
	ON service_alerts (service_id, created_at DESC);
`

// Postgres is the durable Store
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates tables and indexes when missing
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

const serviceColumns = `id, name, type, provider, endpoint, auth, checks, status, enabled, created_at, updated_at`

func scanService(row rowScanner) (*models.ServiceTarget, error) {
	var (
		s      models.ServiceTarget
		auth   []byte
		checks []byte
	)
	err := row.Scan(&s.ID, &s.Name, &s.Type, &s.Provider, &s.Endpoint, &auth, &checks, &s.Status, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(auth, &s.Auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth: %w", err)
	}
	if err := json.Unmarshal(checks, &s.Checks); err != nil {
		return nil, fmt.Errorf("failed to decode checks: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreateService(ctx context.Context, svc *models.ServiceTarget) error {
	auth, err := json.Marshal(svc.Auth)
	if err != nil {
		return fmt.Errorf("failed to marshal auth: %w", err)
	}
	checks, err := json.Marshal(svc.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}

	query := `
		INSERT INTO monitored_services (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = p.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.Type, svc.Provider, svc.Endpoint, auth, checks,
		svc.Status, svc.Enabled, svc.CreatedAt, svc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	return nil
}

func (p *Postgres) GetService(ctx context.Context, id string) (*models.ServiceTarget, error) {
	query := `SELECT ` + serviceColumns + ` FROM monitored_services WHERE id = $1`
	s, err := scanService(p.db.QueryRowContext(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return s, err
}

func (p *Postgres) ListServices(ctx context.Context) ([]*models.ServiceTarget, error) {
	query := `SELECT ` + serviceColumns + ` FROM monitored_services ORDER BY created_at ASC`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*models.ServiceTarget
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

func (p *Postgres) UpdateService(ctx context.Context, svc *models.ServiceTarget) error {
	auth, err := json.Marshal(svc.Auth)
	if err != nil {
		return fmt.Errorf("failed to marshal auth: %w", err)
	}
	checks, err := json.Marshal(svc.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}

	query := `
		UPDATE monitored_services
		SET name = $2, type = $3, provider = $4, endpoint = $5, auth = $6,
		    checks = $7, status = $8, enabled = $9, updated_at = $10
		WHERE id = $1
	`
	res, err := p.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.Type, svc.Provider, svc.Endpoint, auth, checks,
		svc.Status, svc.Enabled, svc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return expectRow(res)
}

func (p *Postgres) UpdateServiceStatus(ctx context.Context, id string, status models.HealthStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE monitored_services SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update service status: %w", err)
	}
	return expectRow(res)
}

func (p *Postgres) DeleteService(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM service_health_checks WHERE service_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete health checks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM monitored_services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertHealthCheck(ctx context.Context, r *models.HealthCheckResult) error {
	metadata, err := marshalMetadata(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal check metadata: %w", err)
	}

	query := `
		INSERT INTO service_health_checks (
			id, service_id, checked_at, status, response_time_ms, status_code,
			error_message, attempt, endpoint, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = p.db.ExecContext(ctx, query,
		r.ID, r.ServiceID, r.Timestamp, r.Status, r.ResponseTime, r.StatusCode,
		r.Error, r.Attempt, r.Endpoint, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to record health check: %w", err)
	}
	return nil
}

const checkColumns = `id, service_id, checked_at, status, response_time_ms, status_code, error_message, attempt, endpoint, metadata`

func scanChecks(rows *sql.Rows) ([]*models.HealthCheckResult, error) {
	defer rows.Close()
	var out []*models.HealthCheckResult
	for rows.Next() {
		var (
			r        models.HealthCheckResult
			metadata []byte
		)
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.Timestamp, &r.Status, &r.ResponseTime,
			&r.StatusCode, &r.Error, &r.Attempt, &r.Endpoint, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		r.Metadata = unmarshalMetadata(metadata)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListHealthChecks(ctx context.Context, serviceID string, since time.Time, limit int) ([]*models.HealthCheckResult, error) {
	query := `SELECT ` + checkColumns + ` FROM service_health_checks
		WHERE service_id = $1 AND checked_at >= $2
		ORDER BY checked_at DESC`
	args := []interface{}{serviceID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list health checks: %w", err)
	}
	return scanChecks(rows)
}

func (p *Postgres) DeleteHealthChecksBefore(ctx context.Context, serviceID string, before time.Time) ([]*models.HealthCheckResult, error) {
	query := `DELETE FROM service_health_checks
		WHERE service_id = $1 AND checked_at < $2
		RETURNING ` + checkColumns
	rows, err := p.db.QueryContext(ctx, query, serviceID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to prune health checks: %w", err)
	}
	return scanChecks(rows)
}

func (p *Postgres) UpsertMetrics(ctx context.Context, m *models.HealthMetrics) error {
	query := `
		INSERT INTO service_health_metrics (
			service_id, total_checks, successful_checks, failed_checks, uptime,
			avg_response_time, last_check_at, last_healthy_at, last_unhealthy_at,
			current_status, consecutive_failures, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (service_id) DO UPDATE SET
			total_checks = EXCLUDED.total_checks,
			successful_checks = EXCLUDED.successful_checks,
			failed_checks = EXCLUDED.failed_checks,
			uptime = EXCLUDED.uptime,
			avg_response_time = EXCLUDED.avg_response_time,
			last_check_at = EXCLUDED.last_check_at,
			last_healthy_at = EXCLUDED.last_healthy_at,
			last_unhealthy_at = EXCLUDED.last_unhealthy_at,
			current_status = EXCLUDED.current_status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			updated_at = EXCLUDED.updated_at
	`
	_, err := p.db.ExecContext(ctx, query,
		m.ServiceID, m.TotalChecks, m.SuccessfulChecks, m.FailedChecks, m.Uptime,
		m.AverageResponseTime, nullTime(m.LastCheckAt), nullTime(m.LastHealthyAt),
		nullTime(m.LastUnhealthyAt), m.CurrentStatus, m.ConsecutiveFailures, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metrics: %w", err)
	}
	return nil
}

const metricsColumns = `service_id, total_checks, successful_checks, failed_checks, uptime,
	avg_response_time, last_check_at, last_healthy_at, last_unhealthy_at,
	current_status, consecutive_failures, updated_at`

func scanMetrics(row rowScanner) (*models.HealthMetrics, error) {
	var m models.HealthMetrics
	var lastCheck, lastOK, lastFail sql.NullTime
	err := row.Scan(&m.ServiceID, &m.TotalChecks, &m.SuccessfulChecks, &m.FailedChecks, &m.Uptime,
		&m.AverageResponseTime, &lastCheck, &lastOK, &lastFail,
		&m.CurrentStatus, &m.ConsecutiveFailures, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.LastCheckAt = timePtr(lastCheck)
	m.LastHealthyAt = timePtr(lastOK)
	m.LastUnhealthyAt = timePtr(lastFail)
	return &m, nil
}

func (p *Postgres) GetMetrics(ctx context.Context, serviceID string) (*models.HealthMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM service_health_metrics WHERE service_id = $1`
	m, err := scanMetrics(p.db.QueryRowContext(ctx, query, serviceID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	return m, err
}

func (p *Postgres) ListMetrics(ctx context.Context) ([]*models.HealthMetrics, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+metricsColumns+` FROM service_health_metrics`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.HealthMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteMetrics(ctx context.Context, serviceID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM service_health_metrics WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("failed to delete metrics: %w", err)
	}
	return nil
}

func (p *Postgres) InsertAlert(ctx context.Context, a *models.Alert) error {
	metadata, err := marshalMetadata(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal alert metadata: %w", err)
	}

	query := `
		INSERT INTO service_alerts (
			id, service_id, alert_type, severity, title, message, created_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = p.db.ExecContext(ctx, query,
		a.ID, a.ServiceID, a.Type, a.Severity, a.Title, a.Message, a.Timestamp, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

const alertColumns = `id, service_id, alert_type, severity, title, message, created_at, metadata,
	acknowledged, acknowledged_at, acknowledged_by, resolved, resolved_at, resolved_by`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a            models.Alert
		metadata     []byte
		ackAt, resAt sql.NullTime
		ackBy, resBy sql.NullString
	)
	err := row.Scan(&a.ID, &a.ServiceID, &a.Type, &a.Severity, &a.Title, &a.Message, &a.Timestamp, &metadata,
		&a.Acknowledged, &ackAt, &ackBy, &a.Resolved, &resAt, &resBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = unmarshalMetadata(metadata)
	a.AcknowledgedAt = timePtr(ackAt)
	a.AcknowledgedBy = stringPtr(ackBy)
	a.ResolvedAt = timePtr(resAt)
	a.ResolvedBy = stringPtr(resBy)
	return &a, nil
}

func (p *Postgres) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM service_alerts WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, err
}

// alertQuery builds the filtered SELECT with positional arguments in the
// order the conditions appear
func alertQuery(f models.AlertFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ServiceID != "" {
		add("service_id = $%d", f.ServiceID)
	}
	if f.Type != "" {
		add("alert_type = $%d", f.Type)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Acknowledged != nil {
		add("acknowledged = $%d", *f.Acknowledged)
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	query := `SELECT ` + alertColumns + ` FROM service_alerts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return query, args
}

func (p *Postgres) QueryAlerts(ctx context.Context, f models.AlertFilter) ([]*models.Alert, error) {
	query, args := alertQuery(f)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *Postgres) AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	query := `
		UPDATE service_alerts
		SET acknowledged = TRUE, acknowledged_at = NOW(), acknowledged_by = $2
		WHERE id = $1
		RETURNING ` + alertColumns
	a, err := scanAlert(p.db.QueryRowContext(ctx, query, id, by))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return a, err
}

func (p *Postgres) ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	query := `
		UPDATE service_alerts
		SET resolved = TRUE, resolved_at = NOW(), resolved_by = $2
		WHERE id = $1
		RETURNING ` + alertColumns
	a, err := scanAlert(p.db.QueryRowContext(ctx, query, id, by))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return a, err
}
