package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceType selects the probe used for a monitored service
type ServiceType string

const (
	ServiceTypeAPI       ServiceType = "api"
	ServiceTypeDatabase  ServiceType = "database"
	ServiceTypeCache     ServiceType = "cache"
	ServiceTypeContainer ServiceType = "container"
	ServiceTypeOther     ServiceType = "other"
)

func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTypeAPI, ServiceTypeDatabase, ServiceTypeCache, ServiceTypeContainer, ServiceTypeOther:
		return true
	}
	return false
}

// HealthStatus is the outcome of a single probe
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type AlertType string

const (
	AlertTypePerformance  AlertType = "performance"
	AlertTypeAvailability AlertType = "availability"
	AlertTypeError        AlertType = "error"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// AuthKind tags the variant held by Auth
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
)

// Auth is a tagged union over the supported credential schemes. Only the
// fields belonging to Kind are meaningful.
type Auth struct {
	Kind AuthKind `json:"kind"`

	// api_key
	Header string `json:"header,omitempty"`
	Key    string `json:"key,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

var ErrInvalidAuth = errors.New("invalid auth descriptor")

func (a Auth) Validate() error {
	switch a.Kind {
	case "", AuthNone:
		return nil
	case AuthAPIKey:
		if a.Key == "" {
			return fmt.Errorf("%w: api_key requires key", ErrInvalidAuth)
		}
		return nil
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("%w: bearer requires token", ErrInvalidAuth)
		}
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("%w: basic requires username", ErrInvalidAuth)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAuth, a.Kind)
	}
}

// Thresholds configure alerting. A zero value disables the matching rule.
type Thresholds struct {
	ResponseTime float64 `json:"responseTime"` // ms
	Uptime       float64 `json:"uptime"`       // percent
	ErrorRate    float64 `json:"errorRate"`    // percent
}

type CheckConfig struct {
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Retries    int           `json:"retries"`
	HealthPath string        `json:"healthPath,omitempty"`
	Thresholds Thresholds    `json:"thresholds"`
}

func (c CheckConfig) Validate() error {
	var problems []string
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.Retries < 1 {
		problems = append(problems, "retries must be >= 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid check config: %s", strings.Join(problems, ", "))
	}
	return nil
}

// ServiceTarget is a monitored service in the registry
type ServiceTarget struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      ServiceType   `json:"type"`
	Provider  string        `json:"provider,omitempty"`
	Endpoint  string        `json:"endpoint"`
	Auth      Auth          `json:"auth"`
	Checks    []CheckConfig `json:"checks"`
	Status    HealthStatus  `json:"status"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// PrimaryCheck returns the first check config, which drives manual checks
func (s *ServiceTarget) PrimaryCheck() CheckConfig {
	if len(s.Checks) == 0 {
		return CheckConfig{}
	}
	return s.Checks[0]
}

// HealthCheckResult is the final outcome of one probe including its retries
type HealthCheckResult struct {
	ID           string                 `json:"id"`
	ServiceID    string                 `json:"serviceId"`
	Timestamp    time.Time              `json:"timestamp"`
	Status       HealthStatus           `json:"status"`
	ResponseTime float64                `json:"responseTime"`
	StatusCode   int                    `json:"statusCode"`
	Error        string                 `json:"error,omitempty"`
	Attempt      int                    `json:"attempt"`
	Endpoint     string                 `json:"endpoint"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (r *HealthCheckResult) Healthy() bool {
	return r.Status == StatusHealthy
}

// HealthMetrics is the running aggregate for a service
type HealthMetrics struct {
	ServiceID           string       `json:"serviceId"`
	TotalChecks         int64        `json:"totalChecks"`
	SuccessfulChecks    int64        `json:"successfulChecks"`
	FailedChecks        int64        `json:"failedChecks"`
	Uptime              float64      `json:"uptime"`
	AverageResponseTime float64      `json:"averageResponseTime"`
	LastCheckAt         *time.Time   `json:"lastCheckAt,omitempty"`
	LastHealthyAt       *time.Time   `json:"lastHealthyAt,omitempty"`
	LastUnhealthyAt     *time.Time   `json:"lastUnhealthyAt,omitempty"`
	CurrentStatus       HealthStatus `json:"currentStatus"`
	ConsecutiveFailures int64        `json:"consecutiveFailures"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// ErrorRate returns failed checks as a percentage of all checks
func (m *HealthMetrics) ErrorRate() float64 {
	if m.TotalChecks == 0 {
		return 0
	}
	return float64(m.FailedChecks) / float64(m.TotalChecks) * 100
}

// Alert represents a monitoring alert
type Alert struct {
	ID             string                 `json:"id"`
	ServiceID      string                 `json:"serviceId"`
	Type           AlertType              `json:"type"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string                `json:"acknowledgedBy,omitempty"`
	Resolved       bool                   `json:"resolved"`
	ResolvedAt     *time.Time             `json:"resolvedAt,omitempty"`
	ResolvedBy     *string                `json:"resolvedBy,omitempty"`
}

// AlertFilter narrows alert queries. Zero fields do not filter.
type AlertFilter struct {
	ServiceID    string
	Type         AlertType
	Severity     Severity
	Acknowledged *bool
	Resolved     *bool
	Since        time.Time
	Limit        int
}

func (f AlertFilter) Matches(a *Alert) bool {
	if f.ServiceID != "" && a.ServiceID != f.ServiceID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// CacheKey renders the filter into a stable cache key suffix
func (f AlertFilter) CacheKey() string {
	ack, res := "-", "-"
	if f.Acknowledged != nil {
		ack = fmt.Sprintf("%t", *f.Acknowledged)
	}
	if f.Resolved != nil {
		res = fmt.Sprintf("%t", *f.Resolved)
	}
	since := "-"
	if !f.Since.IsZero() {
		since = f.Since.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%d", f.ServiceID, f.Type, f.Severity, ack, res, since, f.Limit)
}
