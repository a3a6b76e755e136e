package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"health-monitor/internal/metrics"
	"health-monitor/internal/store"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"

	"github.com/google/uuid"
)

// ErrCheckAborted means the caller gave up before the check reached a
// verdict; nothing is recorded for it
var ErrCheckAborted = errors.New("health check aborted")

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff is 2^attempt seconds
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// HealthChecker runs probes with per-attempt timeouts and exponential backoff
type HealthChecker struct {
	store   store.Store
	probers map[models.ServiceType]Prober
	sleep   Sleeper
	now     func() time.Time
}

func NewHealthChecker(st store.Store, probers map[models.ServiceType]Prober) *HealthChecker {
	return &HealthChecker{
		store:   st,
		probers: probers,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// DefaultProbers maps each service type to its probe; a nil inspector leaves
// container targets without a prober
func DefaultProbers(productName string, inspector ContainerInspector) map[models.ServiceType]Prober {
	httpProber := NewHTTPProber(productName)
	probers := map[models.ServiceType]Prober{
		models.ServiceTypeAPI:      httpProber,
		models.ServiceTypeOther:    httpProber,
		models.ServiceTypeDatabase: NewDatabaseProber(),
		models.ServiceTypeCache:    NewCacheProber(),
	}
	if inspector != nil {
		probers[models.ServiceTypeContainer] = NewContainerProber(inspector)
	}
	return probers
}

// PerformHealthCheck probes the target until it succeeds or cfg.Retries
// attempts have failed. Every failure of the target ends up in the returned
// result, which is also persisted. The only error is ErrCheckAborted, when ctx
// ends before a verdict.
func (hc *HealthChecker) PerformHealthCheck(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) (*models.HealthCheckResult, error) {
	start := time.Now()
	result, err := hc.run(ctx, target, cfg)
	if err != nil {
		logger.Debug("Health check aborted", logger.ServiceID(target.ID), logger.Err(err))
		return nil, err
	}

	metrics.RecordHealthCheck(string(target.Type), string(result.Status), time.Since(start), result.Attempt)

	if err := hc.store.InsertHealthCheck(ctx, result); err != nil {
		logger.Error("Failed to persist health check",
			logger.ServiceID(target.ID),
			logger.Err(err),
		)
	}

	return result, nil
}

func (hc *HealthChecker) run(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) (*models.HealthCheckResult, error) {
	result := &models.HealthCheckResult{
		ID:        uuid.New().String(),
		ServiceID: target.ID,
		Status:    models.StatusUnhealthy,
		Endpoint:  target.Endpoint,
	}

	prober, ok := hc.probers[target.Type]
	if !ok {
		result.Timestamp = hc.now()
		result.Error = fmt.Sprintf("%v: %s", ErrNoProber, target.Type)
		return result, nil
	}

	retries := max(cfg.Retries, 1)
	attempt := 0
	for {
		out, elapsed := hc.attempt(ctx, prober, target, cfg)

		result.Timestamp = hc.now()
		result.ResponseTime = float64(elapsed.Microseconds()) / 1000
		result.StatusCode = out.StatusCode
		result.Metadata = out.Metadata
		if out.Endpoint != "" {
			result.Endpoint = out.Endpoint
		}

		if out.Err == nil {
			result.Status = models.StatusHealthy
			result.Attempt = attempt
			result.Error = ""
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCheckAborted, err)
		}

		result.Error = out.Err.Error()
		attempt++
		if attempt >= retries {
			result.Attempt = retries
			return result, nil
		}

		logger.Debug("Health check attempt failed, retrying",
			logger.ServiceID(target.ID),
			logger.Int("attempt", attempt),
			logger.Err(out.Err),
		)

		if err := hc.sleep(ctx, backoff(attempt)); err != nil {
			return nil, fmt.Errorf("%w during backoff: %w", ErrCheckAborted, err)
		}
	}
}

func (hc *HealthChecker) attempt(ctx context.Context, prober Prober, target *models.ServiceTarget, cfg models.CheckConfig) (ProbeOutcome, time.Duration) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := prober.Probe(attemptCtx, target, cfg)
	elapsed := time.Since(start)

	if out.Err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.Err = fmt.Errorf("health check timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	return out, elapsed
}
