package monitoring

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"health-monitor/pkg/docker"
	"health-monitor/pkg/models"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
)

var (
	ErrUnhealthyStatus   = errors.New("unhealthy response status")
	ErrContainerNotReady = errors.New("container not running")
	ErrNoProber          = errors.New("no prober for service type")
)

const maxDrainBytes = 64 << 10

// ProbeOutcome is the raw result of one probe attempt. A nil Err means healthy.
type ProbeOutcome struct {
	StatusCode int
	Endpoint   string
	Metadata   map[string]interface{}
	Err        error
}

// Prober runs a single attempt against a target. Implementations must honour
// ctx cancellation; the engine applies the per-attempt timeout.
type Prober interface {
	Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome
}

// HealthPath picks the health endpoint suffix for a target's provider
func HealthPath(target *models.ServiceTarget, cfg models.CheckConfig) string {
	if cfg.HealthPath != "" {
		return cfg.HealthPath
	}
	switch strings.ToLower(target.Provider) {
	case "shopify":
		return "/admin/api/health"
	case "stripe":
		return "/v1/account"
	default:
		return "/health"
	}
}

func HealthURL(target *models.ServiceTarget, cfg models.CheckConfig) string {
	path := HealthPath(target, cfg)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(target.Endpoint, "/") + path
}

// AuthHeaders renders the credential headers for an auth descriptor
func AuthHeaders(auth models.Auth) (http.Header, error) {
	h := http.Header{}
	switch auth.Kind {
	case "", models.AuthNone:
	case models.AuthAPIKey:
		name := auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, auth.Key)
	case models.AuthBearer:
		h.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+creds)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidAuth, auth.Kind)
	}
	return h, nil
}

type HTTPProber struct {
	client    *http.Client
	userAgent string
}

func NewHTTPProber(productName string) *HTTPProber {
	return &HTTPProber{
		client:    &http.Client{},
		userAgent: productName + "-HealthMonitor/1.0",
	}
}

func (p *HTTPProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	endpoint := HealthURL(target, cfg)
	out := ProbeOutcome{
		Endpoint: endpoint,
		Metadata: map[string]interface{}{"probe": "http"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		out.Err = fmt.Errorf("failed to build request: %w", err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	authHeaders, err := AuthHeaders(target.Auth)
	if err != nil {
		out.Err = err
		return out
	}
	for k, v := range authHeaders {
		req.Header[k] = v
	}

	resp, err := p.client.Do(req)
	if err != nil {
		out.Err = err
		return out
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	out.StatusCode = resp.StatusCode
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out.Metadata["headers"] = headers
	out.Metadata["contentLength"] = resp.ContentLength
	if resp.TLS != nil {
		out.Metadata["tlsVersion"] = tls.VersionName(resp.TLS.Version)
		out.Metadata["tlsCipher"] = tls.CipherSuiteName(resp.TLS.CipherSuite)
		if len(resp.TLS.PeerCertificates) > 0 {
			out.Metadata["certificateExpiry"] = resp.TLS.PeerCertificates[0].NotAfter
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Err = fmt.Errorf("%w: HTTP %d", ErrUnhealthyStatus, resp.StatusCode)
	}
	return out
}

// DatabaseProber opens a short-lived connection from the target DSN and pings it
type DatabaseProber struct {
	driver string
}

func NewDatabaseProber() *DatabaseProber {
	return &DatabaseProber{driver: "postgres"}
}

func (p *DatabaseProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	out := ProbeOutcome{
		Endpoint: redact(target.Endpoint),
		Metadata: map[string]interface{}{"probe": "database", "driver": p.driver},
	}

	db, err := sql.Open(p.driver, target.Endpoint)
	if err != nil {
		out.Err = fmt.Errorf("failed to open database: %w", err)
		return out
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		out.Err = fmt.Errorf("database ping failed: %w", err)
	}
	return out
}

// CacheProber pings a Redis endpoint given as a redis:// URL
type CacheProber struct{}

func NewCacheProber() *CacheProber {
	return &CacheProber{}
}

func (p *CacheProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	out := ProbeOutcome{
		Endpoint: redact(target.Endpoint),
		Metadata: map[string]interface{}{"probe": "cache"},
	}

	opt, err := redis.ParseURL(target.Endpoint)
	if err != nil {
		out.Err = fmt.Errorf("failed to parse cache URL: %w", err)
		return out
	}
	opt.MaxRetries = -1

	client := redis.NewClient(opt)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		out.Err = fmt.Errorf("cache ping failed: %w", err)
	}
	return out
}

// ContainerInspector is the slice of the docker client the container probe needs
type ContainerInspector interface {
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerState, error)
}

type ContainerProber struct {
	inspector ContainerInspector
}

func NewContainerProber(inspector ContainerInspector) *ContainerProber {
	return &ContainerProber{inspector: inspector}
}

func (p *ContainerProber) Probe(ctx context.Context, target *models.ServiceTarget, cfg models.CheckConfig) ProbeOutcome {
	out := ProbeOutcome{
		Endpoint: target.Endpoint,
		Metadata: map[string]interface{}{"probe": "container"},
	}

	state, err := p.inspector.InspectContainer(ctx, target.Endpoint)
	if err != nil {
		out.Err = err
		return out
	}

	out.Metadata["state"] = state.Status
	out.Metadata["image"] = state.Image
	out.Metadata["restarts"] = state.Restarts
	if state.Health != "" {
		out.Metadata["health"] = state.Health
	}

	if !state.Running() {
		out.Err = fmt.Errorf("%w: state=%s health=%s", ErrContainerNotReady, state.Status, state.Health)
	}
	return out
}

// redact hides credentials in URL-shaped endpoints
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return endpoint
	}
	return u.Redacted()
}
