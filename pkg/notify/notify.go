package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"
)

// ErrWebhookStatus is returned when the receiver answers with a non-2xx code
var ErrWebhookStatus = errors.New("webhook returned non-success status")

// Notifier delivers an alert to an external channel
type Notifier interface {
	Send(ctx context.Context, alert *models.Alert) error
}

// Payload is the JSON body posted to alert webhooks
type Payload struct {
	AlertID   string                 `json:"alertId"`
	ServiceID string                 `json:"serviceId"`
	APIID     string                 `json:"apiId"`
	Type      models.AlertType       `json:"type"`
	Severity  models.Severity        `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func NewPayload(alert *models.Alert) Payload {
	return Payload{
		AlertID:   alert.ID,
		ServiceID: alert.ServiceID,
		APIID:     alert.ServiceID,
		Type:      alert.Type,
		Severity:  alert.Severity,
		Title:     alert.Title,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Metadata:  alert.Metadata,
	}
}

type Webhook struct {
	url        string
	userAgent  string
	httpClient *http.Client
}

func NewWebhook(url, productName string) *Webhook {
	return &Webhook{
		url:       url,
		userAgent: productName + "-HealthMonitor/1.0",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *Webhook) Send(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(NewPayload(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return nil
}

// Email only logs the alert; no mail transport is wired yet
type Email struct {
	to string
}

func NewEmail(to string) *Email {
	return &Email{to: to}
}

func (e *Email) Send(ctx context.Context, alert *models.Alert) error {
	logger.Info("Email alert notification",
		logger.String("to", e.to),
		logger.AlertID(alert.ID),
		logger.String("severity", string(alert.Severity)),
		logger.String("title", alert.Title),
	)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert *models.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
