// Package monitoring sends webhook alerts about the tenant reconcile queue.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/config"
	"github.com/ycm360/cafemx/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertReconcileExhausted AlertType = "reconcile_exhausted"
	AlertReconcileBacklog   AlertType = "reconcile_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns reconcile pass results into alerts and posts them to a
// webhook. It satisfies tenant.ReconcileObserver.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
	now    func() time.Time

	// backlogAlerted suppresses repeat backlog alerts until the queue drains
	// below the threshold again.
	backlogAlerted bool
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate returns the alerts for one reconcile pass.
func (a *Alerter) Evaluate(pending int, exhausted []model.ReconcileEntry) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	for _, e := range exhausted {
		alerts = append(alerts, Alert{
			Type:     AlertReconcileExhausted,
			Severity: "high",
			Message: fmt.Sprintf(
				"Tenant %s (%s) could not be removed after %d attempts; manual cleanup required",
				e.TenantID, e.SchemaName, e.Attempts,
			),
			Details: map[string]any{
				"entry_id":    e.ID,
				"tenant_id":   e.TenantID,
				"schema_name": e.SchemaName,
				"action":      e.Action,
				"attempts":    e.Attempts,
				"last_error":  e.Error,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 {
		switch {
		case pending >= a.cfg.BacklogThreshold && !a.backlogAlerted:
			a.backlogAlerted = true
			alerts = append(alerts, Alert{
				Type:     AlertReconcileBacklog,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d compensating deletes pending (threshold %d)",
					pending, a.cfg.BacklogThreshold,
				),
				Details: map[string]any{
					"pending":   pending,
					"threshold": a.cfg.BacklogThreshold,
				},
				Timestamp: now,
			})
		case pending < a.cfg.BacklogThreshold:
			a.backlogAlerted = false
		}
	}

	return alerts
}

// ObserveReconcile evaluates a pass and sends whatever it produced.
func (a *Alerter) ObserveReconcile(ctx context.Context, pending int, exhausted []model.ReconcileEntry) {
	a.SendAlerts(ctx, a.Evaluate(pending, exhausted))
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
