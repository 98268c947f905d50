package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate      AlertType = "run_failure_rate"
	AlertConsecutiveEmpty AlertType = "consecutive_empty"
	AlertErrorSpike       AlertType = "fetch_error_spike"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check run failure rate.
	finished := snap.RunsComplete + snap.RunsFailed + snap.RunsEmpty
	if finished >= 5 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check sources that keep coming up empty. A long empty streak usually
	// means the site changed its markup and the selectors silently miss.
	if a.cfg.ConsecutiveEmpty > 0 {
		ids := make([]string, 0, len(snap.BySource))
		for id := range snap.BySource {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			h := snap.BySource[id]
			if h.ConsecutiveEmpty >= a.cfg.ConsecutiveEmpty {
				alerts = append(alerts, Alert{
					Type:     AlertConsecutiveEmpty,
					Severity: "medium",
					Message: fmt.Sprintf(
						"Source %s produced no items in its last %d runs",
						id, h.ConsecutiveEmpty,
					),
					Details: map[string]any{
						"source":            id,
						"consecutive_empty": h.ConsecutiveEmpty,
						"threshold":         a.cfg.ConsecutiveEmpty,
					},
					Timestamp: now,
				})
			}
		}
	}

	// Check fetch error spike.
	attempts := snap.Fetch.PagesFetched + snap.Fetch.Errors
	if snap.Fetch.Errors >= 10 && attempts > 0 {
		errRate := float64(snap.Fetch.Errors) / float64(attempts)
		if errRate > 0.25 {
			alerts = append(alerts, Alert{
				Type:     AlertErrorSpike,
				Severity: "high",
				Message: fmt.Sprintf(
					"Fetch error rate %.1f%% (%d errors / %d attempts since start)",
					errRate*100, snap.Fetch.Errors, attempts,
				),
				Details: map[string]any{
					"error_rate": errRate,
					"errors":     snap.Fetch.Errors,
					"attempts":   attempts,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
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

// sendWebhook posts a single alert to the webhook URL.
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
