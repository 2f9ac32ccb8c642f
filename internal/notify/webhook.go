package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/loadbalancer"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// WebhookNotifier posts load alerts as JSON to an operations webhook
// (Slack-compatible endpoints work with a relay in front).
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewWebhookNotifier builds a notifier for the given webhook URL. Returns
// nil when the URL is empty so callers can wire it unconditionally.
func NewWebhookNotifier(url string, logger *logging.Logger) *WebhookNotifier {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// SendLoadAlert delivers one threshold-crossing alert.
func (n *WebhookNotifier) SendLoadAlert(ctx context.Context, alert loadbalancer.LoadAlert) error {
	payload := map[string]any{
		"event":         "number_load_alert",
		"number":        alert.Number,
		"message_count": alert.Count,
		"load_fraction": alert.Load,
		"threshold":     alert.Threshold,
		"timestamp":     alert.Timestamp.UTC().Format(time.RFC3339),
		"text": fmt.Sprintf("Channel number %s is at %.0f%% of its send capacity (%d messages in window)",
			alert.Number, alert.Load*100, alert.Count),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal load alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post load alert: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: alert webhook returned status %d", resp.StatusCode)
	}
	n.logger.Info("load alert delivered", "number", alert.Number, "status", resp.StatusCode)
	return nil
}

var _ loadbalancer.AlertNotifier = (*WebhookNotifier)(nil)
