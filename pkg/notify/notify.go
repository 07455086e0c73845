// Package notify is the chat-collaborator notification boundary: a small
// interface plus a webhook-backed implementation and a logging fallback,
// because every notification in this system is explicitly best-effort —
// a failed webhook post must never fail the task it was reporting on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/conveyor/pkg/log"
)

// Notifier sends a best-effort message about a task event to whatever chat
// collaborator is configured.
type Notifier interface {
	Notify(ctx context.Context, taskID int64, message string) error
}

// WebhookNotifier posts a JSON payload to a configured webhook URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a notifier posting to url with a bounded client
// timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	TaskID    int64     `json:"task_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notify posts the message to the webhook URL. Errors are returned to the
// caller, which is expected (per the error handling design) to log and
// continue rather than propagate.
func (w *WebhookNotifier) Notify(ctx context.Context, taskID int64, message string) error {
	body, err := json.Marshal(webhookPayload{TaskID: taskID, Message: message, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LoggingNotifier is the fallback used when no webhook is configured: it
// just writes the message to the structured logger, so the chat-facing
// feature can be omitted from a deployment without touching the scheduler.
type LoggingNotifier struct{}

// Notify logs the message rather than sending it anywhere.
func (LoggingNotifier) Notify(ctx context.Context, taskID int64, message string) error {
	log.WithTaskID(taskID).Info().Str("message", message).Msg("notification (no webhook configured)")
	return nil
}
