package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint:
//
//	{"level":"WARNING","title":"...","message":"...","symbol":"000300","ts":"..."}
//
// Status transitions add "series", "from" and "to".
// A 5xx response is retried once after RetryDelay.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client

	RetryDelay time.Duration
}

// NewWebhookNotifier creates a webhook notifier. A non-empty token is sent
// as a bearer Authorization header.
func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		RetryDelay: time.Second,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"level":   string(alert.Level),
		"title":   alert.Title,
		"message": alert.Message,
		"symbol":  alert.Symbol,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if alert.Series != "" {
		payload["series"] = alert.Series
		payload["from"] = alert.From
		payload["to"] = alert.To
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	status, err := w.post(ctx, body)
	if err == nil && status >= 500 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.RetryDelay):
		}
		status, err = w.post(ctx, body)
	}
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", status)
	}

	log.Printf("[webhook] sent alert: %s", alert.Title)
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: send: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
