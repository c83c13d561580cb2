package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
)

// Webhook posts every task status change as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, change domain.StatusChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode status change: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	log.Debug().Int64("task_id", change.TaskID).Str("to", string(change.To)).Int("http_status", resp.StatusCode).Msg("status change delivered")
	return nil
}
