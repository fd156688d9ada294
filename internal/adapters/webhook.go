// SPDX-License-Identifier: MIT

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voslund/fetchd/internal/faults"
)

// WebhookNotifier POSTs notifications as JSON to a configured URL.
type WebhookNotifier struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewWebhookNotifier builds a webhook sink. token is optional bearer auth.
func NewWebhookNotifier(name, url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   name,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string { return w.name }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransientNetwork, "webhook "+w.name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if f := faults.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("webhook %s: status %d", w.name, resp.StatusCode)); f != nil {
		return f
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
