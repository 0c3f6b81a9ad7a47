package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook POSTs lifecycle events as JSON to a fixed URL.
type Webhook struct {
	url        string
	httpClient *resty.Client
}

// NewWebhook returns a Webhook notifier.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	httpClient := resty.New().
		SetHeader("User-Agent", "hls-livestream/1.0").
		SetTimeout(timeout)
	return &Webhook{url: strings.TrimSpace(url), httpClient: httpClient}
}

func (w *Webhook) Notify(ctx context.Context, ev Lifecycle) error {
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("lifecycle webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("lifecycle webhook error (%d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}
