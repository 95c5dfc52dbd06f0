package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keelhq/keel/pkg/auth"
	"github.com/keelhq/keel/pkg/canonical"
)

// WebhookDeliverer posts rows to a subscription's target URL as JSON. When
// keys are configured, the body is signed with the row org's webhook key, so
// a receiver verifies callbacks exactly the way the kernel verifies inbound
// hooks. One attempt per tick; the store's attempt budget owns retries.
type WebhookDeliverer struct {
	client *http.Client
	keys   *auth.WebhookKeys
}

// NewWebhookDeliverer builds a deliverer. A nil client gets a 10s-timeout
// default; nil keys send unsigned callbacks.
func NewWebhookDeliverer(client *http.Client, keys *auth.WebhookKeys) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDeliverer{client: client, keys: keys}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, sub Subscription, row Row) error {
	if sub.Target == "" {
		return fmt.Errorf("outbox: subscription %q has no target", sub.Name)
	}

	body, err := canonical.Marshal(row)
	if err != nil {
		return fmt.Errorf("outbox: encode row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.keys != nil {
		sig, err := d.keys.Sign(row.OrgID, body)
		if err != nil {
			return fmt.Errorf("outbox: sign callback: %w", err)
		}
		req.Header.Set(auth.SignatureHeader, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: deliver to %s: %w", sub.Target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("outbox: target %s returned %d", sub.Target, resp.StatusCode)
	}
	return nil
}
