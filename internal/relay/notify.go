package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
)

// Notifier is the outbound side-effect hook invoked once per accepted
// human chat message. Delivery is at-most-once and best-effort: the
// relay fires it on a detached goroutine, ignores the result, and never
// retries or applies backpressure to the chat path.
type Notifier interface {
	Notify(ctx context.Context, fromName, content string) error
}

// WebhookNotifier posts chat notifications to a configured URL.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url, token string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify posts one notification. Errors are returned for logging only;
// the caller discards them.
func (n *WebhookNotifier) Notify(ctx context.Context, fromName, content string) error {
	payload, err := json.Marshal(map[string]string{
		"from":    fromName,
		"content": content,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// notifyAsync fires the notifier on a detached goroutine. No retry, no
// backpressure; a failure only bumps a counter.
func (st *State) notifyAsync(fromName, content string) {
	if st.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.notifier.Notify(ctx, fromName, content); err != nil {
			metrics.NotifyFailures.Inc()
			st.logger.Debug().Err(err).Msg("notify failed")
		}
	}()
}
