package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/retry"
)

// WebhookSink POSTs the event envelope as JSON to a fixed URL. Transient
// HTTP failures are retried with backoff inside the push deadline.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	retry   retry.Config
}

// NewWebhookSink creates a webhook sink. Extra headers (auth tokens and
// the like) are attached to every request.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 5 * time.Second},
		retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
		},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Push(ctx context.Context, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return retry.Do(ctx, s.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", s.url, resp.StatusCode)
		}
		return nil
	})
}
