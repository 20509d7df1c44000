package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/penserai/acteon/domain"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
)

// WebhookConfig configures one webhook-backed provider adapter.
type WebhookConfig struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookProvider posts an action's payload to a configured HTTP
// endpoint, the same shape as the teacher's trigger dispatcher's
// "webhook" action case.
type WebhookProvider struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookProvider builds a WebhookProvider. cfg.Method defaults to
// POST and cfg.Timeout to 15s when unset.
func NewWebhookProvider(cfg WebhookConfig) *WebhookProvider {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebhookProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *WebhookProvider) Execute(ctx context.Context, action domain.Action) (Response, error) {
	if w.cfg.URL == "" {
		return Response{}, gwerrors.Validation("webhook provider has no url configured")
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(action.Payload))
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindValidation, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Acteon-Action-Id", action.ID)
	req.Header.Set("X-Acteon-Action-Type", action.ActionType)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindUnavailable, "webhook request failed", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	if resp.StatusCode >= 500 {
		return Response{StatusCode: resp.StatusCode, Body: body},
			gwerrors.Wrap(gwerrors.KindUnavailable, fmt.Sprintf("webhook status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return Response{StatusCode: resp.StatusCode, Body: body},
			gwerrors.Wrap(gwerrors.KindValidation, fmt.Sprintf("webhook status %d", resp.StatusCode), nil)
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}
