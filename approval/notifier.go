package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/penserai/acteon/domain"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
)

// Notifier delivers an approval-requested notification to whatever
// NotifyTo names. Store.Create calls it once when an approval is
// opened; Store.RetryFailedNotifications calls it again for any
// approval whose initial attempt failed (spec.md §4.8).
type Notifier interface {
	Notify(ctx context.Context, approval domain.Approval) error
}

// NotificationPayload is the JSON body HTTPNotifier posts to each
// NotifyTo endpoint.
type NotificationPayload struct {
	ApprovalID string    `json:"approval_id"`
	Namespace  string    `json:"namespace"`
	Tenant     string    `json:"tenant"`
	RuleName   string    `json:"rule_name"`
	Message    string    `json:"message,omitempty"`
	ActionType string    `json:"action_type"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// HTTPNotifier posts an approval-requested notification to every URL
// in NotifyTo, the same request shape as providers.WebhookProvider.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier builds an HTTPNotifier. timeout defaults to 10s.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

// Notify posts to every NotifyTo target and returns the first error
// encountered. A partial failure (some targets reachable, others not)
// still marks the approval for retry: spec.md tracks notification
// success per-approval, not per-recipient.
func (h *HTTPNotifier) Notify(ctx context.Context, approval domain.Approval) error {
	if len(approval.NotifyTo) == 0 {
		return nil
	}

	body, err := json.Marshal(NotificationPayload{
		ApprovalID: approval.ApprovalID,
		Namespace:  approval.Namespace,
		Tenant:     approval.Tenant,
		RuleName:   approval.RuleName,
		Message:    approval.Message,
		ActionType: approval.Action.ActionType,
		ExpiresAt:  approval.ExpiresAt,
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, target := range approval.NotifyTo {
		if err := h.post(ctx, target, approval.ApprovalID, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *HTTPNotifier) post(ctx context.Context, target, approvalID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindValidation, "build approval notification request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Acteon-Approval-Id", approvalID)

	resp, err := h.client.Do(req)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindUnavailable, "approval notification request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return gwerrors.Wrap(gwerrors.KindUnavailable, fmt.Sprintf("approval notification status %d", resp.StatusCode), nil)
	}
	return nil
}
