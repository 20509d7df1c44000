package background

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/scheduler"
)

// failOnceNotifier fails the first delivery for each approval, then
// succeeds, so a test can assert the retry sweep actually runs.
type failOnceNotifier struct {
	seen map[string]bool
}

func (f *failOnceNotifier) Notify(_ context.Context, a domain.Approval) error {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if !f.seen[a.ApprovalID] {
		f.seen[a.ApprovalID] = true
		return errors.New("notify: delivery failed")
	}
	return nil
}

func TestProcessor_TickFiresDueScheduledAction(t *testing.T) {
	store := state.NewMemoryStore(time.Minute)
	var fired []string
	sched := scheduler.New(store, func(_ context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error) {
		fired = append(fired, action.ID)
		return domain.ActionOutcome{Kind: domain.OutcomeExecuted}, nil, nil
	})

	past := time.Now().Add(-time.Second)
	_, err := sched.Schedule(context.Background(), domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", StartsAt: &past})
	require.NoError(t, err)

	auditStore := audit.NewMemoryStore()
	p := New(DefaultConfig(), sched, nil, nil, nil, auditStore, nil)

	p.Tick(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "a1", fired[0])

	// A second tick finds nothing left due.
	p.Tick(context.Background())
	assert.Len(t, fired, 1)
}

func TestProcessor_StartStopIsIdempotent(t *testing.T) {
	store := state.NewMemoryStore(time.Minute)
	sched := scheduler.New(store, func(_ context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error) {
		return domain.ActionOutcome{Kind: domain.OutcomeExecuted}, nil, nil
	})
	cfg := DefaultConfig()
	cfg.Spec = "@every 1h"
	p := New(cfg, sched, nil, nil, nil, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()), "starting twice must be a no-op, not an error")
	p.Stop()
	p.Stop()
}

func TestProcessor_TickRetriesFailedApprovalNotifications(t *testing.T) {
	store := state.NewMemoryStore(time.Minute)
	keys, err := approval.NewKeySet("k1", map[string][]byte{"k1": []byte("secret")})
	require.NoError(t, err)
	approvals := approval.NewStore(store, keys, func(_ context.Context, a domain.Action) (domain.ActionOutcome, error) {
		return domain.ActionOutcome{Kind: domain.OutcomeExecuted}, nil
	})
	notifier := &failOnceNotifier{}
	approvals.SetNotifier(notifier)

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := approvals.Create(context.Background(), action, "rule.one", "", []string{"https://hooks.example/oncall"}, time.Hour)
	require.NoError(t, err)

	failed, err := approvals.Get(context.Background(), "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, failed.NotifyFailedAt, "Create's delivery attempt must have failed")

	p := New(DefaultConfig(), nil, nil, nil, approvals, nil, nil)
	p.Tick(context.Background())

	recovered, err := approvals.Get(context.Background(), "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	assert.Nil(t, recovered.NotifyFailedAt, "the background tick must retry and clear the failed notification")
}
