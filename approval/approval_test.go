package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
)

func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet("k1", map[string][]byte{"k1": []byte("secret-one")})
	require.NoError(t, err)
	return ks
}

func TestKeySet_IssueVerifyRoundTrip(t *testing.T) {
	ks := testKeySet(t)
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	token := ks.Issue("action-123", expiry)
	require.NotEmpty(t, token)

	actionID, gotExpiry, err := ks.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "action-123", actionID)
	assert.Equal(t, expiry.Unix(), gotExpiry.Unix())
}

func TestKeySet_VerifyRejectsTamperedToken(t *testing.T) {
	ks := testKeySet(t)
	token := ks.Issue("action-123", time.Now().Add(time.Hour))

	_, _, err := ks.Verify(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeySet_VerifyRejectsUnknownKeyID(t *testing.T) {
	issuer, err := NewKeySet("old", map[string][]byte{"old": []byte("secret")})
	require.NoError(t, err)
	token := issuer.Issue("action-1", time.Now().Add(time.Hour))

	verifier, err := NewKeySet("new", map[string][]byte{"new": []byte("other")})
	require.NoError(t, err)

	_, _, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewKeySet_RequiresSigningKeyInVerificationSet(t *testing.T) {
	_, err := NewKeySet("missing", map[string][]byte{"other": []byte("x")})
	assert.Error(t, err)
}

func newTestStore(t *testing.T) (*Store, *[]domain.Action) {
	t.Helper()
	store := state.NewMemoryStore(time.Minute)
	ks := testKeySet(t)
	var dispatched []domain.Action
	s := NewStore(store, ks, func(_ context.Context, action domain.Action) (domain.ActionOutcome, error) {
		dispatched = append(dispatched, action)
		return domain.ActionOutcome{Kind: domain.OutcomeExecuted}, nil
	})
	return s, &dispatched
}

func TestStore_CreateGetList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "needs sign-off", []string{"oncall"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, detail.ApprovalID)

	got, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)
	assert.Equal(t, "rule.one", got.RuleName)

	all, err := s.List(ctx, "ns1", "acme", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, detail.ApprovalID, all[0].ApprovalID)

	pendingOnly, err := s.List(ctx, "ns1", "acme", domain.ApprovalPending)
	require.NoError(t, err)
	assert.Len(t, pendingOnly, 1)

	rejectedOnly, err := s.List(ctx, "ns1", "acme", domain.ApprovalRejected)
	require.NoError(t, err)
	assert.Empty(t, rejectedOnly)
}

func TestStore_DecideApproveRedispatches(t *testing.T) {
	s, dispatched := newTestStore(t)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", nil, time.Hour)
	require.NoError(t, err)

	approval, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)

	decided, err := s.Decide(ctx, approval.Token, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, decided.Status)
	assert.Equal(t, "alice", decided.DecidedBy)

	require.Len(t, *dispatched, 1)
	assert.Equal(t, "a1", (*dispatched)[0].ID)

	// Deciding twice fails: the approval has already transitioned.
	_, err = s.Decide(ctx, approval.Token, true, "bob")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestStore_DecideRejectDoesNotDispatch(t *testing.T) {
	s, dispatched := newTestStore(t)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", nil, time.Hour)
	require.NoError(t, err)
	approval, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)

	decided, err := s.Decide(ctx, approval.Token, false, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, decided.Status)
	assert.Empty(t, *dispatched)
}

func TestStore_DecideRejectsExpiredToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	_, err := s.Create(ctx, action, "rule.one", "", nil, time.Millisecond)
	require.NoError(t, err)

	// Issue a fresh token with an already-past expiry to exercise the
	// expiry check independent of sleeping in the test.
	token := s.keys.Issue("bogus-approval-id", time.Now().Add(-time.Minute))
	_, err = s.Decide(ctx, token, true, "alice")
	assert.Error(t, err)
}

func TestStore_SweepExpiredTransitionsPendingApprovals(t *testing.T) {
	s, dispatched := newTestStore(t)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.SweepExpired(ctx, time.Now(), 10))
	stillPending, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, stillPending.Status)

	require.NoError(t, s.SweepExpired(ctx, time.Now().Add(time.Hour), 10))
	expired, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, expired.Status)
	assert.NotNil(t, expired.DecidedAt)
	assert.Empty(t, *dispatched)
}

// fakeNotifier fails the first N calls for a given approval id, then
// succeeds, so tests can exercise Create's best-effort delivery and
// RetryFailedNotifications' retry without any real HTTP endpoint.
type fakeNotifier struct {
	failFirst int
	calls     map[string]int
}

func newFakeNotifier(failFirst int) *fakeNotifier {
	return &fakeNotifier{failFirst: failFirst, calls: map[string]int{}}
}

func (f *fakeNotifier) Notify(_ context.Context, approval domain.Approval) error {
	f.calls[approval.ApprovalID]++
	if f.calls[approval.ApprovalID] <= f.failFirst {
		return errors.New("notify: delivery failed")
	}
	return nil
}

func TestStore_CreateMarksNotifyFailedAtOnDeliveryFailure(t *testing.T) {
	s, _ := newTestStore(t)
	notifier := newFakeNotifier(1)
	s.SetNotifier(notifier)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", []string{"https://hooks.example/oncall"}, time.Hour)
	require.NoError(t, err)

	got, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifyFailedAt)
}

func TestStore_RetryFailedNotificationsClearsNotifyFailedAtOnSuccess(t *testing.T) {
	s, _ := newTestStore(t)
	notifier := newFakeNotifier(1)
	s.SetNotifier(notifier)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", []string{"https://hooks.example/oncall"}, time.Hour)
	require.NoError(t, err)

	failed, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, failed.NotifyFailedAt)

	require.NoError(t, s.RetryFailedNotifications(ctx, time.Now(), 10))

	recovered, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	assert.Nil(t, recovered.NotifyFailedAt)
	assert.Equal(t, 2, notifier.calls[detail.ApprovalID])
}

func TestStore_RetryFailedNotificationsSkipsDecidedApprovals(t *testing.T) {
	s, _ := newTestStore(t)
	notifier := newFakeNotifier(1)
	s.SetNotifier(notifier)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", []string{"https://hooks.example/oncall"}, time.Hour)
	require.NoError(t, err)

	got, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)
	_, err = s.Decide(ctx, got.Token, true, "alice")
	require.NoError(t, err)

	require.NoError(t, s.RetryFailedNotifications(ctx, time.Now(), 10))

	// Decide happened before the retry sweep ran, so the notifier must
	// only ever see the one Create-time delivery attempt.
	assert.Equal(t, 1, notifier.calls[detail.ApprovalID])
}

type recordingPublisher struct {
	events []domain.StreamEvent
}

func (p *recordingPublisher) Publish(e domain.StreamEvent) { p.events = append(p.events, e) }

func TestStore_DecidePublishesApprovalDecidedEvent(t *testing.T) {
	s, _ := newTestStore(t)
	pub := &recordingPublisher{}
	s.SetPublisher(pub)
	ctx := context.Background()

	action := domain.Action{ID: "a1", Namespace: "ns1", Tenant: "acme", Provider: "webhook"}
	detail, err := s.Create(ctx, action, "rule.one", "", nil, time.Hour)
	require.NoError(t, err)
	approval, err := s.Get(ctx, "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)

	_, err = s.Decide(ctx, approval.Token, true, "alice")
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.StreamEventApprovalDecided, pub.events[0].Kind)
	var published domain.Approval
	require.NoError(t, json.Unmarshal(pub.events[0].Data, &published))
	assert.Equal(t, domain.ApprovalApproved, published.Status)
}
