// Package approval implements the RequestApproval directive: holding an
// action pending a human decision behind an HMAC-signed token, with
// key rotation, atomic approve/reject transitions, and expiry
// (spec.md §4.6).
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/domain"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
	"github.com/penserai/acteon/infrastructure/state"
)

// ErrInvalidToken is returned when a token fails signature
// verification or is structurally malformed.
var ErrInvalidToken = errors.New("approval: invalid token")

// ErrAlreadyDecided is returned when Decide races a concurrent
// decision or expiry and loses.
var ErrAlreadyDecided = errors.New("approval: approval already decided")

// DispatchFunc re-dispatches an approved action through the full
// pipeline, with BypassApproval set so the originating rule does not
// fire again.
type DispatchFunc func(ctx context.Context, action domain.Action) (domain.ActionOutcome, error)

// KeySet supports HMAC key rotation: Sign always uses the active
// signing key; Verify accepts a signature from the signing key or any
// retired verification key, keyed by key_id.
type KeySet struct {
	signingKeyID string
	keys         map[string][]byte
}

// NewKeySet builds a KeySet whose active signing key is signingKeyID.
// verificationKeys must include signingKeyID's own secret.
func NewKeySet(signingKeyID string, verificationKeys map[string][]byte) (*KeySet, error) {
	if _, ok := verificationKeys[signingKeyID]; !ok {
		return nil, errors.New("approval: signing key id not present in verification keys")
	}
	keys := make(map[string][]byte, len(verificationKeys))
	for id, secret := range verificationKeys {
		keys[id] = secret
	}
	return &KeySet{signingKeyID: signingKeyID, keys: keys}, nil
}

func (k *KeySet) sign(keyID string, payload []byte) []byte {
	mac := hmac.New(sha256.New, k.keys[keyID])
	mac.Write(payload)
	return mac.Sum(nil)
}

// tokenPayload returns the bytes signed by Sign/verified by Verify:
// key_id '|' action_id '|' expiry unix seconds (8 bytes, big-endian).
// The key_id length byte is prepended by Issue, not included here.
func tokenPayload(keyID, actionID string, expiry time.Time) []byte {
	buf := make([]byte, 0, len(keyID)+len(actionID)+8)
	buf = append(buf, []byte(keyID)...)
	buf = append(buf, '|')
	buf = append(buf, []byte(actionID)...)
	buf = append(buf, '|')
	var expiryBytes [8]byte
	binary.BigEndian.PutUint64(expiryBytes[:], uint64(expiry.Unix()))
	buf = append(buf, expiryBytes[:]...)
	return buf
}

// Issue builds T = base64url(key_id || action_id || expiry || HMAC(secret, key_id||action_id||expiry)).
func (k *KeySet) Issue(actionID string, expiry time.Time) string {
	payload := tokenPayload(k.signingKeyID, actionID, expiry)
	sig := k.sign(k.signingKeyID, payload)

	out := make([]byte, 0, len(payload)+len(sig)+1)
	out = append(out, byte(len(k.signingKeyID)))
	out = append(out, payload...)
	out = append(out, sig...)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(out)
}

// Verify checks T against every known verification key, returning the
// action_id and expiry it was issued for.
func (k *KeySet) Verify(token string) (actionID string, expiry time.Time, err error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil || len(raw) < 1 {
		return "", time.Time{}, ErrInvalidToken
	}
	keyIDLen := int(raw[0])
	if len(raw) < 1+keyIDLen+1+8+sha256.Size {
		return "", time.Time{}, ErrInvalidToken
	}
	rest := raw[1:]
	keyID := string(rest[:keyIDLen])
	rest = rest[keyIDLen+1:] // also drop the keyID/action_id separator baked into tokenPayload

	secret, ok := k.keys[keyID]
	if !ok {
		return "", time.Time{}, ErrInvalidToken
	}

	// rest is now action_id || '|' || expiry(8) || sig.
	sig := rest[len(rest)-sha256.Size:]
	payload := rest[:len(rest)-sha256.Size]

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(keyID))
	mac.Write([]byte{'|'})
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return "", time.Time{}, ErrInvalidToken
	}

	expiryBytes := payload[len(payload)-8:]
	actionIDAndSep := payload[:len(payload)-8]
	if len(actionIDAndSep) == 0 || actionIDAndSep[len(actionIDAndSep)-1] != '|' {
		return "", time.Time{}, ErrInvalidToken
	}
	actionID = string(actionIDAndSep[:len(actionIDAndSep)-1])
	expirySecs := binary.BigEndian.Uint64(expiryBytes)
	return actionID, time.Unix(int64(expirySecs), 0), nil
}

// Publisher is satisfied by *stream.Hub; declared locally so this
// package does not import package stream.
type Publisher interface {
	Publish(domain.StreamEvent)
}

// Store holds pending approvals and drives their decision and expiry.
type Store struct {
	store     state.Store
	keys      *KeySet
	dispatch  DispatchFunc
	publisher Publisher
	notifier  Notifier
}

// NewStore builds an approval Store backed by store, issuing tokens
// with keys and re-dispatching approvals through dispatch.
func NewStore(store state.Store, keys *KeySet, dispatch DispatchFunc) *Store {
	return &Store{store: store, keys: keys, dispatch: dispatch}
}

// SetPublisher attaches a broadcast stream publisher; Decide emits an
// ApprovalDecided event on it once a decision commits.
func (s *Store) SetPublisher(p Publisher) { s.publisher = p }

// SetNotifier attaches the delivery mechanism Create uses to notify
// NotifyTo when an approval opens, and RetryFailedNotifications uses
// to retry deliveries that failed.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

func approvalKey(namespace, tenant, approvalID string) domain.StoreKey {
	return domain.StoreKey{Namespace: namespace, Tenant: tenant, Kind: domain.KeyKindApproval, Subkey: approvalID}
}

func pendingKey(namespace, tenant, approvalID string) domain.StoreKey {
	return domain.StoreKey{Namespace: namespace, Tenant: tenant, Kind: domain.KeyKindPendingApprovals, Subkey: approvalID}
}

// Create holds action pending approval, issuing its signing token and
// persisting an Approval record with ttl remaining before expiry.
func (s *Store) Create(ctx context.Context, action domain.Action, ruleName, message string, notify []string, ttl time.Duration) (domain.PendingApprovalDetail, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	approvalID := uuid.New().String()
	token := s.keys.Issue(approvalID, expiresAt)

	approval := domain.Approval{
		ApprovalID: approvalID,
		Namespace:  action.Namespace,
		Tenant:     action.Tenant,
		Action:     action,
		Token:      token,
		RuleName:   ruleName,
		Message:    message,
		NotifyTo:   notify,
		Status:     domain.ApprovalPending,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}

	raw, err := json.Marshal(approval)
	if err != nil {
		return domain.PendingApprovalDetail{}, err
	}
	key := approvalKey(action.Namespace, action.Tenant, approvalID)
	if err := s.store.Set(ctx, key, raw, 0); err != nil {
		return domain.PendingApprovalDetail{}, err
	}
	if err := s.store.IndexTimeout(ctx, pendingKey(action.Namespace, action.Tenant, approvalID), expiresAt); err != nil {
		return domain.PendingApprovalDetail{}, err
	}

	if s.notifier != nil {
		if notifyErr := s.notifier.Notify(ctx, approval); notifyErr != nil {
			failedAt := now
			approval.NotifyFailedAt = &failedAt
			if newRaw, err := json.Marshal(approval); err == nil {
				_ = s.store.Set(ctx, key, newRaw, 0)
			}
		}
	}

	return domain.PendingApprovalDetail{ApprovalID: approvalID, ExpiresAt: expiresAt}, nil
}

// Get loads an approval by id, for the approval detail endpoint.
func (s *Store) Get(ctx context.Context, namespace, tenant, approvalID string) (domain.Approval, error) {
	raw, err := s.store.Get(ctx, approvalKey(namespace, tenant, approvalID))
	if err != nil {
		return domain.Approval{}, err
	}
	var approval domain.Approval
	if err := json.Unmarshal(raw, &approval); err != nil {
		return domain.Approval{}, err
	}
	return approval, nil
}

// List returns every approval within namespace/tenant (either may be
// empty to widen the scan), optionally filtered to one status, for
// GET /v1/approvals.
func (s *Store) List(ctx context.Context, namespace, tenant string, status domain.ApprovalStatus) ([]domain.Approval, error) {
	keys, err := s.store.ScanKeys(ctx, domain.KeyKindApproval, namespace, tenant, "")
	if err != nil {
		return nil, err
	}
	approvals := make([]domain.Approval, 0, len(keys))
	for _, k := range keys {
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var approval domain.Approval
		if err := json.Unmarshal(raw, &approval); err != nil {
			return nil, err
		}
		if status != "" && approval.Status != status {
			continue
		}
		approvals = append(approvals, approval)
	}
	return approvals, nil
}

// Decide verifies token, then atomically CAS-transitions the
// identified approval from pending to approved or rejected. On
// approve, the held action is re-dispatched with BypassApproval set.
func (s *Store) Decide(ctx context.Context, token string, approve bool, decidedBy string) (domain.Approval, error) {
	actionID, expiry, err := s.keys.Verify(token)
	if err != nil {
		return domain.Approval{}, gwerrors.Wrap(gwerrors.KindAuth, "invalid approval token", err)
	}
	if !expiry.After(time.Now()) {
		return domain.Approval{}, gwerrors.New(gwerrors.KindValidation, "approval token expired")
	}

	// actionID here is actually the approval_id the token was issued
	// for (Issue is keyed by approval id, not the held action's id).
	approvalID := actionID

	approval, raw, err := s.loadByIDAnyScope(ctx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	if approval.Decided() {
		return domain.Approval{}, ErrAlreadyDecided
	}

	decidedAt := time.Now()
	approval.DecidedAt = &decidedAt
	approval.DecidedBy = decidedBy
	if approve {
		approval.Status = domain.ApprovalApproved
	} else {
		approval.Status = domain.ApprovalRejected
	}

	newRaw, err := json.Marshal(approval)
	if err != nil {
		return domain.Approval{}, err
	}
	key := approvalKey(approval.Namespace, approval.Tenant, approval.ApprovalID)
	committed, err := s.store.CompareAndSwap(ctx, key, raw, newRaw)
	if err != nil {
		return domain.Approval{}, err
	}
	if !committed {
		return domain.Approval{}, ErrAlreadyDecided
	}
	if err := s.store.RemoveTimeoutIndex(ctx, pendingKey(approval.Namespace, approval.Tenant, approval.ApprovalID)); err != nil {
		return domain.Approval{}, err
	}

	if s.publisher != nil {
		data, _ := json.Marshal(approval)
		s.publisher.Publish(domain.StreamEvent{
			ID:         uuid.New().String(),
			Kind:       domain.StreamEventApprovalDecided,
			Namespace:  approval.Namespace,
			Tenant:     approval.Tenant,
			EntityType: "approval",
			EntityID:   approval.ApprovalID,
			Data:       data,
		})
	}

	if approve && s.dispatch != nil {
		bypassed := approval.Action.WithBypassApproval()
		if _, err := s.dispatch(ctx, bypassed); err != nil {
			return approval, err
		}
	}

	return approval, nil
}

// loadByIDAnyScope locates an approval by id without knowing its
// namespace/tenant ahead of time. The approval id is a UUID, so it is
// stored directly under the namespace/tenant it belongs to and found
// by scanning; callers that already know the scope should use Get.
func (s *Store) loadByIDAnyScope(ctx context.Context, approvalID string) (domain.Approval, []byte, error) {
	keys, err := s.store.ScanKeys(ctx, domain.KeyKindApproval, "", "", approvalID)
	if err != nil {
		return domain.Approval{}, nil, err
	}
	if len(keys) == 0 {
		return domain.Approval{}, nil, state.ErrNotFound
	}
	raw, err := s.store.Get(ctx, keys[0])
	if err != nil {
		return domain.Approval{}, nil, err
	}
	var approval domain.Approval
	if err := json.Unmarshal(raw, &approval); err != nil {
		return domain.Approval{}, nil, err
	}
	return approval, raw, nil
}

// SweepExpired transitions pending approvals whose expires_at has
// elapsed to Expired, up to limit per call. Called by the background
// processor.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, limit int) error {
	due, err := s.store.GetExpiredTimeouts(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, pk := range due {
		if pk.Kind != domain.KeyKindPendingApprovals {
			continue
		}
		key := domain.StoreKey{Namespace: pk.Namespace, Tenant: pk.Tenant, Kind: domain.KeyKindApproval, Subkey: pk.Subkey}
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			_ = s.store.RemoveTimeoutIndex(ctx, pk)
			continue
		}
		if err != nil {
			return err
		}
		var approval domain.Approval
		if err := json.Unmarshal(raw, &approval); err != nil {
			return err
		}
		if approval.Decided() {
			_ = s.store.RemoveTimeoutIndex(ctx, pk)
			continue
		}
		approval.Status = domain.ApprovalExpired
		decidedAt := now
		approval.DecidedAt = &decidedAt
		newRaw, err := json.Marshal(approval)
		if err != nil {
			return err
		}
		if _, err := s.store.CompareAndSwap(ctx, key, raw, newRaw); err != nil {
			return err
		}
		if err := s.store.RemoveTimeoutIndex(ctx, pk); err != nil {
			return err
		}
	}
	return nil
}

// RetryFailedNotifications re-attempts delivery for every still-pending
// approval whose initial notification failed, up to limit per call.
// Called by the Background Processor (spec.md §4.8). A no-op when no
// Notifier is attached.
func (s *Store) RetryFailedNotifications(ctx context.Context, now time.Time, limit int) error {
	if s.notifier == nil {
		return nil
	}
	keys, err := s.store.ScanKeys(ctx, domain.KeyKindApproval, "", "", "")
	if err != nil {
		return err
	}

	attempted := 0
	for _, k := range keys {
		if attempted >= limit {
			break
		}
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return err
		}
		var approval domain.Approval
		if err := json.Unmarshal(raw, &approval); err != nil {
			return err
		}
		if approval.Decided() || approval.NotifyFailedAt == nil {
			continue
		}
		attempted++

		if err := s.notifier.Notify(ctx, approval); err != nil {
			continue
		}
		approval.NotifyFailedAt = nil
		newRaw, err := json.Marshal(approval)
		if err != nil {
			return err
		}
		if _, err := s.store.CompareAndSwap(ctx, k, raw, newRaw); err != nil {
			return err
		}
	}
	return nil
}
