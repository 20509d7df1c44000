// Package group implements the Group directive: aggregating actions
// that share a computed key into a digest flushed on a size or time
// threshold (spec.md §4.5).
package group

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/state"
)

// DispatchFunc re-enters a synthesized digest action through the full
// dispatch pipeline. Injected so this package does not depend on the
// dispatcher.
type DispatchFunc func(ctx context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error)

// Publisher is satisfied by *stream.Hub; declared locally so this
// package does not import package stream.
type Publisher interface {
	Publish(domain.StreamEvent)
}

// defaultGraceInterval is how long a Notified group is retained before
// Cleanup moves it to Resolved, when the caller does not configure one.
const defaultGraceInterval = 10 * time.Minute

// Manager accumulates actions into EventGroups and drives their
// digest flush.
type Manager struct {
	store         state.Store
	dispatch      DispatchFunc
	reg           *metrics.Registry
	logger        *logging.Logger
	graceInterval time.Duration
	publisher     Publisher
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMetrics attaches a metrics registry for flush observations.
func WithMetrics(reg *metrics.Registry) Option { return func(m *Manager) { m.reg = reg } }

// WithLogger attaches a logger for diagnostics.
func WithLogger(logger *logging.Logger) Option { return func(m *Manager) { m.logger = logger } }

// WithPublisher attaches a broadcast stream publisher; Cleanup emits a
// GroupResolved event on it when a digest's grace interval elapses.
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// WithGraceInterval overrides how long a Notified group survives
// before Cleanup resolves it.
func WithGraceInterval(d time.Duration) Option {
	return func(m *Manager) { m.graceInterval = d }
}

// NewManager builds a Manager backed by store, dispatching flushed
// digests through dispatch.
func NewManager(store state.Store, dispatch DispatchFunc, opts ...Option) *Manager {
	m := &Manager{store: store, dispatch: dispatch, graceInterval: defaultGraceInterval}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) groupKeyOf(k domain.StoreKey) domain.StoreKey {
	return domain.StoreKey{Namespace: k.Namespace, Tenant: k.Tenant, Kind: domain.KeyKindGroup, Subkey: k.Subkey}
}

func (m *Manager) pendingKeyOf(k domain.StoreKey) domain.StoreKey {
	return domain.StoreKey{Namespace: k.Namespace, Tenant: k.Tenant, Kind: domain.KeyKindPendingGroups, Subkey: k.Subkey}
}

// computeGroupKey hashes namespace|tenant|action_type|sorted(group_by
// field values resolved from the action payload) into the group_key
// spec.md §4.5 defines.
func computeGroupKey(namespace, tenant, actionType string, by []string, payload json.RawMessage) string {
	values := make([]string, 0, len(by))
	for _, field := range by {
		values = append(values, gjson.GetBytes(payload, field).String())
	}
	sort.Strings(values)

	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{'|'})
	h.Write([]byte(tenant))
	h.Write([]byte{'|'})
	h.Write([]byte(actionType))
	for _, v := range values {
		h.Write([]byte{'|'})
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func minTime(times ...time.Time) time.Time {
	out := times[0]
	for _, t := range times[1:] {
		if t.Before(out) {
			out = t
		}
	}
	return out
}

// Upsert folds action into the EventGroup keyed by the action's
// namespace/tenant/action_type and the spec's grouping fields,
// flushing it immediately if that push crosses max_size.
func (m *Manager) Upsert(ctx context.Context, action domain.Action, spec domain.GroupSpec) (domain.GroupedDetail, error) {
	groupKey := computeGroupKey(action.Namespace, action.Tenant, action.ActionType, spec.By, action.Payload)
	storeKey := domain.StoreKey{Namespace: action.Namespace, Tenant: action.Tenant, Kind: domain.KeyKindGroup, Subkey: groupKey}

	now := time.Now()
	event := domain.GroupEvent{ActionID: action.ID, Payload: action.Payload, AddedAt: now}

	for attempt := 0; attempt < 5; attempt++ {
		raw, err := m.store.Get(ctx, storeKey)
		var existing domain.EventGroup
		var existed bool
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &existing); err != nil {
				return domain.GroupedDetail{}, err
			}
			existed = true
		case errors.Is(err, state.ErrNotFound):
			existing = domain.EventGroup{
				GroupID:   uuid.New().String(),
				GroupKey:  groupKey,
				Namespace: action.Namespace,
				Tenant:    action.Tenant,
				State:     domain.GroupPending,
				Template:  spec.Template,
				CreatedAt: now,
				NotifyAt:  now,
			}
		default:
			return domain.GroupedDetail{}, err
		}

		if existing.State != domain.GroupPending {
			// The previous group under this key already flushed; start a
			// fresh one rather than folding into a resolved bucket.
			existing = domain.EventGroup{
				GroupID:   uuid.New().String(),
				GroupKey:  groupKey,
				Namespace: action.Namespace,
				Tenant:    action.Tenant,
				State:     domain.GroupPending,
				Template:  spec.Template,
				CreatedAt: now,
				NotifyAt:  now,
			}
			existed = false
		}

		existing.Events = append(existing.Events, event)
		existing.NotifyAt = minTime(
			now.Add(spec.Wait),
			existing.NotifyAt.Add(spec.Interval),
			existing.CreatedAt.Add(spec.MaxLifetime),
		)

		newRaw, err := json.Marshal(existing)
		if err != nil {
			return domain.GroupedDetail{}, err
		}

		if existed {
			committed, err := m.store.CompareAndSwap(ctx, storeKey, raw, newRaw)
			if err != nil {
				return domain.GroupedDetail{}, err
			}
			if !committed {
				continue
			}
		} else {
			if err := m.store.Set(ctx, storeKey, newRaw, 0); err != nil {
				return domain.GroupedDetail{}, err
			}
		}

		if err := m.store.IndexTimeout(ctx, m.pendingKeyOf(storeKey), existing.NotifyAt); err != nil {
			return domain.GroupedDetail{}, err
		}

		if spec.MaxSize > 0 && existing.Size() >= spec.MaxSize {
			if err := m.flushGroup(ctx, storeKey, existing, "size"); err != nil {
				return domain.GroupedDetail{}, err
			}
		}

		return domain.GroupedDetail{GroupID: existing.GroupID, GroupKey: groupKey}, nil
	}
	return domain.GroupedDetail{}, state.ErrCASMismatch
}

// Sweep scans pending-group timeout entries due at or before now and
// flushes each, up to limit per call. Called by the background
// processor.
func (m *Manager) Sweep(ctx context.Context, now time.Time, limit int) error {
	due, err := m.store.GetExpiredTimeouts(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, pendingKey := range due {
		if pendingKey.Kind != domain.KeyKindPendingGroups {
			continue
		}
		groupKey := m.groupKeyOf(pendingKey)
		raw, err := m.store.Get(ctx, groupKey)
		if errors.Is(err, state.ErrNotFound) {
			_ = m.store.RemoveTimeoutIndex(ctx, pendingKey)
			continue
		}
		if err != nil {
			return err
		}
		var eg domain.EventGroup
		if err := json.Unmarshal(raw, &eg); err != nil {
			return err
		}
		if eg.State != domain.GroupPending {
			// A Notified group's entry is its grace timer; Cleanup resolves it.
			if eg.State != domain.GroupNotified {
				_ = m.store.RemoveTimeoutIndex(ctx, pendingKey)
			}
			continue
		}
		if err := m.flushGroup(ctx, groupKey, eg, "time"); err != nil {
			return err
		}
	}
	return nil
}

// flushGroup renders the digest, dispatches it as a synthetic action,
// and transitions the group to Notified.
func (m *Manager) flushGroup(ctx context.Context, storeKey domain.StoreKey, eg domain.EventGroup, reason string) error {
	digest, err := renderDigest(eg)
	if err != nil {
		return err
	}

	syntheticAction := domain.Action{
		ID:         uuid.New().String(),
		Namespace:  eg.Namespace,
		Tenant:     eg.Tenant,
		ActionType: "group_digest",
		Payload:    digest,
		CreatedAt:  time.Now(),
	}
	if m.dispatch != nil {
		if _, _, err := m.dispatch(ctx, syntheticAction); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("group digest dispatch failed")
		}
	}

	eg.State = domain.GroupNotified
	raw, err := json.Marshal(eg)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, storeKey, raw, 0); err != nil {
		return err
	}
	if err := m.store.RemoveTimeoutIndex(ctx, m.pendingKeyOf(storeKey)); err != nil {
		return err
	}
	if err := m.store.IndexTimeout(ctx, m.pendingKeyOf(storeKey), time.Now().Add(m.graceInterval)); err != nil {
		return err
	}
	if m.reg != nil {
		m.reg.ObserveGroupFlush(eg.Namespace, reason, eg.Size())
	}
	return nil
}

// Cleanup scans pending-group timeout entries and resolves any
// Notified group whose grace interval has elapsed.
func (m *Manager) Cleanup(ctx context.Context, now time.Time, limit int) error {
	due, err := m.store.GetExpiredTimeouts(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, pendingKey := range due {
		if pendingKey.Kind != domain.KeyKindPendingGroups {
			continue
		}
		groupKey := m.groupKeyOf(pendingKey)
		raw, err := m.store.Get(ctx, groupKey)
		if errors.Is(err, state.ErrNotFound) {
			_ = m.store.RemoveTimeoutIndex(ctx, pendingKey)
			continue
		}
		if err != nil {
			return err
		}
		var eg domain.EventGroup
		if err := json.Unmarshal(raw, &eg); err != nil {
			return err
		}
		if eg.State != domain.GroupNotified {
			continue
		}
		resolvedAt := now
		eg.State = domain.GroupResolved
		eg.ResolvedAt = &resolvedAt
		newRaw, err := json.Marshal(eg)
		if err != nil {
			return err
		}
		if err := m.store.Set(ctx, groupKey, newRaw, 0); err != nil {
			return err
		}
		if err := m.store.RemoveTimeoutIndex(ctx, pendingKey); err != nil {
			return err
		}
		if m.publisher != nil {
			data, _ := json.Marshal(eg)
			m.publisher.Publish(domain.StreamEvent{
				ID:         uuid.New().String(),
				Kind:       domain.StreamEventGroupResolved,
				Namespace:  eg.Namespace,
				Tenant:     eg.Tenant,
				EntityType: "group",
				EntityID:   eg.GroupID,
				Data:       data,
			})
		}
	}
	return nil
}

// digestContext is the data exposed to a GroupSpec.Template.
type digestContext struct {
	GroupID   string
	GroupKey  string
	Namespace string
	Tenant    string
	Size      int
	CreatedAt time.Time
	Events    []domain.GroupEvent
}

const defaultDigestTemplateText = `{{.Size}} events grouped since {{.CreatedAt.Format "2006-01-02T15:04:05Z07:00"}} (group {{.GroupKey}})`

var defaultDigestTemplate = template.Must(template.New("default_digest").Parse(defaultDigestTemplateText))

// renderDigest executes the group's configured template (or a terse
// default, when the rule declared none) against its accumulated
// events, producing the payload of the synthetic digest action.
func renderDigest(eg domain.EventGroup) (json.RawMessage, error) {
	ctx := digestContext{
		GroupID:   eg.GroupID,
		GroupKey:  eg.GroupKey,
		Namespace: eg.Namespace,
		Tenant:    eg.Tenant,
		Size:      eg.Size(),
		CreatedAt: eg.CreatedAt,
		Events:    eg.Events,
	}

	tmpl := defaultDigestTemplate
	if eg.Template != "" {
		parsed, err := template.New("digest").Parse(eg.Template)
		if err != nil {
			return nil, err
		}
		tmpl = parsed
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"group_id":   eg.GroupID,
		"group_key":  eg.GroupKey,
		"size":       eg.Size(),
		"summary":    buf.String(),
		"action_ids": eventActionIDs(eg.Events),
	})
}

func eventActionIDs(events []domain.GroupEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ActionID
	}
	return ids
}
