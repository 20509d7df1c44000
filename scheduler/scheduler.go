// Package scheduler persists actions whose start time is in the
// future (spec.md §4.8) and sweeps them back into the Dispatcher once
// due, indexed on the state store's timeout index the same way chain
// timeouts and approval expiry are.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/state"
)

// DispatchFunc re-enters the Dispatcher for a due action. Declared
// locally, matching the same injected-closure shape chainengine and
// group use to avoid an import cycle with package dispatcher.
type DispatchFunc func(ctx context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error)

// Scheduler stores scheduled actions keyed by a generated schedule ID
// and indexes them by due time for the background sweep.
type Scheduler struct {
	store    state.Store
	dispatch DispatchFunc
	reg      *metrics.Registry
	logger   *logging.Logger
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithMetrics(reg *metrics.Registry) Option { return func(s *Scheduler) { s.reg = reg } }
func WithLogger(logger *logging.Logger) Option { return func(s *Scheduler) { s.logger = logger } }

// New builds a Scheduler backed by store, re-entering dispatch for
// every due action.
func New(store state.Store, dispatch DispatchFunc, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, dispatch: dispatch}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) key(namespace, tenant, scheduleID string) domain.StoreKey {
	return domain.StoreKey{Namespace: namespace, Tenant: tenant, Kind: domain.KeyKindScheduledAction, Subkey: scheduleID}
}

// Schedule persists action (whose StartsAt is in the future, or which
// was delayed by a rule's Schedule directive) and indexes it for the
// background sweep, satisfying the dispatcher.Scheduler interface.
func (s *Scheduler) Schedule(ctx context.Context, action domain.Action) (domain.ScheduledDetail, error) {
	scheduleID := uuid.NewString()
	startsAt := time.Now()
	if action.StartsAt != nil {
		startsAt = *action.StartsAt
	}

	payload, err := json.Marshal(action)
	if err != nil {
		return domain.ScheduledDetail{}, fmt.Errorf("marshal scheduled action: %w", err)
	}
	key := s.key(action.Namespace, action.Tenant, scheduleID)
	if err := s.store.Set(ctx, key, payload, 0); err != nil {
		return domain.ScheduledDetail{}, err
	}
	if err := s.store.IndexTimeout(ctx, key, startsAt); err != nil {
		return domain.ScheduledDetail{}, err
	}
	return domain.ScheduledDetail{ScheduleID: scheduleID, StartsAt: startsAt}, nil
}

// Sweep pulls up to limit due scheduled actions and re-dispatches
// each, best-effort (a dispatch failure is logged and the entry is
// still removed from the index — retry semantics for a failed
// re-dispatch belong to the action's own rules, e.g. a Throttle or
// Deny directive, not to the scheduler).
func (s *Scheduler) Sweep(ctx context.Context, now time.Time, limit int) error {
	started := time.Now()
	due, err := s.store.GetExpiredTimeouts(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, key := range due {
		if key.Kind != domain.KeyKindScheduledAction {
			continue
		}
		s.fire(ctx, key)
	}
	if s.reg != nil {
		s.reg.ObserveSweep("scheduler", time.Since(started))
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, key domain.StoreKey) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		_ = s.store.RemoveTimeoutIndex(ctx, key)
		return
	}
	var action domain.Action
	if err := json.Unmarshal(raw, &action); err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "corrupt scheduled action payload", err, map[string]interface{}{"key": key.String()})
		}
		_ = s.store.Delete(ctx, key)
		_ = s.store.RemoveTimeoutIndex(ctx, key)
		return
	}
	action.StartsAt = nil

	if _, _, err := s.dispatch(ctx, action); err != nil && s.logger != nil {
		s.logger.Error(ctx, "scheduled action re-dispatch failed", err, map[string]interface{}{"action_id": action.ID})
	}
	_ = s.store.Delete(ctx, key)
	_ = s.store.RemoveTimeoutIndex(ctx, key)
}
