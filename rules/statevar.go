package rules

import (
	"context"
	"encoding/json"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
)

// stateAccessor implements gval.Selector so a condition's `state.foo`
// access resolves to a live read against the state store scoped to the
// action's namespace/tenant, rather than a field on a static parameter
// map (spec.md §4.2: "state-store reads (`state.key`)").
type stateAccessor struct {
	store     state.Store
	namespace string
	tenant    string
}

// SelectGVal implements gval.Selector.
func (s stateAccessor) SelectGVal(ctx context.Context, k string) (interface{}, error) {
	key := domain.StoreKey{
		Namespace: s.namespace,
		Tenant:    s.tenant,
		Kind:      domain.KeyKindState,
		Subkey:    k,
	}
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded, nil
	}
	return string(raw), nil
}
