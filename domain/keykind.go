package domain

import "fmt"

// KeyKind scopes a state-store key so backends can implement efficient
// scans-by-kind without co-mingling unrelated key families.
type KeyKind string

const (
	KeyKindDedup             KeyKind = "dedup"
	KeyKindCounter           KeyKind = "counter"
	KeyKindLock              KeyKind = "lock"
	KeyKindState             KeyKind = "state"
	KeyKindHistory           KeyKind = "history"
	KeyKindRateLimit         KeyKind = "rate_limit"
	KeyKindEventState        KeyKind = "event_state"
	KeyKindEventTimeout      KeyKind = "event_timeout"
	KeyKindGroup             KeyKind = "group"
	KeyKindPendingGroups     KeyKind = "pending_groups"
	KeyKindActiveEvents      KeyKind = "active_events"
	KeyKindApproval          KeyKind = "approval"
	KeyKindPendingApprovals  KeyKind = "pending_approvals"
	KeyKindChain             KeyKind = "chain"
	KeyKindPendingChains     KeyKind = "pending_chains"
	KeyKindScheduledAction   KeyKind = "scheduled_action"
	KeyKindPendingScheduled  KeyKind = "pending_scheduled"
)

// allKeyKinds enumerates the fixed 17-value taxonomy, used to validate
// that no caller invents an ad hoc kind.
var allKeyKinds = map[KeyKind]struct{}{
	KeyKindDedup:            {},
	KeyKindCounter:          {},
	KeyKindLock:             {},
	KeyKindState:            {},
	KeyKindHistory:          {},
	KeyKindRateLimit:        {},
	KeyKindEventState:       {},
	KeyKindEventTimeout:     {},
	KeyKindGroup:            {},
	KeyKindPendingGroups:    {},
	KeyKindActiveEvents:     {},
	KeyKindApproval:         {},
	KeyKindPendingApprovals: {},
	KeyKindChain:            {},
	KeyKindPendingChains:    {},
	KeyKindScheduledAction:  {},
	KeyKindPendingScheduled: {},
}

// Valid reports whether k is one of the declared key kinds.
func (k KeyKind) Valid() bool {
	_, ok := allKeyKinds[k]
	return ok
}

// StoreKey is the fully-scoped coordinate of a state-store entry:
// (namespace, tenant, kind, subkey).
type StoreKey struct {
	Namespace string
	Tenant    string
	Kind      KeyKind
	Subkey    string
}

// String renders the key in the backend-agnostic form
// "{namespace}:{tenant}:{kind}:{subkey}" used by every backend as its
// physical key, and as the scan prefix when Subkey is empty.
func (k StoreKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Namespace, k.Tenant, k.Kind, k.Subkey)
}

// ScanPrefix returns the prefix matching every key of this kind within
// the given namespace/tenant, for use by scan_keys. An empty namespace
// or tenant widens the scan to all values of that segment; since both
// segments precede Kind in the key layout, a scan with Namespace set
// but Tenant empty is implemented by the backend as a filtered scan
// rather than a pure prefix match.
func ScanPrefix(kind KeyKind, namespace, tenant string) string {
	if namespace != "" && tenant != "" {
		return fmt.Sprintf("%s:%s:%s:", namespace, tenant, kind)
	}
	if namespace != "" {
		return fmt.Sprintf("%s:", namespace)
	}
	return ""
}
