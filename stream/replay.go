package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/domain"
)

// replayTimeSkew widens the audit Query's Since bound below the
// Last-Event-ID's decoded timestamp to absorb clock skew between the
// process that minted the ID and the one now querying it; exact
// dedup against lastEventID happens afterward by string comparison.
const replayTimeSkew = 5 * time.Second

// uuidV7Time extracts the 48-bit millisecond timestamp UUIDv7 embeds in
// its first six bytes. It reports ok=false for anything that doesn't
// parse as a UUID (lastEventID is client-supplied and untrusted).
func uuidV7Time(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	b := parsed[:]
	ms := int64(binary.BigEndian.Uint16(b[0:2]))<<32 | int64(binary.BigEndian.Uint32(b[2:6]))
	return time.UnixMilli(ms), true
}

// recordToEvent maps one audit record to the stream event shape
// delivered to subscribers. The record's own ID (a UUIDv7 stamped at
// write time) becomes the SSE event ID, making it directly comparable
// to a future Last-Event-ID.
func recordToEvent(rec domain.AuditRecord) domain.StreamEvent {
	return domain.StreamEvent{
		ID:        rec.ID,
		Kind:      domain.StreamEventDispatched,
		Namespace: rec.Namespace,
		Tenant:    rec.Tenant,
		EntityType: rec.ActionType,
		EntityID:   rec.ActionID,
		Data:       auditRecordJSON(rec),
	}
}

// auditRecordJSON marshals rec for a StreamEvent's Data field. Marshal
// of a plain struct of strings, times and []byte cannot realistically
// fail; a failure degrades to an empty object rather than dropping the
// event.
func auditRecordJSON(rec domain.AuditRecord) json.RawMessage {
	raw, err := json.Marshal(rec)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

// Replay reconstructs the events a subscriber would have seen between
// lastEventID (exclusive) and now, by querying the audit store — the
// append-only, already-ordered record of what actually dispatched
// (spec.md §9 Open Question #2: audit-store replay, not a
// synthetic-from-state reconstruction). Results are ordered oldest
// first, matching the order live events would have arrived in.
//
// lastEventID that fails to parse as a UUID, or is empty, replays
// nothing — the caller is expected to be starting a fresh connection,
// not catching up.
func Replay(ctx context.Context, store audit.Store, filter Filter, lastEventID string, limit int) ([]domain.StreamEvent, error) {
	if lastEventID == "" || store == nil {
		return nil, nil
	}
	since, ok := uuidV7Time(lastEventID)
	if !ok {
		return nil, nil
	}
	since = since.Add(-replayTimeSkew)

	page, err := store.Query(ctx, domain.AuditQuery{
		Namespace: filter.Namespace,
		Tenant:    filter.Tenant,
		ActionID:  filter.EntityID,
		Since:     &since,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.StreamEvent, 0, len(page.Records))
	for _, rec := range page.Records {
		if rec.ID <= lastEventID {
			continue
		}
		ev := recordToEvent(rec)
		if !filter.matches(ev) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}
