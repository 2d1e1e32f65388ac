// Package memory implements store.Tracker over an in-process, mutex-guarded event log:
// a map-backed store exposing the same operation shape as its Postgres counterpart, for
// unit-testing the poller/pool/lifecycle without a reachable Postgres instance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ingestd/internal/store"
)

type Tracker struct {
	mu     sync.Mutex
	events map[string][]store.Event
	orders map[string]store.Order // immutable identity fields per uuid
	order  []string                // insertion order of uuids, for FIFO tie-break stability
}

func New() *Tracker {
	return &Tracker{
		events: make(map[string][]store.Event),
		orders: make(map[string]store.Order),
	}
}

// Seed inserts order at IMPORT_PENDING, as a test fixture would via the out-of-core
// producer. now lets tests control claim ordering deterministically.
func (t *Tracker) Seed(order store.Order, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[order.UUID] = order
	if _, seen := t.events[order.UUID]; !seen {
		t.order = append(t.order, order.UUID)
	}
	t.events[order.UUID] = append(t.events[order.UUID], store.Event{
		UUID: order.UUID, Stage: store.StagePending, Timestamp: now,
	})
}

func (t *Tracker) latestLocked(uuid string) (store.Event, bool) {
	evs := t.events[uuid]
	if len(evs) == 0 {
		return store.Event{}, false
	}
	return evs[len(evs)-1], true
}

func (t *Tracker) ClaimNext(ctx context.Context) (*store.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type candidate struct {
		uuid string
		ts   time.Time
	}
	var candidates []candidate
	for _, uuid := range t.order {
		ev, ok := t.latestLocked(uuid)
		if ok && ev.Stage == store.StagePending {
			candidates = append(candidates, candidate{uuid, ev.Timestamp})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ts.Equal(candidates[j].ts) {
			return candidates[i].ts.Before(candidates[j].ts)
		}
		return candidates[i].uuid < candidates[j].uuid
	})

	uuid := candidates[0].uuid
	now := time.Now().UTC()
	t.events[uuid] = append(t.events[uuid], store.Event{UUID: uuid, Stage: store.StageStarted, Timestamp: now})

	order := t.orders[uuid]
	order.Stage = store.StageStarted
	order.Timestamp = now
	return &order, nil
}

func (t *Tracker) Record(ctx context.Context, uuid string, stage store.Stage, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var from store.Stage
	if ev, ok := t.latestLocked(uuid); ok {
		from = ev.Stage
	}
	if !store.IsValidTransition(from, stage) {
		return &store.ErrInvalidTransition{UUID: uuid, From: from, To: stage}
	}
	t.events[uuid] = append(t.events[uuid], store.Event{
		UUID: uuid, Stage: stage, Timestamp: time.Now().UTC(), Message: message,
	})
	return nil
}

func (t *Tracker) CurrentStage(ctx context.Context, uuid string) (store.Stage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.latestLocked(uuid)
	if !ok {
		return "", &store.ErrNotFound{UUID: uuid}
	}
	return ev.Stage, nil
}

func (t *Tracker) ListDangling(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, uuid := range t.order {
		if ev, ok := t.latestLocked(uuid); ok && ev.Stage == store.StageStarted {
			out = append(out, uuid)
		}
	}
	return out, nil
}

// Events returns a copy of the full event history for uuid, newest last. Test helper.
func (t *Tracker) Events(uuid string) []store.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]store.Event, len(t.events[uuid]))
	copy(out, t.events[uuid])
	return out
}
