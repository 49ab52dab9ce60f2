// Package runbus is the process-wide run-event broadcast registry (spec
// §5): an in-memory fan-out of db.RunEvent rows, keyed by run id, with a
// bounded buffer per subscriber and idle eviction. It never substitutes for
// the run repository — a subscriber that falls behind and is dropped is
// expected to resync from the database via ListRunEventsAfterSeq using its
// last confirmed sequence number.
package runbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastionhq.dev/bastion/server/internal/db"
)

// defaultBufferSize bounds how many unread events a single slow subscriber
// may accumulate before it is disconnected.
const defaultBufferSize = 64

// defaultIdleTTL is how long a run channel with no subscribers is kept
// around before being pruned, in case a new subscriber attaches shortly
// after the last one left (e.g. a UI reload).
const defaultIdleTTL = 5 * time.Minute

// Registry is the single process-wide broadcast point for run events.
// Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	runs       map[uuid.UUID]*runChannel
	bufferSize int
	idleTTL    time.Duration
}

type runChannel struct {
	subscribers  map[*subscriber]struct{}
	lastActivity time.Time
}

type subscriber struct {
	ch chan db.RunEvent
}

// New returns an idle Registry. Call Run in a goroutine to start idle
// eviction.
func New() *Registry {
	return &Registry{
		runs:       make(map[uuid.UUID]*runChannel),
		bufferSize: defaultBufferSize,
		idleTTL:    defaultIdleTTL,
	}
}

// Publish fans event out to every current subscriber of its run. A
// subscriber whose buffer is full is dropped rather than allowed to block
// or stall other subscribers on the same run; it is expected to resync
// from the run repository.
func (reg *Registry) Publish(runID uuid.UUID, event db.RunEvent) {
	reg.mu.Lock()
	rc, ok := reg.runs[runID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	rc.lastActivity = time.Now()
	var stale []*subscriber
	for sub := range rc.subscribers {
		select {
		case sub.ch <- event:
		default:
			stale = append(stale, sub)
		}
	}
	for _, sub := range stale {
		delete(rc.subscribers, sub)
		close(sub.ch)
	}
	reg.mu.Unlock()
}

// Subscribe attaches a new listener to runID's event stream and returns the
// receive channel plus an unsubscribe function the caller must call exactly
// once when done.
func (reg *Registry) Subscribe(runID uuid.UUID) (<-chan db.RunEvent, func()) {
	reg.mu.Lock()
	rc, ok := reg.runs[runID]
	if !ok {
		rc = &runChannel{subscribers: make(map[*subscriber]struct{})}
		reg.runs[runID] = rc
	}
	rc.lastActivity = time.Now()
	sub := &subscriber{ch: make(chan db.RunEvent, reg.bufferSize)}
	rc.subscribers[sub] = struct{}{}
	reg.mu.Unlock()

	unsubscribe := func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		rc, ok := reg.runs[runID]
		if !ok {
			return
		}
		if _, present := rc.subscribers[sub]; present {
			delete(rc.subscribers, sub)
			close(sub.ch)
		}
		rc.lastActivity = time.Now()
	}
	return sub.ch, unsubscribe
}

// Run periodically prunes run channels that have had no subscribers and no
// published events for longer than the idle TTL, until ctx is canceled.
func (reg *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.pruneIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (reg *Registry) pruneIdle(now time.Time) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for runID, rc := range reg.runs {
		if len(rc.subscribers) == 0 && now.Sub(rc.lastActivity) > reg.idleTTL {
			delete(reg.runs, runID)
		}
	}
}
