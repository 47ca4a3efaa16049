// Package queue implements the two-stage work queue of a workspace:
// per-session coalescing buffers (Manager) draining into named lanes
// (LaneQueue) with per-lane concurrency caps and per-session mutual
// exclusion.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openpaw/openpaw/internal/bus"
)

// Lane names. "main" handles user turns, "subagent" background workers,
// "cron" scheduled tasks.
const (
	LaneMain     = "main"
	LaneSubagent = "subagent"
	LaneCron     = "cron"
)

// LaneConfig sets the concurrency cap for one lane.
type LaneConfig struct {
	Name           string
	MaxConcurrency int
}

// DefaultLanes returns the standard three-lane configuration.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, MaxConcurrency: 4},
		{Name: LaneSubagent, MaxConcurrency: 8},
		{Name: LaneCron, MaxConcurrency: 2},
	}
}

// Handler processes one dequeued item while the session mutex is held.
type Handler func(ctx context.Context, item bus.QueueItem)

type lane struct {
	name string
	max  int

	mu     sync.Mutex
	items  []bus.QueueItem
	active int
	// wake is signalled by enqueue; buffered so a signal is never lost
	// between the drain check and the wait.
	wake chan struct{}
}

// LaneQueue holds the named lanes and the process-wide session mutex map.
// Session mutexes are allocated lazily and never garbage-collected: sessions
// are sticky and bounded by the channel's user population.
type LaneQueue struct {
	mu    sync.RWMutex
	lanes map[string]*lane

	sessionMu sync.Map // sessionKey → *sync.Mutex
}

// NewLaneQueue creates the lanes. Unknown lane names in Enqueue are an error.
func NewLaneQueue(cfgs []LaneConfig) *LaneQueue {
	lq := &LaneQueue{lanes: make(map[string]*lane, len(cfgs))}
	for _, c := range cfgs {
		max := c.MaxConcurrency
		if max <= 0 {
			max = 1
		}
		lq.lanes[c.Name] = &lane{
			name: c.Name,
			max:  max,
			wake: make(chan struct{}, 1),
		}
	}
	return lq
}

func (lq *LaneQueue) lane(name string) *lane {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return lq.lanes[name]
}

// Enqueue appends an item to the named lane and wakes its workers.
func (lq *LaneQueue) Enqueue(item bus.QueueItem, laneName string) bool {
	ln := lq.lane(laneName)
	if ln == nil {
		slog.Error("lane queue: unknown lane", "lane", laneName)
		return false
	}

	ln.mu.Lock()
	ln.items = append(ln.items, item)
	ln.mu.Unlock()

	select {
	case ln.wake <- struct{}{}:
	default:
	}
	return true
}

// Depth returns the number of queued (not yet dequeued) items in a lane.
func (lq *LaneQueue) Depth(laneName string) int {
	ln := lq.lane(laneName)
	if ln == nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.items)
}

// Active returns the lane's current active-task counter.
// Invariant: 0 ≤ Active(lane) ≤ MaxConcurrency at all observable points.
func (lq *LaneQueue) Active(laneName string) int {
	ln := lq.lane(laneName)
	if ln == nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.active
}

// SessionMutex returns the per-session mutex, allocating lazily.
func (lq *LaneQueue) SessionMutex(sessionKey string) *sync.Mutex {
	mu, _ := lq.sessionMu.LoadOrStore(sessionKey, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Process drains the named lane forever on the calling goroutine, invoking
// handler for each item while holding the item's session mutex. Run one
// Process goroutine per unit of lane concurrency. Handler panics are logged
// and swallowed; the lane must never stop draining.
func (lq *LaneQueue) Process(ctx context.Context, laneName string, handler Handler) {
	ln := lq.lane(laneName)
	if ln == nil {
		slog.Error("lane queue: cannot process unknown lane", "lane", laneName)
		return
	}

	for {
		item, ok := ln.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ln.wake:
				continue
			}
		}

		// activeCount was pre-incremented by pop. Acquire the session mutex;
		// blocking here is allowed, another session's worker keeps draining.
		mu := lq.SessionMutex(item.SessionKey)
		mu.Lock()
		lq.runIsolated(ctx, ln, item, handler)
		mu.Unlock()

		ln.mu.Lock()
		ln.active--
		ln.mu.Unlock()

		// Re-signal: items may have queued while we were at the cap.
		select {
		case ln.wake <- struct{}{}:
		default:
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// pop removes one item if the lane is non-empty and below its concurrency
// cap, pre-incrementing the active counter.
func (ln *lane) pop() (bus.QueueItem, bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if len(ln.items) == 0 || ln.active >= ln.max {
		return bus.QueueItem{}, false
	}
	item := ln.items[0]
	ln.items = ln.items[1:]
	ln.active++
	return item, true
}

func (lq *LaneQueue) runIsolated(ctx context.Context, ln *lane, item bus.QueueItem, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane handler panic",
				"lane", ln.name, "session", item.SessionKey, "panic", r)
		}
	}()
	handler(ctx, item)
}

// PeekSessionPending reports whether the lane holds any steer-eligible item
// for the session. O(n) in lane depth; depth is small in practice.
func (lq *LaneQueue) PeekSessionPending(sessionKey, laneName string) bool {
	ln := lq.lane(laneName)
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for _, it := range ln.items {
		if it.SessionKey == sessionKey && it.SteerEligible {
			return true
		}
	}
	return false
}

// ConsumeSessionPending removes and returns all steer-eligible items for the
// session, leaving non-steer-eligible ones in place.
func (lq *LaneQueue) ConsumeSessionPending(sessionKey, laneName string) []bus.QueueItem {
	ln := lq.lane(laneName)
	if ln == nil {
		return nil
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()

	var consumed []bus.QueueItem
	kept := ln.items[:0]
	for _, it := range ln.items {
		if it.SessionKey == sessionKey && it.SteerEligible {
			consumed = append(consumed, it)
		} else {
			kept = append(kept, it)
		}
	}
	ln.items = kept
	return consumed
}
