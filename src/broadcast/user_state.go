package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"signal-hub/src/models"
	"signal-hub/src/utils"
)

// pendingEvent is one event waiting in a user's tier queue.
type pendingEvent struct {
	event    models.MEvent
	seq      uint64
	enqueued time.Time
	deferred bool
}

// tierBatch is what one flush takes out of a tier.
type tierBatch struct {
	priority models.Priority
	items    []*pendingEvent
}

// userState holds everything the broadcaster keeps per user. The mutex
// guards the queues; scheduled ensures at most one worker flushes the user.
type userState struct {
	id string

	mu        sync.Mutex
	tiers     [models.NumPriorities]*utils.Ring[*pendingEvent]
	pending   int
	seq       uint64
	window    rateWindow
	seen      map[string]time.Time // event id -> accepted at
	active    time.Time            // last enqueue or delivery
	urgent    bool
	deferred  bool
	discarded bool

	scheduled atomic.Bool
}

func newUserState(id string) *userState {
	us := &userState{
		id:     id,
		window: newRateWindow(),
		seen:   make(map[string]time.Time),
	}
	for i := range us.tiers {
		us.tiers[i] = utils.NewRing[*pendingEvent](8)
	}
	return us
}

// -----------------------------------------------------------------------------

// push queues an event. Caller holds mu. Returns false for a duplicate and
// the number of events evicted to stay within maxPending.
func (us *userState) push(e models.MEvent, p models.Priority, now time.Time, maxPending int, dedupe time.Duration) (accepted bool, dropped int) {
	if e.ID != "" {
		if at, ok := us.seen[e.ID]; ok && now.Sub(at) < dedupe {
			return false, 0
		}
		us.seen[e.ID] = now
	}
	us.active = now

	us.seq++
	us.tiers[p].PushBack(&pendingEvent{event: e, seq: us.seq, enqueued: now})
	us.pending++
	if p.Urgent() {
		us.urgent = true
	}

	for maxPending > 0 && us.pending > maxPending {
		us.dropOldest()
		dropped++
	}
	return true, dropped
}

// dropOldest evicts the earliest queued event across all tiers.
func (us *userState) dropOldest() {
	oldest := -1
	var oldestSeq uint64
	for i, tier := range us.tiers {
		head, ok := tier.PeekFront()
		if !ok {
			continue
		}
		if oldest < 0 || head.seq < oldestSeq {
			oldest, oldestSeq = i, head.seq
		}
	}
	if oldest >= 0 {
		us.tiers[oldest].PopFront()
		us.pending--
	}
}

// -----------------------------------------------------------------------------

// take removes what the rate window allows, CRITICAL first. Caller holds mu.
// Returns the batches and how many events were deferred for the first time.
func (us *userState) take(now time.Time, limit, criticalLimit int) (batches []tierBatch, newlyDeferred, stillQueued int) {
	us.urgent = false
	sent := us.window.count(now)

	for p := models.PriorityCritical; p >= models.PriorityLow; p-- {
		tier := us.tiers[p]
		if tier.Len() == 0 {
			continue
		}
		ceiling := limit
		if p == models.PriorityCritical {
			ceiling = criticalLimit
		}
		n := ceiling - sent
		if n < 0 {
			n = 0
		}
		items := tier.PopN(n)
		if len(items) > 0 {
			sent += len(items)
			us.pending -= len(items)
			us.window.record(now, len(items))
			us.active = now
			batches = append(batches, tierBatch{priority: p, items: items})
		}
		tier.Each(func(pe *pendingEvent) bool {
			if !pe.deferred {
				pe.deferred = true
				newlyDeferred++
			}
			return true
		})
		stillQueued += tier.Len()
	}
	us.deferred = stillQueued > 0
	return batches, newlyDeferred, stillQueued
}

// clear drops every queued event. The rate window and seen ids are kept.
func (us *userState) clear() int {
	n := 0
	for _, tier := range us.tiers {
		n += tier.Clear()
	}
	us.pending = 0
	us.urgent = false
	us.deferred = false
	return n
}

// idle reports whether nothing was enqueued or delivered for at least
// retention. Caller holds mu.
func (us *userState) idle(now time.Time, retention time.Duration) bool {
	return us.pending == 0 && now.Sub(us.active) >= retention
}

// pruneSeen forgets event ids older than the dedupe window.
func (us *userState) pruneSeen(now time.Time, dedupe time.Duration) {
	for id, at := range us.seen {
		if now.Sub(at) >= dedupe {
			delete(us.seen, id)
		}
	}
}

// depth returns queued events per tier. Caller holds mu.
func (us *userState) depth() [models.NumPriorities]int {
	var d [models.NumPriorities]int
	for i, tier := range us.tiers {
		d[i] = tier.Len()
	}
	return d
}
