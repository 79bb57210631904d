package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"signal-hub/src/interfaces"
	"signal-hub/src/metrics"
	"signal-hub/src/models"
	"signal-hub/src/routing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id    string
	mu    sync.Mutex
	msgs  [][]byte
	fail  error
	stall bool // Send blocks until the write deadline
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) batches(t *testing.T) []models.MEventBatch {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MEventBatch, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var b models.MEventBatch
		require.NoError(t, json.Unmarshal(raw, &b))
		out = append(out, b)
	}
	return out
}

func (c *fakeConn) eventIDs(t *testing.T) []string {
	var ids []string
	for _, b := range c.batches(t) {
		for _, e := range b.Events {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

type fakeSource struct {
	mu       sync.Mutex
	conns    map[string][]*fakeConn
	failures []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{conns: map[string][]*fakeConn{}}
}

func (s *fakeSource) connect(userID string) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeConn{id: fmt.Sprintf("%s-%d", userID, len(s.conns[userID]))}
	s.conns[userID] = append(s.conns[userID], c)
	return c
}

func (s *fakeSource) Connections(userID string) []interfaces.ITransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.ITransport, 0, len(s.conns[userID]))
	for _, c := range s.conns[userID] {
		out = append(out, c)
	}
	return out
}

func (s *fakeSource) ReportFailure(connID string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, connID)
	for user, conns := range s.conns {
		kept := conns[:0]
		for _, c := range conns {
			if c.id != connID {
				kept = append(kept, c)
			}
		}
		s.conns[user] = kept
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBroadcaster(opts Options) (*Broadcaster, *fakeSource, *metrics.Metrics, *testClock) {
	src := newFakeSource()
	m := metrics.NewMetrics()
	b := NewBroadcaster(nil, src, m, opts)
	clock := &testClock{now: time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)}
	b.now = clock.Now
	return b, src, m, clock
}

func ev(id string, p models.Priority) models.MEvent {
	return models.MEvent{ID: id, Type: "pattern", Symbol: "AAPL", Priority: p}
}

// flushNow runs one synchronous flush, ignoring the scheduled flag that
// urgent enqueues set when no workers are running.
func flushNow(b *Broadcaster, userID string) {
	b.flush(b.userState(userID))
}

// -----------------------------------------------------------------------------

func TestRateLimitDefersBeyondWindow(t *testing.T) {
	b, src, m, clock := newTestBroadcaster(Options{RateLimit: 100})
	conn := src.connect("u")

	for i := 0; i < 150; i++ {
		require.True(t, b.Enqueue("u", ev(fmt.Sprintf("e%d", i), models.PriorityLow), models.PriorityLow))
	}

	flushNow(b, "u")
	assert.Len(t, conn.eventIDs(t), 100)
	assert.Equal(t, 50, b.Pending("u"))
	assert.Equal(t, uint64(50), m.Snapshot().Deferred)

	clock.Advance(500 * time.Millisecond)
	flushNow(b, "u")
	assert.Len(t, conn.eventIDs(t), 100)
	assert.Equal(t, uint64(50), m.Snapshot().Deferred, "deferral is counted once per event")

	clock.Advance(501 * time.Millisecond)
	flushNow(b, "u")
	ids := conn.eventIDs(t)
	require.Len(t, ids, 150)
	assert.Equal(t, "e149", ids[149])
	assert.Zero(t, b.Pending("u"))
}

func TestCriticalBurstAllowance(t *testing.T) {
	b, src, _, _ := newTestBroadcaster(Options{RateLimit: 100, BurstAllowance: 1.2})
	conn := src.connect("u")

	for i := 0; i < 150; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("c%d", i), models.PriorityCritical), models.PriorityCritical)
	}
	for i := 0; i < 10; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("l%d", i), models.PriorityLow), models.PriorityLow)
	}

	flushNow(b, "u")
	batches := conn.batches(t)
	require.Len(t, batches, 1)
	assert.Equal(t, models.PriorityCritical, batches[0].Priority)
	assert.Len(t, batches[0].Events, 120)
	assert.Equal(t, 40, b.Pending("u"))
}

func TestRateLimitPropertyUnderRandomTraffic(t *testing.T) {
	const limit = 50
	b, src, _, clock := newTestBroadcaster(Options{RateLimit: limit, BurstAllowance: 1.2, MaxPending: 100000})
	conn := src.connect("u")
	r := rand.New(rand.NewSource(1))

	type send struct {
		at       time.Time
		critical int
		other    int
	}
	var sends []send
	seen := 0
	for step := 0; step < 400; step++ {
		for i := r.Intn(20); i > 0; i-- {
			p := models.Priority(r.Intn(models.NumPriorities))
			b.Enqueue("u", ev(fmt.Sprintf("e%d-%d", step, i), p), p)
		}
		flushNow(b, "u")

		s := send{at: clock.Now()}
		batches := conn.batches(t)
		for _, batch := range batches[seen:] {
			if batch.Priority == models.PriorityCritical {
				s.critical += len(batch.Events)
			} else {
				s.other += len(batch.Events)
			}
		}
		seen = len(batches)
		sends = append(sends, s)
		clock.Advance(time.Duration(5+r.Intn(40)) * time.Millisecond)
	}

	for i, end := range sends {
		total, other := 0, 0
		for _, s := range sends[:i+1] {
			if s.at.After(end.at.Add(-time.Second)) {
				total += s.critical + s.other
				other += s.other
			}
		}
		require.LessOrEqual(t, total, 60, "window ending %v", end.at)
		require.LessOrEqual(t, other, limit, "window ending %v", end.at)
	}
}

func TestFlushOrderAndFIFO(t *testing.T) {
	b, src, _, _ := newTestBroadcaster(Options{})
	conn := src.connect("u")

	for i := 0; i < 5; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("low%d", i), models.PriorityLow), models.PriorityLow)
		b.Enqueue("u", ev(fmt.Sprintf("med%d", i), models.PriorityMedium), models.PriorityMedium)
	}
	b.Enqueue("u", ev("crit", models.PriorityCritical), models.PriorityCritical)
	b.Enqueue("u", ev("high", models.PriorityHigh), models.PriorityHigh)

	flushNow(b, "u")
	batches := conn.batches(t)
	require.Len(t, batches, 4)
	assert.Equal(t, []models.Priority{models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow},
		[]models.Priority{batches[0].Priority, batches[1].Priority, batches[2].Priority, batches[3].Priority})
	for i, e := range batches[3].Events {
		assert.Equal(t, fmt.Sprintf("low%d", i), e.ID)
	}
	for i, e := range batches[2].Events {
		assert.Equal(t, fmt.Sprintf("med%d", i), e.ID)
	}
}

func TestOverflowDropsOldestAcrossTiers(t *testing.T) {
	b, src, m, _ := newTestBroadcaster(Options{MaxPending: 5})
	conn := src.connect("u")

	for i := 1; i <= 3; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("l%d", i), models.PriorityLow), models.PriorityLow)
	}
	for i := 1; i <= 3; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("h%d", i), models.PriorityHigh), models.PriorityHigh)
	}
	assert.Equal(t, 5, b.Pending("u"))
	assert.Equal(t, uint64(1), m.Snapshot().Dropped)

	flushNow(b, "u")
	assert.Equal(t, []string{"h1", "h2", "h3", "l2", "l3"}, conn.eventIDs(t))
}

func TestDuplicateEventSkipped(t *testing.T) {
	b, src, m, clock := newTestBroadcaster(Options{DedupeWindow: time.Second})
	src.connect("u")

	assert.True(t, b.Enqueue("u", ev("same", models.PriorityLow), models.PriorityLow))
	assert.False(t, b.Enqueue("u", ev("same", models.PriorityLow), models.PriorityLow))
	assert.Equal(t, uint64(1), m.Snapshot().Duplicates)

	clock.Advance(2 * time.Second)
	assert.True(t, b.Enqueue("u", ev("same", models.PriorityLow), models.PriorityLow))
}

func TestOfflineUserSkipped(t *testing.T) {
	b, _, m, _ := newTestBroadcaster(Options{})
	assert.False(t, b.Enqueue("ghost", ev("e", models.PriorityLow), models.PriorityLow))
	assert.Equal(t, uint64(1), m.Snapshot().Offline)
	assert.Zero(t, b.Users())
}

func TestWriteFailureReportedAndIsolated(t *testing.T) {
	b, src, m, _ := newTestBroadcaster(Options{})
	bad := src.connect("u")
	bad.fail = errors.New("broken pipe")
	good := src.connect("u")
	other := src.connect("v")

	b.Dispatch(routing.Result{
		Decision: models.MRoutingDecision{TargetUserIDs: []string{"u", "v"}},
		Event:    ev("e1", models.PriorityLow),
	})
	flushNow(b, "u")
	flushNow(b, "v")

	assert.Equal(t, []string{"u-0"}, src.failures)
	assert.Equal(t, []string{"e1"}, good.eventIDs(t))
	assert.Equal(t, []string{"e1"}, other.eventIDs(t))
	assert.Equal(t, uint64(1), m.Snapshot().DeliveryFailures)
	assert.Equal(t, uint64(2), m.Snapshot().Delivered)
}

func TestDiscardUserDropsQueuedEvents(t *testing.T) {
	b, src, m, _ := newTestBroadcaster(Options{})
	conn := src.connect("u")
	for i := 0; i < 4; i++ {
		b.Enqueue("u", ev(fmt.Sprintf("e%d", i), models.PriorityLow), models.PriorityLow)
	}
	assert.Equal(t, 4, b.PendingByTier()["LOW"])

	assert.Equal(t, 4, b.DiscardUser("u"))
	assert.Equal(t, uint64(4), m.Snapshot().Discarded)
	assert.True(t, b.FlushUser("u"))
	assert.Empty(t, conn.eventIDs(t))
	assert.Zero(t, b.PendingByTier()["LOW"])

	// Discarded ids are still inside the dedupe window
	assert.False(t, b.Enqueue("u", ev("e0", models.PriorityLow), models.PriorityLow))
	assert.Equal(t, uint64(1), m.Snapshot().Duplicates)
}

func TestIdleStateRetiredAfterRetention(t *testing.T) {
	b, src, _, clock := newTestBroadcaster(Options{DedupeWindow: 5 * time.Second})
	conn := src.connect("u")
	require.True(t, b.Enqueue("u", ev("e1", models.PriorityLow), models.PriorityLow))
	flushNow(b, "u")
	require.Equal(t, []string{"e1"}, conn.eventIDs(t))
	us := b.userState("u")

	clock.Advance(4 * time.Second)
	assert.False(t, b.retire(us, clock.Now()))
	assert.False(t, b.Enqueue("u", ev("e1", models.PriorityLow), models.PriorityLow))

	clock.Advance(time.Second)
	assert.True(t, b.retire(us, clock.Now()))
	assert.Zero(t, b.Users())

	require.True(t, b.Enqueue("u", ev("e1", models.PriorityLow), models.PriorityLow))
	assert.Equal(t, 1, b.Pending("u"))
}

func TestRetireKeepsUsersWithQueuedEvents(t *testing.T) {
	b, src, _, clock := newTestBroadcaster(Options{RateLimit: 1})
	src.connect("u")
	b.Enqueue("u", ev("e1", models.PriorityLow), models.PriorityLow)
	b.Enqueue("u", ev("e2", models.PriorityLow), models.PriorityLow)
	flushNow(b, "u")
	require.Equal(t, 1, b.Pending("u"))

	clock.Advance(time.Minute)
	assert.False(t, b.retire(b.userState("u"), clock.Now()))
	assert.Equal(t, 1, b.Users())
}

func TestWriteTimeoutTearsDownOnlyTheStalledConnection(t *testing.T) {
	src := newFakeSource()
	m := metrics.NewMetrics()
	b := NewBroadcaster(nil, src, m, Options{WriteTimeout: 50 * time.Millisecond, DeliveryWorkers: 4})
	b.Start(context.Background())
	defer b.Stop()

	stalled := src.connect("slow")
	stalled.stall = true
	fast := src.connect("fast")

	start := time.Now()
	b.Dispatch(routing.Result{
		Decision: models.MRoutingDecision{TargetUserIDs: []string{"slow", "fast"}},
		Event:    ev("e1", models.PriorityHigh),
	})

	require.Eventually(t, func() bool { return fast.sent() == 1 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "fast user waited on the stalled write")

	require.Eventually(t, func() bool {
		return m.Snapshot().DeliveryFailures == 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	src.mu.Lock()
	failures := append([]string(nil), src.failures...)
	src.mu.Unlock()
	assert.Equal(t, []string{"slow-0"}, failures)
	assert.Empty(t, src.Connections("slow"))
	assert.Zero(t, stalled.sent())
	assert.Equal(t, uint64(1), m.Snapshot().Delivered)
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(&models.MFanoutConfig{BatchWindowMs: 250, PerUserRateLimit: 10, WriteTimeoutMs: 20})
	assert.Equal(t, 250*time.Millisecond, o.BatchWindow)
	assert.Equal(t, 10, o.RateLimit)
	o.applyDefaults()
	assert.Equal(t, 20*time.Millisecond, o.WriteTimeout)
	assert.Equal(t, defaultMaxPending, o.MaxPending)
	assert.Equal(t, defaultBurstAllowance, o.BurstAllowance)
}

// -----------------------------------------------------------------------------

func TestCriticalBeatsLowUnderLoad(t *testing.T) {
	src := newFakeSource()
	m := metrics.NewMetrics()
	b := NewBroadcaster(nil, src, m, Options{BatchWindow: 100 * time.Millisecond, RateLimit: 10000})
	b.Start(context.Background())
	defer b.Stop()

	var users []string
	for i := 0; i < 20; i++ {
		u := fmt.Sprintf("user-%d", i)
		src.connect(u)
		users = append(users, u)
	}

	var wg sync.WaitGroup
	for round := 0; round < 10; round++ {
		wg.Add(2)
		go func(round int) {
			defer wg.Done()
			b.Dispatch(routing.Result{
				Decision: models.MRoutingDecision{TargetUserIDs: users},
				Event:    ev(fmt.Sprintf("low-%d", round), models.PriorityLow),
			})
		}(round)
		go func(round int) {
			defer wg.Done()
			b.Dispatch(routing.Result{
				Decision: models.MRoutingDecision{TargetUserIDs: users, BypassBatching: true},
				Event:    ev(fmt.Sprintf("crit-%d", round), models.PriorityCritical),
			})
		}(round)
		time.Sleep(15 * time.Millisecond)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return m.Snapshot().Delivered == uint64(2*10*len(users))
	}, 3*time.Second, 20*time.Millisecond)

	low := m.Latency(models.PriorityLow)
	crit := m.Latency(models.PriorityCritical)
	require.NotZero(t, low.Count)
	require.NotZero(t, crit.Count)
	assert.Less(t, crit.Avg, low.Avg)
}
