package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"signal-hub/src/broadcast"
	"signal-hub/src/helpers"
	"signal-hub/src/index"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"
	"signal-hub/src/routing"
	"signal-hub/src/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	fail   error
}

func newTransport(id string) *fakeTransport { return &fakeTransport{id: id} }

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) eventIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, raw := range t.msgs {
		var b models.MEventBatch
		if json.Unmarshal(raw, &b) != nil {
			continue
		}
		for _, e := range b.Events {
			ids = append(ids, e.ID)
		}
	}
	return ids
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

type harness struct {
	cm      *ConnectionManager
	idx     *index.SubscriptionIndex
	router  *routing.EventRouter
	bc      *broadcast.Broadcaster
	store   *storage.MemoryStore
	metrics *metrics.Metrics
	clock   *testClock
}

func newHarness(t *testing.T, opts Options, bopts broadcast.Options) *harness {
	t.Helper()
	log := logger.NewLogger(nil, "Test")
	log.SetOutput(io.Discard)

	m := metrics.NewMetrics()
	idx := index.NewSubscriptionIndex(log, index.Options{})
	router := routing.NewEventRouter(log, idx, m, routing.Options{})
	bc := broadcast.NewBroadcaster(log, nil, m, bopts)
	store := storage.NewMemoryStore()
	cm := NewConnectionManager(log, idx, router, bc, store, m, opts)

	clock := &testClock{now: time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)}
	cm.now = clock.Now

	return &harness{cm: cm, idx: idx, router: router, bc: bc, store: store, metrics: m, clock: clock}
}

// route pushes an event through routing and into the broadcaster without the
// ingress workers.
func (h *harness) route(e models.MEvent) {
	h.bc.Dispatch(h.router.Route(&e))
}

func (h *harness) connect(t *testing.T, userID, connID string) *fakeTransport {
	t.Helper()
	tr := newTransport(connID)
	id, err := h.cm.RegisterConnection(userID, tr)
	require.NoError(t, err)
	require.Equal(t, connID, id)
	return tr
}

// -----------------------------------------------------------------------------

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})

	cases := []struct {
		name     string
		user     string
		criteria models.MCriteria
	}{
		{"no user", "", models.MCriteria{EventType: "pattern"}},
		{"no type", "alice", models.MCriteria{Symbols: []string{"AAPL"}}},
		{"confidence above one", "alice", models.MCriteria{EventType: "pattern", MinConfidence: 1.5}},
		{"negative confidence", "alice", models.MCriteria{EventType: "pattern", MinConfidence: -0.1}},
		{"blank symbol", "alice", models.MCriteria{EventType: "pattern", Symbols: []string{" "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.cm.Subscribe(tc.user, tc.criteria)
			require.Error(t, err)
			assert.True(t, errors.Is(err, helpers.ErrInvalidCriteria))
		})
	}
	assert.Equal(t, 0, h.idx.Len())

	id, err := h.cm.Subscribe("alice", models.MCriteria{EventType: " pattern ", Symbols: []string{"AAPL", "AAPL"}})
	require.NoError(t, err)
	sub, ok := h.idx.Get(id)
	require.True(t, ok)
	assert.Equal(t, "pattern", sub.Criteria.EventType)
	assert.Equal(t, []string{"AAPL"}, sub.Criteria.Symbols)

	assert.True(t, h.cm.Unsubscribe(id))
	assert.False(t, h.cm.Unsubscribe(id))
}

func TestRegisterConnectionRejectsBadInput(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})

	_, err := h.cm.RegisterConnection("", newTransport("c1"))
	assert.Error(t, err)
	_, err = h.cm.RegisterConnection("alice", newTransport(""))
	assert.Error(t, err)

	h.connect(t, "alice", "c1")
	_, err = h.cm.RegisterConnection("bob", newTransport("c1"))
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------

func TestFanOutReachesExactlyTheSubscribers(t *testing.T) {
	h := newHarness(t, Options{RouterWorkers: 4}, broadcast.Options{})

	const users, symbols = 500, 50
	transports := make([]*fakeTransport, users)
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%03d", i)
		transports[i] = h.connect(t, user, "conn-"+user)
		_, err := h.cm.Subscribe(user, models.MCriteria{
			EventType: "pattern",
			Symbols:   []string{fmt.Sprintf("SYM%02d", i%symbols)},
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.bc.Start(ctx)
	defer h.bc.Stop()
	require.NoError(t, h.cm.Start(ctx))
	defer h.cm.Stop()

	for s := 0; s < symbols; s++ {
		require.True(t, h.cm.Broadcast(models.MEvent{
			ID:     fmt.Sprintf("evt-%02d", s),
			Type:   "pattern",
			Symbol: fmt.Sprintf("SYM%02d", s),
		}))
	}

	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Delivered == users
	}, 5*time.Second, 10*time.Millisecond)

	for i, tr := range transports {
		assert.Equal(t, []string{fmt.Sprintf("evt-%02d", i%symbols)}, tr.eventIDs(), "user %d", i)
	}

	counters := h.metrics.Snapshot()
	assert.EqualValues(t, symbols, counters.Accepted)
	assert.Zero(t, counters.Offline)
	assert.Zero(t, counters.Dropped)

	// LOW events wait one batch window, plus a quarter of it for scheduling.
	low := h.metrics.Latency(models.PriorityLow)
	assert.EqualValues(t, users, low.Count)
	assert.Less(t, low.Max, 125*time.Millisecond)
}

// -----------------------------------------------------------------------------

func TestDisconnectDiscardsBufferAndGraceRestores(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute, HeartbeatTimeout: time.Hour}, broadcast.Options{})

	alice := h.connect(t, "alice", "a1")
	bob := h.connect(t, "bob", "b1")
	_, err := h.cm.Subscribe("alice", models.MCriteria{EventType: "pattern", Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	_, err = h.cm.Subscribe("bob", models.MCriteria{EventType: "pattern", Symbols: []string{"MSFT"}})
	require.NoError(t, err)

	h.route(models.MEvent{ID: "old", Type: "pattern", Symbol: "AAPL"})
	require.Equal(t, 1, h.bc.Pending("alice"))

	h.cm.OnDisconnect("a1")
	assert.True(t, alice.isClosed())
	assert.Equal(t, 0, h.bc.Pending("alice"))
	assert.EqualValues(t, 1, h.metrics.Snapshot().Discarded)
	assert.True(t, h.cm.InGrace("alice"))
	assert.Empty(t, h.cm.Connections("alice"))

	h.bc.FlushUser("bob")
	assert.Empty(t, bob.eventIDs())

	// Reconnect inside the grace period: no new Subscribe needed
	h.clock.Advance(30 * time.Second)
	alice2 := h.connect(t, "alice", "a2")
	assert.False(t, h.cm.InGrace("alice"))
	assert.Len(t, h.cm.Subscriptions("alice"), 1)

	h.clock.Advance(time.Minute)
	_, expired := h.cm.Sweep()
	assert.Equal(t, 0, expired)

	h.route(models.MEvent{ID: "new", Type: "pattern", Symbol: "AAPL"})
	require.True(t, h.bc.FlushUser("alice"))
	assert.Equal(t, []string{"new"}, alice2.eventIDs())
	assert.Empty(t, alice.eventIDs())
}

func TestGraceExpiryRemovesSubscriptions(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute, SweepInterval: time.Hour}, broadcast.Options{})
	require.NoError(t, h.cm.Start(context.Background()))
	defer h.cm.Stop()

	h.connect(t, "alice", "a1")
	_, err := h.cm.Subscribe("alice", models.MCriteria{EventType: "pattern"})
	require.NoError(t, err)
	_, err = h.cm.Subscribe("alice", models.MCriteria{EventType: "state_change"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		subs, _ := h.store.LoadSubscriptions()
		return len(subs) == 2
	}, time.Second, 5*time.Millisecond)

	h.cm.OnDisconnect("a1")
	h.clock.Advance(59 * time.Second)
	_, expired := h.cm.Sweep()
	assert.Equal(t, 0, expired)
	assert.Len(t, h.cm.Subscriptions("alice"), 2)

	h.clock.Advance(time.Second)
	_, expired = h.cm.Sweep()
	assert.Equal(t, 1, expired)
	assert.Empty(t, h.cm.Subscriptions("alice"))
	assert.False(t, h.cm.InGrace("alice"))
	assert.Equal(t, 0, h.idx.Len())

	require.Eventually(t, func() bool {
		subs, _ := h.store.LoadSubscriptions()
		return len(subs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeWithoutConnectionStartsGrace(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute}, broadcast.Options{})

	_, err := h.cm.Subscribe("carol", models.MCriteria{EventType: "pattern"})
	require.NoError(t, err)
	assert.True(t, h.cm.InGrace("carol"))

	h.clock.Advance(2 * time.Minute)
	_, expired := h.cm.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, h.idx.Len())
}

func TestSubscribeRenewsExpiredGrace(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute}, broadcast.Options{})

	_, err := h.cm.Subscribe("carol", models.MCriteria{EventType: "pattern"})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	// Expired but not yet swept: a new subscription reopens the window.
	id, err := h.cm.Subscribe("carol", models.MCriteria{EventType: "alert"})
	require.NoError(t, err)
	_, expired := h.cm.Sweep()
	assert.Equal(t, 0, expired)
	assert.True(t, h.cm.InGrace("carol"))
	_, ok := h.idx.Get(id)
	assert.True(t, ok)
	assert.Len(t, h.cm.Subscriptions("carol"), 2)
}

func TestSweepNeverRemovesConcurrentSubscription(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute}, broadcast.Options{})

	for i := 0; i < 200; i++ {
		user := fmt.Sprintf("user-%d", i)
		_, err := h.cm.Subscribe(user, models.MCriteria{EventType: "pattern"})
		require.NoError(t, err)
		h.clock.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		var id string
		var subErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.cm.Sweep()
		}()
		go func() {
			defer wg.Done()
			id, subErr = h.cm.Subscribe(user, models.MCriteria{EventType: "alert"})
		}()
		wg.Wait()

		require.NoError(t, subErr)
		_, ok := h.idx.Get(id)
		require.True(t, ok, "round %d lost subscription %s", i, id)
		require.True(t, h.cm.InGrace(user), "round %d", i)
	}
}

func TestStoreFollowsSubscriptionChurnInOrder(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Hour, HeartbeatTimeout: time.Hour}, broadcast.Options{})
	require.NoError(t, h.cm.Start(context.Background()))

	h.connect(t, "alice", "a1")
	kept := map[string]struct{}{}
	for i := 0; i < 300; i++ {
		id, err := h.cm.Subscribe("alice", models.MCriteria{EventType: "pattern"})
		require.NoError(t, err)
		if i%3 == 0 {
			kept[id] = struct{}{}
			continue
		}
		require.True(t, h.cm.Unsubscribe(id))
	}
	h.cm.Stop()
	assert.Zero(t, h.cm.PendingWrites())

	// A delete applied before its save would leave the row behind.
	subs, err := h.store.LoadSubscriptions()
	require.NoError(t, err)
	stored := map[string]struct{}{}
	for _, s := range subs {
		stored[s.ID] = struct{}{}
	}
	assert.Equal(t, kept, stored)
	assert.Equal(t, len(kept), h.idx.Len())
}

func TestRateWindowAndDedupeSurviveReconnect(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute, HeartbeatTimeout: time.Hour}, broadcast.Options{RateLimit: 100})

	h.connect(t, "alice", "a1")
	_, err := h.cm.Subscribe("alice", models.MCriteria{EventType: "pattern"})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		h.route(models.MEvent{ID: fmt.Sprintf("first-%d", i), Type: "pattern"})
	}
	require.True(t, h.bc.FlushUser("alice"))
	require.EqualValues(t, 100, h.metrics.Snapshot().Delivered)

	h.cm.OnDisconnect("a1")
	alice2 := h.connect(t, "alice", "a2")

	for i := 0; i < 100; i++ {
		h.route(models.MEvent{ID: fmt.Sprintf("second-%d", i), Type: "pattern"})
	}
	require.True(t, h.bc.FlushUser("alice"))

	// The second connection inherits the full window from the first.
	assert.Empty(t, alice2.eventIDs())
	assert.EqualValues(t, 100, h.metrics.Snapshot().Delivered)
	assert.Equal(t, 100, h.bc.Pending("alice"))

	h.route(models.MEvent{ID: "first-0", Type: "pattern"})
	assert.EqualValues(t, 1, h.metrics.Snapshot().Duplicates)
	assert.Equal(t, 100, h.bc.Pending("alice"))
}

// -----------------------------------------------------------------------------

func TestHeartbeatTimeout(t *testing.T) {
	h := newHarness(t, Options{HeartbeatTimeout: 30 * time.Second}, broadcast.Options{})

	quiet := h.connect(t, "alice", "a1")
	chatty := h.connect(t, "alice", "a2")

	h.clock.Advance(20 * time.Second)
	h.cm.Touch("a2")
	h.cm.Touch("unknown")

	h.clock.Advance(20 * time.Second)
	timedOut, _ := h.cm.Sweep()
	assert.Equal(t, 1, timedOut)
	assert.True(t, quiet.isClosed())
	assert.False(t, chatty.isClosed())
	assert.False(t, h.cm.InGrace("alice"))
	assert.Len(t, h.cm.Connections("alice"), 1)

	h.clock.Advance(31 * time.Second)
	timedOut, _ = h.cm.Sweep()
	assert.Equal(t, 1, timedOut)
	assert.True(t, h.cm.InGrace("alice"))
	assert.Empty(t, h.cm.ConnectedUsers())
}

func TestSingleSessionClosesOlderConnections(t *testing.T) {
	h := newHarness(t, Options{SingleSession: true}, broadcast.Options{})

	first := h.connect(t, "alice", "a1")
	second := h.connect(t, "alice", "a2")

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	conns := h.cm.Connections("alice")
	require.Len(t, conns, 1)
	assert.Equal(t, "a2", conns[0].ID())

	// The closed connection's own disconnect report is a no-op
	h.cm.OnDisconnect("a1")
	assert.Len(t, h.cm.Connections("alice"), 1)
	assert.False(t, h.cm.InGrace("alice"))
}

func TestMultiDeviceDeliversToEveryConnection(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})

	phone := h.connect(t, "alice", "phone")
	laptop := h.connect(t, "alice", "laptop")
	_, err := h.cm.Subscribe("alice", models.MCriteria{EventType: "pattern"})
	require.NoError(t, err)

	h.route(models.MEvent{ID: "e1", Type: "pattern"})
	require.True(t, h.bc.FlushUser("alice"))
	assert.Equal(t, []string{"e1"}, phone.eventIDs())
	assert.Equal(t, []string{"e1"}, laptop.eventIDs())
}

func TestReportFailureTearsDownOnlyThatConnection(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})

	broken := h.connect(t, "alice", "a1")
	healthy := h.connect(t, "alice", "a2")
	other := h.connect(t, "bob", "b1")
	broken.fail = errors.New("broken pipe")

	for _, u := range []string{"alice", "bob"} {
		_, err := h.cm.Subscribe(u, models.MCriteria{EventType: "pattern"})
		require.NoError(t, err)
	}

	h.route(models.MEvent{ID: "e1", Type: "pattern"})
	h.bc.FlushUser("alice")
	h.bc.FlushUser("bob")

	assert.True(t, broken.isClosed())
	assert.Equal(t, []string{"e1"}, healthy.eventIDs())
	assert.Equal(t, []string{"e1"}, other.eventIDs())
	assert.Len(t, h.cm.Connections("alice"), 1)
	assert.EqualValues(t, 1, h.metrics.Snapshot().DeliveryFailures)
}

// -----------------------------------------------------------------------------

func TestBroadcastNeverBlocks(t *testing.T) {
	h := newHarness(t, Options{IngressQueueSize: 2}, broadcast.Options{})

	assert.True(t, h.cm.Broadcast(models.MEvent{Type: "pattern"}))
	assert.True(t, h.cm.Broadcast(models.MEvent{Type: "pattern"}))
	assert.False(t, h.cm.Broadcast(models.MEvent{Type: "pattern"}))

	counters := h.metrics.Snapshot()
	assert.EqualValues(t, 2, counters.Accepted)
	assert.EqualValues(t, 1, counters.Rejected)
	assert.Equal(t, 2, h.cm.HealthSnapshot().QueueDepths.Ingress)

	queued := <-h.cm.ingress
	assert.NotEmpty(t, queued.ID)
	assert.Equal(t, h.clock.Now(), queued.CreatedAt)
}

func TestBroadcastAllFollowsConnections(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})
	h.router.RegisterRoutingRule("announcement", routing.NewBroadcastAll(h.router.Audience()), nil)

	h.connect(t, "bob", "b1")
	h.connect(t, "alice", "a1")
	res := h.router.Route(&models.MEvent{Type: "announcement"})
	assert.Equal(t, []string{"alice", "bob"}, res.Decision.TargetUserIDs)

	gen := h.cm.ConnectionGeneration()
	h.cm.OnDisconnect("b1")
	assert.Greater(t, h.cm.ConnectionGeneration(), gen)

	res = h.router.Route(&models.MEvent{Type: "announcement"})
	assert.Equal(t, []string{"alice"}, res.Decision.TargetUserIDs)
}

// -----------------------------------------------------------------------------

func TestRestoreFromStore(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute, HeartbeatTimeout: time.Hour}, broadcast.Options{})
	created := h.clock.Now().Add(-time.Hour)
	for i, user := range []string{"alice", "alice", "bob"} {
		require.NoError(t, h.store.SaveSubscription(models.MSubscription{
			ID:        fmt.Sprintf("s%d", i),
			UserID:    user,
			Criteria:  models.MCriteria{EventType: "pattern"},
			CreatedAt: created,
		}))
	}
	require.NoError(t, h.store.SaveSubscription(models.MSubscription{ID: "bad", UserID: "carol"}))

	restored, err := h.cm.Restore()
	require.NoError(t, err)
	assert.Equal(t, 3, restored)
	assert.Equal(t, 3, h.idx.Len())
	assert.True(t, h.cm.InGrace("alice"))
	assert.True(t, h.cm.InGrace("bob"))

	h.connect(t, "alice", "a1")
	h.clock.Advance(2 * time.Minute)
	_, expired := h.cm.Sweep()
	assert.Equal(t, 1, expired)

	users := h.router.Route(&models.MEvent{Type: "pattern"}).Decision.TargetUserIDs
	assert.Equal(t, []string{"alice"}, users)
}

func TestHealthSnapshot(t *testing.T) {
	h := newHarness(t, Options{}, broadcast.Options{})

	h.connect(t, "alice", "a1")
	h.connect(t, "alice", "a2")
	h.connect(t, "bob", "b1")
	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := h.cm.Subscribe(u, models.MCriteria{EventType: "pattern", Symbols: []string{"AAPL"}})
		require.NoError(t, err)
	}
	h.route(models.MEvent{ID: "e1", Type: "pattern", Symbol: "AAPL", Priority: models.PriorityMedium})
	h.route(models.MEvent{ID: "e2", Type: "pattern", Symbol: "AAPL", Priority: models.PriorityMedium})

	snap := h.cm.HealthSnapshot()
	assert.Equal(t, 3, snap.Connections)
	assert.Equal(t, 2, snap.Users)
	assert.Equal(t, 1, snap.GraceUsers)
	assert.Equal(t, 3, snap.Subscriptions)
	assert.Positive(t, snap.IndexSize)
	assert.Equal(t, 4, snap.QueueDepths.Pending["MEDIUM"])
	assert.Equal(t, 0, snap.QueueDepths.Pending["CRITICAL"])
	assert.Greater(t, snap.CacheHitRate, 0.0)
	assert.Positive(t, snap.Process.Goroutines)
	assert.EqualValues(t, 2, snap.Delivery.Offline)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(&models.MFanoutConfig{
		HeartbeatTimeoutSeconds: 10,
		GracePeriodSeconds:      5,
		IngressQueueSize:        64,
		RouterWorkers:           3,
		SingleSession:           true,
	})
	assert.Equal(t, Options{
		HeartbeatTimeout: 10 * time.Second,
		GracePeriod:      5 * time.Second,
		IngressQueueSize: 64,
		RouterWorkers:    3,
		SingleSession:    true,
	}, opts)

	opts = Options{}
	opts.applyDefaults()
	assert.Equal(t, 30*time.Second, opts.HeartbeatTimeout)
	assert.Equal(t, time.Minute, opts.GracePeriod)
}
