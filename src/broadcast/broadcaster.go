package broadcast

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"signal-hub/src/helpers"
	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"
	"signal-hub/src/routing"
)

// ConnectionSource resolves a user's live connections and takes failure
// reports. Implemented by the connection manager.
type ConnectionSource interface {
	Connections(userID string) []interfaces.ITransport
	ReportFailure(connID string, err error)
}

// Options tunes batching, rate limiting and the worker pools.
// Zero values take defaults.
type Options struct {
	BatchWindow    time.Duration
	RateLimit      int     // deliveries per user per second
	BurstAllowance float64 // CRITICAL ceiling as a multiple of RateLimit
	MaxPending     int     // queued events per user
	WriteTimeout   time.Duration
	DedupeWindow   time.Duration

	TimerWorkers    int
	DeliveryWorkers int
	ExpressWorkers  int
}

const (
	defaultBatchWindow     = 100 * time.Millisecond
	defaultRateLimit       = 100
	defaultBurstAllowance  = 1.2
	defaultMaxPending      = 500
	defaultWriteTimeout    = 50 * time.Millisecond
	defaultDedupeWindow    = 5 * time.Second
	defaultTimerWorkers    = 2
	defaultDeliveryWorkers = 8
	defaultExpressWorkers  = 2
)

func (o *Options) applyDefaults() {
	if o.BatchWindow <= 0 {
		o.BatchWindow = defaultBatchWindow
	}
	if o.RateLimit <= 0 {
		o.RateLimit = defaultRateLimit
	}
	if o.BurstAllowance < 1 {
		o.BurstAllowance = defaultBurstAllowance
	}
	if o.MaxPending <= 0 {
		o.MaxPending = defaultMaxPending
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = defaultDedupeWindow
	}
	if o.TimerWorkers <= 0 {
		o.TimerWorkers = defaultTimerWorkers
	}
	if o.DeliveryWorkers <= 0 {
		o.DeliveryWorkers = defaultDeliveryWorkers
	}
	if o.ExpressWorkers <= 0 {
		o.ExpressWorkers = defaultExpressWorkers
	}
}

// OptionsFromConfig maps the fanout config section.
func OptionsFromConfig(f *models.MFanoutConfig) Options {
	return Options{
		BatchWindow:     time.Duration(f.BatchWindowMs) * time.Millisecond,
		RateLimit:       f.PerUserRateLimit,
		BurstAllowance:  f.CriticalBurstAllowance,
		MaxPending:      f.MaxPendingPerUser,
		WriteTimeout:    time.Duration(f.WriteTimeoutMs) * time.Millisecond,
		DedupeWindow:    time.Duration(f.DedupeWindowMs) * time.Millisecond,
		TimerWorkers:    f.TimerWorkers,
		DeliveryWorkers: f.DeliveryWorkers,
		ExpressWorkers:  f.ExpressWorkers,
	}
}

// -----------------------------------------------------------------------------

// Broadcaster batches, rate-limits and writes routed events to each target's
// connections. HIGH and CRITICAL events flush immediately; LOW and MEDIUM wait
// for the batch timer. Bypass events go through a separate express pool so a
// backlog of batched work cannot delay them.
type Broadcaster struct {
	opts          Options
	criticalLimit int

	source ConnectionSource

	mu    sync.RWMutex
	users map[string]*userState

	jobs    chan *userState
	express chan *userState

	metrics      *metrics.Metrics
	errorHandler *helpers.ErrorHandler
	logger       *logger.Logger
	now          func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewBroadcaster(log *logger.Logger, source ConnectionSource, m *metrics.Metrics, opts Options) *Broadcaster {
	opts.applyDefaults()
	if log == nil {
		log = logger.NewLogger(nil, "Broadcaster")
	}
	return &Broadcaster{
		opts:          opts,
		criticalLimit: int(math.Floor(float64(opts.RateLimit)*opts.BurstAllowance + 1e-9)),
		source:        source,
		users:         make(map[string]*userState),
		jobs:          make(chan *userState, opts.DeliveryWorkers*64),
		express:       make(chan *userState, opts.ExpressWorkers*64),
		metrics:       m,
		errorHandler:  helpers.NewErrorHandler(log),
		logger:        log,
		now:           time.Now,
	}
}

// BindSource sets the connection source when it is built after the broadcaster.
func (b *Broadcaster) BindSource(source ConnectionSource) {
	b.source = source
}

// -----------------------------------------------------------------------------

// Start launches the timer, delivery and express worker pools.
func (b *Broadcaster) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	for i := 0; i < b.opts.TimerWorkers; i++ {
		b.wg.Add(1)
		go b.timerWorker(ctx, i)
	}
	for i := 0; i < b.opts.DeliveryWorkers; i++ {
		b.wg.Add(1)
		go b.flushWorker(ctx, b.jobs)
	}
	for i := 0; i < b.opts.ExpressWorkers; i++ {
		b.wg.Add(1)
		go b.flushWorker(ctx, b.express)
	}
	b.logger.Info("Broadcaster started: window=%v limit=%d/s critical=%d/s workers=%d/%d/%d",
		b.opts.BatchWindow, b.opts.RateLimit, b.criticalLimit,
		b.opts.TimerWorkers, b.opts.DeliveryWorkers, b.opts.ExpressWorkers)
}

// Stop halts the workers and waits for in-flight flushes.
func (b *Broadcaster) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Broadcaster stopped")
}

// -----------------------------------------------------------------------------

// Dispatch fans a routing result out to its targets.
func (b *Broadcaster) Dispatch(res routing.Result) {
	lane := b.jobs
	if res.Decision.BypassBatching {
		lane = b.express
	}
	for _, userID := range res.Decision.TargetUserIDs {
		b.enqueue(userID, res.Event, res.Event.Priority, lane)
	}
}

// Enqueue queues one event for a user. Returns false when the user has no
// live connection or the event is a duplicate.
func (b *Broadcaster) Enqueue(userID string, event models.MEvent, priority models.Priority) bool {
	return b.enqueue(userID, event, priority, b.jobs)
}

func (b *Broadcaster) enqueue(userID string, event models.MEvent, priority models.Priority, lane chan *userState) bool {
	if priority < models.PriorityLow || priority > models.PriorityCritical {
		priority = models.PriorityLow
	}
	if b.source == nil || len(b.source.Connections(userID)) == 0 {
		b.metrics.IncOffline()
		return false
	}

	us := b.userState(userID)
	now := b.now()

	us.mu.Lock()
	if us.discarded {
		us.mu.Unlock()
		us = b.userState(userID)
		us.mu.Lock()
	}
	accepted, dropped := us.push(event, priority, now, b.opts.MaxPending, b.opts.DedupeWindow)
	urgent := us.urgent
	us.mu.Unlock()

	if !accepted {
		b.metrics.IncDuplicate()
		return false
	}
	if dropped > 0 {
		b.metrics.AddDropped(dropped)
		b.errorHandler.Handle(helpers.NewBufferOverflow(userID, dropped), "Enqueue")
	}
	if urgent || lane == b.express {
		b.schedule(us, lane)
	}
	return true
}

// userState returns the live state for a user, creating it if needed.
func (b *Broadcaster) userState(userID string) *userState {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if ok {
		return us
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if us, ok = b.users[userID]; ok {
		return us
	}
	us = newUserState(userID)
	b.users[userID] = us
	return us
}

// -----------------------------------------------------------------------------

// schedule hands the user to a worker unless one already owns it. A full
// lane leaves the user to the next timer tick.
func (b *Broadcaster) schedule(us *userState, lane chan *userState) {
	if !us.scheduled.CompareAndSwap(false, true) {
		return
	}
	select {
	case lane <- us:
	default:
		us.scheduled.Store(false)
	}
}

func (b *Broadcaster) flushWorker(ctx context.Context, lane chan *userState) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case us := <-lane:
			b.flush(us)
			us.scheduled.Store(false)

			// Urgent events that arrived during the flush found the user
			// scheduled and were left for us.
			us.mu.Lock()
			again := us.urgent && !us.discarded
			us.mu.Unlock()
			if again {
				b.schedule(us, lane)
			}
		}
	}
}

// timerWorker owns every user whose slot matches its index and schedules the
// ones with queued events once per batch window.
func (b *Broadcaster) timerWorker(ctx context.Context, slot int) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.now()
			for _, us := range b.snapshot() {
				if slotOf(us.id, b.opts.TimerWorkers) != slot {
					continue
				}
				us.mu.Lock()
				due := us.pending > 0
				idle := !due && us.idle(now, b.retention())
				us.mu.Unlock()
				if due {
					b.schedule(us, b.jobs)
				} else if idle {
					b.retire(us, now)
				}
			}
		}
	}
}

// retention is how long an idle user's rate window and dedupe ids must be
// kept. Dropping the state earlier would let a reconnect reset both.
func (b *Broadcaster) retention() time.Duration {
	if b.opts.DedupeWindow > time.Second {
		return b.opts.DedupeWindow
	}
	return time.Second
}

// retire removes a user whose state no longer constrains delivery.
func (b *Broadcaster) retire(us *userState, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users[us.id] != us {
		return false
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.pending > 0 || !us.idle(now, b.retention()) {
		return false
	}
	us.discarded = true
	delete(b.users, us.id)
	return true
}

func slotOf(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

func (b *Broadcaster) snapshot() []*userState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*userState, 0, len(b.users))
	for _, us := range b.users {
		out = append(out, us)
	}
	return out
}

// -----------------------------------------------------------------------------

// FlushUser delivers what the rate limit allows for one user right now.
// Returns false when another worker is already flushing the user.
func (b *Broadcaster) FlushUser(userID string) bool {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return true
	}
	if !us.scheduled.CompareAndSwap(false, true) {
		return false
	}
	defer us.scheduled.Store(false)
	b.flush(us)
	return true
}

// flush takes the allowed events out of the user's tiers and writes one batch
// message per tier, CRITICAL first, to every live connection.
func (b *Broadcaster) flush(us *userState) {
	now := b.now()

	us.mu.Lock()
	if us.discarded {
		us.mu.Unlock()
		return
	}
	batches, newlyDeferred, stillQueued := us.take(now, b.opts.RateLimit, b.criticalLimit)
	if len(us.seen) > 0 {
		us.pruneSeen(now, b.opts.DedupeWindow)
	}
	us.mu.Unlock()

	for i := 0; i < newlyDeferred; i++ {
		b.metrics.IncDeferred()
	}
	if newlyDeferred > 0 {
		b.errorHandler.Handle(helpers.NewRateLimitExceeded(us.id, stillQueued), "FlushUser")
	}
	if len(batches) == 0 {
		return
	}

	var conns []interfaces.ITransport
	if b.source != nil {
		conns = b.source.Connections(us.id)
	}
	for _, batch := range batches {
		if len(conns) == 0 {
			for range batch.items {
				b.metrics.IncOffline()
			}
			continue
		}
		msg, err := encodeBatch(batch)
		if err != nil {
			b.errorHandler.Handle(err, "EncodeBatch")
			continue
		}
		conns = b.write(us.id, conns, msg)
		if len(conns) == 0 {
			continue
		}

		written := b.now()
		b.metrics.AddDelivered(batch.priority, len(batch.items))
		for _, pe := range batch.items {
			b.metrics.ObserveDelivery(batch.priority, written.Sub(pe.enqueued))
		}
	}
}

// write sends msg to every connection and returns the ones still healthy.
// A failed connection is reported for teardown and skipped afterwards.
func (b *Broadcaster) write(userID string, conns []interfaces.ITransport, msg []byte) []interfaces.ITransport {
	healthy := conns[:0]
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.WriteTimeout)
		err := conn.Send(ctx, msg)
		cancel()
		if err != nil {
			b.metrics.IncDeliveryFailure()
			b.errorHandler.Handle(helpers.NewDeliveryFailure(userID, conn.ID(), err), "Write")
			b.source.ReportFailure(conn.ID(), err)
			continue
		}
		healthy = append(healthy, conn)
	}
	return healthy
}

func encodeBatch(batch tierBatch) ([]byte, error) {
	events := make([]models.MEvent, len(batch.items))
	for i, pe := range batch.items {
		events[i] = pe.event
	}
	return json.Marshal(models.MEventBatch{
		Type:     models.MessageEventBatch,
		Priority: batch.priority,
		Events:   events,
	})
}

// -----------------------------------------------------------------------------

// DiscardUser drops a user's queued events. Called when the last connection
// closes; nothing queued for that user is ever written. The rate window and
// dedupe ids stay until the timer workers retire the idle state.
func (b *Broadcaster) DiscardUser(userID string) int {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	us.mu.Lock()
	n := us.clear()
	us.mu.Unlock()
	if n > 0 {
		b.metrics.AddDiscarded(n)
		b.logger.Debug("Discarded %d pending events for %s", n, userID)
	}
	return n
}

// -----------------------------------------------------------------------------

// PendingByTier sums queued events per priority across users.
func (b *Broadcaster) PendingByTier() map[string]int {
	var total [models.NumPriorities]int
	for _, us := range b.snapshot() {
		us.mu.Lock()
		d := us.depth()
		us.mu.Unlock()
		for i, n := range d {
			total[i] += n
		}
	}
	out := make(map[string]int, models.NumPriorities)
	for p := models.PriorityLow; p <= models.PriorityCritical; p++ {
		out[p.String()] = total[p]
	}
	return out
}

// Pending returns the number of events queued for one user.
func (b *Broadcaster) Pending(userID string) int {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.pending
}

// Users returns the number of users with broadcaster state.
func (b *Broadcaster) Users() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users)
}
