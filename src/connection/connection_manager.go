package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signal-hub/src/broadcast"
	"signal-hub/src/helpers"
	"signal-hub/src/index"
	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"
	"signal-hub/src/routing"

	"github.com/google/uuid"
)

// Options tunes connection lifecycle and the ingress pipeline.
// Zero values take defaults.
type Options struct {
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	SweepInterval    time.Duration
	IngressQueueSize int
	RouterWorkers    int
	SingleSession    bool
}

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultGracePeriod      = 60 * time.Second
	defaultSweepInterval    = time.Second
	defaultIngressQueueSize = 4096
	defaultRouterWorkers    = 4
)

func (o *Options) applyDefaults() {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.IngressQueueSize <= 0 {
		o.IngressQueueSize = defaultIngressQueueSize
	}
	if o.RouterWorkers <= 0 {
		o.RouterWorkers = defaultRouterWorkers
	}
}

// OptionsFromConfig maps the fanout config section.
func OptionsFromConfig(f *models.MFanoutConfig) Options {
	return Options{
		HeartbeatTimeout: time.Duration(f.HeartbeatTimeoutSeconds) * time.Second,
		GracePeriod:      time.Duration(f.GracePeriodSeconds) * time.Second,
		IngressQueueSize: f.IngressQueueSize,
		RouterWorkers:    f.RouterWorkers,
		SingleSession:    f.SingleSession,
	}
}

// -----------------------------------------------------------------------------

type connection struct {
	id          string
	userID      string
	transport   interfaces.ITransport
	connectedAt time.Time
	heartbeat   atomic.Int64 // unix nanos
}

type persistOp struct {
	save   *models.MSubscription
	subID  string
	userID string
}

// -----------------------------------------------------------------------------

// ConnectionManager owns connections and subscriptions and runs the ingress
// pipeline: Broadcast queues an event, router workers route it and hand the
// result to the broadcaster.
//
// A user whose last connection closes keeps its subscriptions for the grace
// period. Reconnecting within it restores delivery; otherwise the sweeper
// removes the subscriptions from the index and the store.
type ConnectionManager struct {
	opts Options

	mu      sync.RWMutex
	conns   map[string]*connection
	byUser  map[string][]*connection
	grace   map[string]time.Time // user -> expiry
	connGen atomic.Uint64

	index       *index.SubscriptionIndex
	router      *routing.EventRouter
	broadcaster *broadcast.Broadcaster
	store       interfaces.ISubscriptionStore

	ingress chan models.MEvent

	// Store writes are applied in the order they were queued.
	persistMu    sync.Mutex
	persistQ     []persistOp
	persistWake  chan struct{}
	persistApply sync.Mutex

	metrics      *metrics.Metrics
	sampler      *helpers.ProcessSampler
	errorHandler *helpers.ErrorHandler
	logger       *logger.Logger
	now          func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// -----------------------------------------------------------------------------

// NewConnectionManager wires the manager as the router's audience and the
// broadcaster's connection source. store may be nil to disable persistence.
func NewConnectionManager(
	log *logger.Logger,
	idx *index.SubscriptionIndex,
	router *routing.EventRouter,
	bc *broadcast.Broadcaster,
	store interfaces.ISubscriptionStore,
	m *metrics.Metrics,
	opts Options,
) *ConnectionManager {
	opts.applyDefaults()
	if log == nil {
		log = logger.NewLogger(nil, "ConnectionManager")
	}

	cm := &ConnectionManager{
		opts:         opts,
		conns:        make(map[string]*connection),
		byUser:       make(map[string][]*connection),
		grace:        make(map[string]time.Time),
		index:        idx,
		router:       router,
		broadcaster:  bc,
		store:        store,
		ingress:      make(chan models.MEvent, opts.IngressQueueSize),
		persistWake:  make(chan struct{}, 1),
		metrics:      m,
		sampler:      helpers.NewProcessSampler(),
		errorHandler: helpers.NewErrorHandler(log),
		logger:       log,
		now:          time.Now,
	}

	router.BindAudience(cm)
	bc.BindSource(cm)
	return cm
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start restores persisted subscriptions and launches the router workers,
// the persistence worker and the heartbeat sweeper.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	if !cm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("connection manager is already running")
	}

	if _, err := cm.Restore(); err != nil {
		cm.running.Store(false)
		return err
	}

	ctx, cm.cancel = context.WithCancel(ctx)

	for i := 0; i < cm.opts.RouterWorkers; i++ {
		cm.wg.Add(1)
		go cm.routeWorker(ctx)
	}
	cm.wg.Add(2)
	go cm.persistWorker(ctx)
	go cm.sweeper(ctx)

	cm.logger.Info("ConnectionManager started: router_workers=%d heartbeat=%v grace=%v single_session=%v",
		cm.opts.RouterWorkers, cm.opts.HeartbeatTimeout, cm.opts.GracePeriod, cm.opts.SingleSession)
	return nil
}

// Stop halts the workers, flushes queued persistence and closes every
// connection.
func (cm *ConnectionManager) Stop() {
	if !cm.running.CompareAndSwap(true, false) {
		return
	}
	cm.cancel()
	cm.wg.Wait()

	cm.flushPersist()

	cm.mu.Lock()
	conns := make([]*connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.mu.Unlock()
	for _, c := range conns {
		c.transport.Close()
	}
	cm.logger.Info("ConnectionManager stopped (%d connections closed)", len(conns))
}

// -----------------------------------------------------------------------------

// Restore loads persisted subscriptions into the index. Their users start in
// the grace state and must reconnect before it expires.
func (cm *ConnectionManager) Restore() (int, error) {
	if cm.store == nil {
		return 0, nil
	}
	subs, err := cm.store.LoadSubscriptions()
	if err != nil {
		return 0, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	restored := 0
	expiry := cm.now().Add(cm.opts.GracePeriod)
	for _, sub := range subs {
		if err := cm.index.AddSubscription(sub); err != nil {
			cm.logger.Warning("Skipping stored subscription %s: %v", sub.ID, err)
			continue
		}
		restored++

		cm.mu.Lock()
		if len(cm.byUser[sub.UserID]) == 0 {
			cm.grace[sub.UserID] = expiry
		}
		cm.mu.Unlock()
	}
	if restored > 0 {
		cm.logger.Info("Restored %d subscriptions from storage", restored)
	}
	return restored, nil
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

func (cm *ConnectionManager) RegisterConnection(userID string, transport interfaces.ITransport) (string, error) {
	if userID == "" {
		return "", errors.New("user_id is required")
	}
	if transport == nil || transport.ID() == "" {
		return "", errors.New("transport must have an id")
	}

	now := cm.now()
	conn := &connection{
		id:          transport.ID(),
		userID:      userID,
		transport:   transport,
		connectedAt: now,
	}
	conn.heartbeat.Store(now.UnixNano())

	var replaced []*connection

	cm.mu.Lock()
	if _, exists := cm.conns[conn.id]; exists {
		cm.mu.Unlock()
		return "", fmt.Errorf("connection %s already registered", conn.id)
	}
	if cm.opts.SingleSession {
		replaced = cm.byUser[userID]
		for _, old := range replaced {
			delete(cm.conns, old.id)
		}
		delete(cm.byUser, userID)
	}
	cm.conns[conn.id] = conn
	cm.byUser[userID] = append(cm.byUser[userID], conn)
	_, restored := cm.grace[userID]
	delete(cm.grace, userID)
	cm.connGen.Add(1)
	cm.mu.Unlock()

	for _, old := range replaced {
		old.transport.Close()
		cm.logger.Debug("Closed connection %s of %s (single session)", old.id, userID)
	}
	if restored {
		cm.logger.Info("User %s reconnected within grace period", userID)
	}
	cm.logger.Debug("Registered connection %s for %s", conn.id, userID)
	return conn.id, nil
}

// -----------------------------------------------------------------------------

// OnDisconnect removes a connection. When it was the user's last one,
// buffered events are discarded and the grace period starts.
func (cm *ConnectionManager) OnDisconnect(connID string) {
	cm.drop(connID, "disconnected")
}

func (cm *ConnectionManager) drop(connID, reason string) {
	cm.mu.Lock()
	conn, ok := cm.conns[connID]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.conns, connID)

	remaining := cm.byUser[conn.userID][:0]
	for _, c := range cm.byUser[conn.userID] {
		if c.id != connID {
			remaining = append(remaining, c)
		}
	}
	last := len(remaining) == 0
	if last {
		delete(cm.byUser, conn.userID)
		cm.grace[conn.userID] = cm.now().Add(cm.opts.GracePeriod)
	} else {
		cm.byUser[conn.userID] = remaining
	}
	cm.connGen.Add(1)
	cm.mu.Unlock()

	conn.transport.Close()

	if last {
		discarded := cm.broadcaster.DiscardUser(conn.userID)
		cm.logger.Debug("Connection %s of %s %s, last one: %d buffered events discarded, grace %v",
			connID, conn.userID, reason, discarded, cm.opts.GracePeriod)
		return
	}
	cm.logger.Debug("Connection %s of %s %s", connID, conn.userID, reason)
}

// -----------------------------------------------------------------------------

func (cm *ConnectionManager) Touch(connID string) {
	cm.mu.RLock()
	conn, ok := cm.conns[connID]
	cm.mu.RUnlock()
	if ok {
		conn.heartbeat.Store(cm.now().UnixNano())
	}
}

// -----------------------------------------------------------------------------

// Connections returns a copy of the user's live transports.
func (cm *ConnectionManager) Connections(userID string) []interfaces.ITransport {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := cm.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]interfaces.ITransport, len(conns))
	for i, c := range conns {
		out[i] = c.transport
	}
	return out
}

// ReportFailure tears down a connection whose write failed.
func (cm *ConnectionManager) ReportFailure(connID string, err error) {
	cm.mu.RLock()
	conn, ok := cm.conns[connID]
	cm.mu.RUnlock()
	if !ok {
		return
	}
	cm.errorHandler.Handle(helpers.NewDeliveryFailure(conn.userID, connID, err), "ReportFailure")
	cm.drop(connID, "failed")
}

// ConnectedUsers returns the users holding at least one connection, sorted.
func (cm *ConnectionManager) ConnectedUsers() []string {
	cm.mu.RLock()
	users := make([]string, 0, len(cm.byUser))
	for u := range cm.byUser {
		users = append(users, u)
	}
	cm.mu.RUnlock()
	sort.Strings(users)
	return users
}

// ConnectionGeneration changes whenever a connection is added or removed.
func (cm *ConnectionManager) ConnectionGeneration() uint64 {
	return cm.connGen.Load()
}

// InGrace reports whether the user is disconnected but still subscribed.
func (cm *ConnectionManager) InGrace(userID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.grace[userID]
	return ok
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

func (cm *ConnectionManager) Subscribe(userID string, criteria models.MCriteria) (string, error) {
	if userID == "" {
		return "", helpers.NewInvalidCriteria(errors.New("user_id is required"))
	}
	criteria.Normalize()
	if err := criteria.Validate(); err != nil {
		return "", helpers.NewInvalidCriteria(err)
	}

	now := cm.now()
	sub := models.MSubscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Criteria:  criteria,
		CreatedAt: now,
	}

	// Held across the index write so a concurrent Sweep cannot remove the
	// subscription of a user it just saw expire.
	cm.mu.Lock()
	if err := cm.index.AddSubscription(sub); err != nil {
		cm.mu.Unlock()
		return "", err
	}
	// Subscribing without a live connection opens or renews the grace window
	if len(cm.byUser[userID]) == 0 {
		cm.grace[userID] = now.Add(cm.opts.GracePeriod)
	}
	cm.queuePersist(persistOp{save: &sub})
	cm.mu.Unlock()

	cm.logger.Debug("User %s subscribed %s to %s", userID, sub.ID, criteria.EventType)
	return sub.ID, nil
}

func (cm *ConnectionManager) Unsubscribe(subID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.index.RemoveSubscription(subID) {
		return false
	}
	cm.queuePersist(persistOp{subID: subID})
	return true
}

// Subscriptions lists a user's live subscriptions.
func (cm *ConnectionManager) Subscriptions(userID string) []models.MSubscription {
	return cm.index.Subscriptions(userID)
}

// -----------------------------------------------------------------------------
// Ingress
// -----------------------------------------------------------------------------

// Broadcast assigns an id and timestamp when missing and queues the event.
// It never blocks: a full queue rejects the event.
func (cm *ConnectionManager) Broadcast(event models.MEvent) bool {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = cm.now()
	}

	select {
	case cm.ingress <- event:
		cm.metrics.IncAccepted()
		return true
	default:
		cm.metrics.IncRejected()
		cm.errorHandler.Handle(fmt.Errorf("event %s: %w", event.ID, helpers.ErrQueueFull), "Broadcast")
		return false
	}
}

func (cm *ConnectionManager) routeWorker(ctx context.Context) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-cm.ingress:
			cm.broadcaster.Dispatch(cm.router.Route(&event))
		}
	}
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// queuePersist appends a write to the persistence queue. The worker applies
// it; before Start and after Stop it is applied inline.
func (cm *ConnectionManager) queuePersist(op persistOp) {
	if cm.store == nil {
		return
	}
	cm.persistMu.Lock()
	cm.persistQ = append(cm.persistQ, op)
	cm.persistMu.Unlock()

	if !cm.running.Load() {
		cm.flushPersist()
		return
	}
	select {
	case cm.persistWake <- struct{}{}:
	default:
	}
}

func (cm *ConnectionManager) persistWorker(ctx context.Context) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.persistWake:
			cm.flushPersist()
		}
	}
}

// flushPersist applies queued writes in order. Only one caller applies at a
// time, so a later write never lands before an earlier one.
func (cm *ConnectionManager) flushPersist() {
	cm.persistApply.Lock()
	defer cm.persistApply.Unlock()
	for {
		cm.persistMu.Lock()
		ops := cm.persistQ
		cm.persistQ = nil
		cm.persistMu.Unlock()
		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			cm.applyPersist(op)
		}
	}
}

// PendingWrites returns the number of store writes not yet applied.
func (cm *ConnectionManager) PendingWrites() int {
	cm.persistMu.Lock()
	defer cm.persistMu.Unlock()
	return len(cm.persistQ)
}

func (cm *ConnectionManager) applyPersist(op persistOp) {
	var err error
	switch {
	case op.save != nil:
		err = cm.store.SaveSubscription(*op.save)
	case op.subID != "":
		err = cm.store.DeleteSubscription(op.subID)
	case op.userID != "":
		err = cm.store.DeleteUserSubscriptions(op.userID)
	}
	if err != nil {
		cm.errorHandler.Handle(err, "SubscriptionStore")
	}
}

// -----------------------------------------------------------------------------
// Sweeper
// -----------------------------------------------------------------------------

func (cm *ConnectionManager) sweeper(ctx context.Context) {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Sweep()
		}
	}
}

// Sweep disconnects silent connections and removes the subscriptions of users
// whose grace period has expired. Returns both counts.
func (cm *ConnectionManager) Sweep() (timedOut, expired int) {
	now := cm.now()
	deadline := now.Add(-cm.opts.HeartbeatTimeout).UnixNano()

	var stale []string
	cm.mu.RLock()
	for id, c := range cm.conns {
		if c.heartbeat.Load() < deadline {
			stale = append(stale, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range stale {
		cm.drop(id, "timed out")
	}

	// Removal happens under the lock that Subscribe and RegisterConnection
	// take, so neither can slip in between the expiry check and the delete.
	var users []string
	removed := make(map[string]int)
	cm.mu.Lock()
	for user, expiry := range cm.grace {
		if !now.Before(expiry) && len(cm.byUser[user]) == 0 {
			delete(cm.grace, user)
			users = append(users, user)
			removed[user] = len(cm.index.RemoveUser(user))
			cm.queuePersist(persistOp{userID: user})
		}
	}
	cm.mu.Unlock()

	for _, user := range users {
		cm.logger.Info("Grace period expired for %s: %d subscriptions removed", user, removed[user])
	}
	return len(stale), len(users)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (cm *ConnectionManager) HealthSnapshot() models.MHealthSnapshot {
	cm.mu.RLock()
	conns, users, grace := len(cm.conns), len(cm.byUser), len(cm.grace)
	cm.mu.RUnlock()

	stats := cm.index.Stats()
	return models.MHealthSnapshot{
		Connections:   conns,
		Users:         users,
		GraceUsers:    grace,
		Subscriptions: stats.Subscriptions,
		IndexSize:     stats.Buckets,
		QueueDepths: models.MQueueDepths{
			Ingress: len(cm.ingress),
			Pending: cm.broadcaster.PendingByTier(),
		},
		CacheHitRate:      cm.router.CacheHitRate(),
		IndexCacheHitRate: stats.CacheHitRate,
		Delivery:          cm.metrics.Snapshot(),
		Process:           cm.sampler.Sample(),
	}
}

var _ interfaces.IEventHub = (*ConnectionManager)(nil)
var _ broadcast.ConnectionSource = (*ConnectionManager)(nil)
var _ routing.Audience = (*ConnectionManager)(nil)
