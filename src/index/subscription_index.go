package index

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"signal-hub/src/helpers"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"
)

// Options tunes the lookup result cache. Zero values take defaults.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 2 * time.Second
)

var errMissingIdentity = errors.New("subscription id and user id are required")

// Stats is a point-in-time view of the index.
type Stats struct {
	Subscriptions int     `json:"subscriptions"`
	Users         int     `json:"users"`
	EventTypes    int     `json:"event_types"`
	Buckets       int     `json:"buckets"`
	CacheHits     uint64  `json:"cache_hits"`
	CacheMisses   uint64  `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// -----------------------------------------------------------------------------

// SubscriptionIndex maps event attributes to the users whose criteria match.
// Subscriptions are partitioned by event type; inside a type each attribute
// dimension keeps one bucket per value plus a wildcard bucket for criteria
// that leave the dimension empty.
//
// Every bucket carries a generation drawn from one monotonic clock, so an
// unchanged generation means unchanged content. Lookups run under the read
// lock and never observe a half-applied mutation.
type SubscriptionIndex struct {
	mu     sync.RWMutex
	subs   map[string]*entry              // by subscription id
	byUser map[string]map[string]struct{} // user -> subscription ids
	types  map[string]*typeIndex
	clock  uint64

	cache       *resultCache
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	logger *logger.Logger
}

type entry struct {
	sub models.MSubscription
}

type typeIndex struct {
	gen   uint64
	count int

	symbols  dimension
	tiers    dimension
	patterns dimension

	// distinct min_confidence values with reference counts
	thresholds map[float64]int
	sorted     []float64
}

type dimension struct {
	values   map[string]*bucket
	wildcard bucket
}

type bucket struct {
	subs map[string]struct{}
	gen  uint64
}

// -----------------------------------------------------------------------------

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex(log *logger.Logger, opts Options) *SubscriptionIndex {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if log == nil {
		log = logger.NewLogger(nil, "SubscriptionIndex")
	}
	return &SubscriptionIndex{
		subs:   make(map[string]*entry),
		byUser: make(map[string]map[string]struct{}),
		types:  make(map[string]*typeIndex),
		cache:  newResultCache(opts.CacheSize, opts.CacheTTL),
		logger: log,
	}
}

// -----------------------------------------------------------------------------

// AddSubscription indexes sub. Re-adding an existing id replaces its criteria.
func (x *SubscriptionIndex) AddSubscription(sub models.MSubscription) error {
	sub.Criteria.Normalize()
	if err := sub.Criteria.Validate(); err != nil {
		return helpers.NewInvalidCriteria(err)
	}
	if sub.ID == "" || sub.UserID == "" {
		return helpers.NewInvalidCriteria(errMissingIdentity)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.subs[sub.ID]; exists {
		x.removeLocked(sub.ID)
	}
	x.insertLocked(sub)
	return nil
}

// -----------------------------------------------------------------------------

// RemoveSubscription drops a subscription. Returns false if it was absent.
func (x *SubscriptionIndex) RemoveSubscription(subID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(subID) != nil
}

// -----------------------------------------------------------------------------

// RemoveUser drops every subscription of a user and returns their ids.
func (x *SubscriptionIndex) RemoveUser(userID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]string, 0, len(x.byUser[userID]))
	for id := range x.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		x.removeLocked(id)
	}
	return ids
}

// -----------------------------------------------------------------------------

// FindInterestedUsers returns the sorted, deduplicated users whose criteria
// match e. Callers own the returned slice.
func (x *SubscriptionIndex) FindInterestedUsers(e *models.MEvent) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ti := x.types[e.Type]
	if ti == nil || ti.count == 0 {
		return nil
	}

	key := ti.fingerprint(e)
	stamp := ti.stamp(e)
	if users, ok := x.cache.get(key, stamp); ok {
		x.cacheHits.Add(1)
		return append([]string(nil), users...)
	}
	x.cacheMisses.Add(1)

	users := ti.match(x.subs, e)
	x.cache.put(key, stamp, users)
	return append([]string(nil), users...)
}

// -----------------------------------------------------------------------------

// Stamp returns the cache fingerprint of e and the generation of its event
// type. Read it before resolving targets: a decision stamped with an older
// generation is only ever discarded, never served stale.
func (x *SubscriptionIndex) Stamp(e *models.MEvent) (fingerprint string, generation uint64) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ti := x.types[e.Type]
	if ti == nil {
		return e.AttributeKey() + "|-", 0
	}
	return ti.fingerprint(e), ti.gen
}

// Generation returns the generation of e's event type partition.
func (x *SubscriptionIndex) Generation(e *models.MEvent) uint64 {
	_, gen := x.Stamp(e)
	return gen
}

// -----------------------------------------------------------------------------

// RebuildIndex reconstructs every partition from the subscription table.
// Lookups before and after return the same users.
func (x *SubscriptionIndex) RebuildIndex() {
	start := time.Now()

	x.mu.Lock()
	subs := make([]models.MSubscription, 0, len(x.subs))
	for _, e := range x.subs {
		subs = append(subs, e.sub)
	}
	x.subs = make(map[string]*entry, len(subs))
	x.byUser = make(map[string]map[string]struct{})
	x.types = make(map[string]*typeIndex)
	for _, sub := range subs {
		x.insertLocked(sub)
	}
	x.cache.purge()
	x.mu.Unlock()

	x.logger.Info("Rebuilt index with %d subscriptions in %v", len(subs), time.Since(start))
}

// -----------------------------------------------------------------------------

// Get returns one subscription by id.
func (x *SubscriptionIndex) Get(subID string) (models.MSubscription, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.subs[subID]
	if !ok {
		return models.MSubscription{}, false
	}
	return e.sub, true
}

// Subscriptions returns a user's subscriptions ordered by creation time.
func (x *SubscriptionIndex) Subscriptions(userID string) []models.MSubscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]models.MSubscription, 0, len(x.byUser[userID]))
	for id := range x.byUser[userID] {
		out = append(out, x.subs[id].sub)
	}
	sortSubscriptions(out)
	return out
}

// HasUser reports whether the user holds at least one subscription.
func (x *SubscriptionIndex) HasUser(userID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byUser[userID]) > 0
}

// Len returns the number of subscriptions.
func (x *SubscriptionIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.subs)
}

// Stats reports sizes and cache effectiveness.
func (x *SubscriptionIndex) Stats() Stats {
	x.mu.RLock()
	s := Stats{
		Subscriptions: len(x.subs),
		Users:         len(x.byUser),
		EventTypes:    len(x.types),
	}
	for _, ti := range x.types {
		s.Buckets += ti.bucketCount()
	}
	x.mu.RUnlock()

	s.CacheHits = x.cacheHits.Load()
	s.CacheMisses = x.cacheMisses.Load()
	s.CacheHitRate = metrics.HitRate(s.CacheHits, s.CacheMisses)
	return s
}

// -----------------------------------------------------------------------------
// Mutation (caller holds the write lock)
// -----------------------------------------------------------------------------

func (x *SubscriptionIndex) tick() uint64 {
	x.clock++
	return x.clock
}

func (x *SubscriptionIndex) insertLocked(sub models.MSubscription) {
	x.subs[sub.ID] = &entry{sub: sub}
	ids := x.byUser[sub.UserID]
	if ids == nil {
		ids = make(map[string]struct{})
		x.byUser[sub.UserID] = ids
	}
	ids[sub.ID] = struct{}{}

	ti := x.types[sub.Criteria.EventType]
	if ti == nil {
		ti = newTypeIndex()
		x.types[sub.Criteria.EventType] = ti
	}
	gen := x.tick()
	ti.gen = gen
	ti.count++
	ti.symbols.add(sub.ID, sub.Criteria.Symbols, gen)
	ti.tiers.add(sub.ID, sub.Criteria.Tiers, gen)
	ti.patterns.add(sub.ID, sub.Criteria.PatternTypes, gen)
	ti.addThreshold(sub.Criteria.MinConfidence)
}

func (x *SubscriptionIndex) removeLocked(subID string) *entry {
	e, ok := x.subs[subID]
	if !ok {
		return nil
	}
	delete(x.subs, subID)
	sub := e.sub
	if ids := x.byUser[sub.UserID]; ids != nil {
		delete(ids, subID)
		if len(ids) == 0 {
			delete(x.byUser, sub.UserID)
		}
	}

	// Empty partitions stay so their generation keeps increasing.
	if ti := x.types[sub.Criteria.EventType]; ti != nil {
		gen := x.tick()
		ti.gen = gen
		ti.count--
		ti.symbols.remove(subID, sub.Criteria.Symbols, gen)
		ti.tiers.remove(subID, sub.Criteria.Tiers, gen)
		ti.patterns.remove(subID, sub.Criteria.PatternTypes, gen)
		ti.removeThreshold(sub.Criteria.MinConfidence)
	}
	return e
}

// -----------------------------------------------------------------------------
// Type partition
// -----------------------------------------------------------------------------

func newTypeIndex() *typeIndex {
	return &typeIndex{
		symbols:    newDimension(),
		tiers:      newDimension(),
		patterns:   newDimension(),
		thresholds: make(map[float64]int),
	}
}

func (ti *typeIndex) addThreshold(v float64) {
	ti.thresholds[v]++
	if ti.thresholds[v] == 1 {
		ti.resort()
	}
}

func (ti *typeIndex) removeThreshold(v float64) {
	ti.thresholds[v]--
	if ti.thresholds[v] <= 0 {
		delete(ti.thresholds, v)
		ti.resort()
	}
}

func (ti *typeIndex) resort() {
	ti.sorted = ti.sorted[:0]
	for v := range ti.thresholds {
		ti.sorted = append(ti.sorted, v)
	}
	sort.Float64s(ti.sorted)
}

// confidenceFloor is the largest registered threshold not above c. Events
// sharing a floor satisfy exactly the same thresholds. NaN satisfies none.
func (ti *typeIndex) confidenceFloor(c float64) string {
	if math.IsNaN(c) {
		return "nan"
	}
	i := sort.Search(len(ti.sorted), func(i int) bool { return ti.sorted[i] > c })
	if i == 0 {
		return "-"
	}
	return strconv.FormatFloat(ti.sorted[i-1], 'g', -1, 64)
}

func (ti *typeIndex) fingerprint(e *models.MEvent) string {
	return e.AttributeKey() + "|" + ti.confidenceFloor(e.Confidence)
}

// stamp collects the generations of every bucket a lookup for e reads.
func (ti *typeIndex) stamp(e *models.MEvent) generationStamp {
	return generationStamp{
		ti.symbols.valueGen(e.Symbol), ti.symbols.wildcard.gen,
		ti.tiers.valueGen(e.Tier), ti.tiers.wildcard.gen,
		ti.patterns.valueGen(e.PatternType), ti.patterns.wildcard.gen,
	}
}

// match starts from the smallest dimension candidate set and verifies the rest.
func (ti *typeIndex) match(subs map[string]*entry, e *models.MEvent) []string {
	dims := [3]struct {
		d     *dimension
		value string
	}{
		{&ti.symbols, e.Symbol},
		{&ti.tiers, e.Tier},
		{&ti.patterns, e.PatternType},
	}
	smallest := 0
	for i := 1; i < len(dims); i++ {
		if dims[i].d.candidates(dims[i].value) < dims[smallest].d.candidates(dims[smallest].value) {
			smallest = i
		}
	}

	seen := make(map[string]struct{})
	var users []string
	visit := func(b *bucket) {
		if b == nil {
			return
		}
		for id := range b.subs {
			ok := true
			for i := range dims {
				if i != smallest && !dims[i].d.contains(dims[i].value, id) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			sub := subs[id].sub
			if !(e.Confidence >= sub.Criteria.MinConfidence) {
				continue
			}
			if _, dup := seen[sub.UserID]; dup {
				continue
			}
			seen[sub.UserID] = struct{}{}
			users = append(users, sub.UserID)
		}
	}
	first := dims[smallest]
	visit(first.d.values[first.value])
	visit(&first.d.wildcard)

	sort.Strings(users)
	return users
}

func (ti *typeIndex) bucketCount() int {
	return len(ti.symbols.values) + len(ti.tiers.values) + len(ti.patterns.values) + 3
}

// -----------------------------------------------------------------------------
// Dimension
// -----------------------------------------------------------------------------

func newDimension() dimension {
	return dimension{
		values:   make(map[string]*bucket),
		wildcard: bucket{subs: make(map[string]struct{})},
	}
}

func (d *dimension) add(subID string, values []string, gen uint64) {
	if len(values) == 0 {
		d.wildcard.subs[subID] = struct{}{}
		d.wildcard.gen = gen
		return
	}
	for _, v := range values {
		b := d.values[v]
		if b == nil {
			b = &bucket{subs: make(map[string]struct{})}
			d.values[v] = b
		}
		b.subs[subID] = struct{}{}
		b.gen = gen
	}
}

func (d *dimension) remove(subID string, values []string, gen uint64) {
	if len(values) == 0 {
		delete(d.wildcard.subs, subID)
		d.wildcard.gen = gen
		return
	}
	// A missing bucket reads as generation 0, which equals "empty".
	for _, v := range values {
		b := d.values[v]
		if b == nil {
			continue
		}
		delete(b.subs, subID)
		b.gen = gen
		if len(b.subs) == 0 {
			delete(d.values, v)
		}
	}
}

func (d *dimension) valueGen(v string) uint64 {
	if b := d.values[v]; b != nil {
		return b.gen
	}
	return 0
}

func (d *dimension) candidates(v string) int {
	n := len(d.wildcard.subs)
	if b := d.values[v]; b != nil {
		n += len(b.subs)
	}
	return n
}

func (d *dimension) contains(v, subID string) bool {
	if _, ok := d.wildcard.subs[subID]; ok {
		return true
	}
	if b := d.values[v]; b != nil {
		_, ok := b.subs[subID]
		return ok
	}
	return false
}

// -----------------------------------------------------------------------------

func sortSubscriptions(subs []models.MSubscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
