package routing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"signal-hub/src/helpers"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache modes. Generation mode drops a cached decision as soon as its stamp
// no longer matches; TTL mode serves it until it expires.
const (
	CacheModeGeneration = "generation"
	CacheModeTTL        = "ttl"
)

// Options configures the decision cache. Zero values take defaults.
type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	CacheMode string
}

const (
	defaultCacheTTL  = 300 * time.Second
	defaultCacheSize = 4096
)

// Rule binds an event type to a strategy and optional enrichment.
type Rule struct {
	Strategy Strategy
	Enrich   EnrichFunc
}

// Result is the outcome of routing one event. Decision.TargetUserIDs is
// shared with the cache and must not be modified.
type Result struct {
	Decision models.MRoutingDecision
	Event    models.MEvent
	CacheHit bool
}

// -----------------------------------------------------------------------------

// EventRouter picks targets for events through per-type strategies and
// caches the decisions.
type EventRouter struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Strategy
	audience Audience

	warned sync.Map // event types already reported as unknown

	cache *expirable.LRU[string, models.MRoutingDecision]
	mode  string
	ttl   time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// -----------------------------------------------------------------------------

// NewEventRouter creates a router whose fallback is ContentBased over matcher.
func NewEventRouter(log *logger.Logger, matcher Matcher, m *metrics.Metrics, opts Options) *EventRouter {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheMode != CacheModeTTL {
		opts.CacheMode = CacheModeGeneration
	}
	if log == nil {
		log = logger.NewLogger(nil, "EventRouter")
	}
	return &EventRouter{
		rules:    make(map[string]Rule),
		fallback: NewContentBased(matcher),
		cache:    expirable.NewLRU[string, models.MRoutingDecision](opts.CacheSize, nil, opts.CacheTTL),
		mode:     opts.CacheMode,
		ttl:      opts.CacheTTL,
		metrics:  m,
		logger:   log,
		now:      time.Now,
	}
}

// -----------------------------------------------------------------------------

// BindAudience sets the connected-user source used by BroadcastAll.
func (r *EventRouter) BindAudience(a Audience) {
	r.mu.Lock()
	r.audience = a
	r.mu.Unlock()
}

// Audience returns a view that resolves the bound audience on every call, so
// strategies can be built before the connection manager exists.
func (r *EventRouter) Audience() Audience {
	return boundAudience{r: r}
}

type boundAudience struct{ r *EventRouter }

func (b boundAudience) get() Audience {
	b.r.mu.RLock()
	defer b.r.mu.RUnlock()
	return b.r.audience
}

func (b boundAudience) ConnectedUsers() []string {
	if a := b.get(); a != nil {
		return a.ConnectedUsers()
	}
	return nil
}

func (b boundAudience) ConnectionGeneration() uint64 {
	if a := b.get(); a != nil {
		return a.ConnectionGeneration()
	}
	return 0
}

// -----------------------------------------------------------------------------

// RegisterRoutingRule binds eventType to a strategy. A nil strategy means
// ContentBased. Replacing a rule drops decisions cached under it.
func (r *EventRouter) RegisterRoutingRule(eventType string, strategy Strategy, enrich EnrichFunc) {
	if strategy == nil {
		strategy = r.fallback
	}
	r.mu.Lock()
	r.rules[eventType] = Rule{Strategy: strategy, Enrich: enrich}
	r.mu.Unlock()
	r.cache.Purge()
	r.warned.Delete(eventType)
	r.logger.Info("Routing rule registered: %s -> %s", eventType, strategy.Name())
}

// Rules returns the strategy name per registered event type.
func (r *EventRouter) Rules() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.rules))
	for t, rule := range r.rules {
		out[t] = rule.Strategy.Name()
	}
	return out
}

func (r *EventRouter) rule(eventType string) (Rule, bool) {
	r.mu.RLock()
	rule, ok := r.rules[eventType]
	r.mu.RUnlock()
	if ok {
		return rule, true
	}
	return Rule{Strategy: r.fallback}, false
}

// -----------------------------------------------------------------------------

// Route resolves the targets of e and returns them with an enriched copy of
// the event. Unknown types fall back to ContentBased without enrichment.
func (r *EventRouter) Route(e *models.MEvent) Result {
	rule, known := r.rule(e.Type)
	if !known {
		r.metrics.IncUnknownType()
		if _, seen := r.warned.LoadOrStore(e.Type, struct{}{}); !seen {
			r.logger.Warning("%v, falling back to %s", helpers.NewUnknownEventType(e.Type), StrategyContentBased)
		}
	}

	strategy := rule.Strategy
	// The stamp is read before targets so a racing mutation can only make
	// the stored decision look older than it is.
	key, gen := strategy.Stamp(e)
	cacheKey := strategy.Name() + "|" + key
	now := r.now()

	decision, hit := r.lookup(cacheKey, gen)
	if !hit {
		targets := strategy.Targets(e)
		if !sort.StringsAreSorted(targets) {
			sort.Strings(targets)
		}
		decision = models.MRoutingDecision{
			Fingerprint:   key,
			TargetUserIDs: targets,
			Strategy:      strategy.Name(),
			Generation:    gen,
			ValidUntil:    now.Add(r.ttl),
		}
		r.cache.Add(cacheKey, decision)
	}
	r.metrics.ObserveRouteCache(hit)

	// Priority is not part of the fingerprint, so bypass is decided per event.
	decision.BypassBatching = strategy.Bypass(e)

	event := e.Clone()
	if rule.Enrich != nil {
		rule.Enrich(&event)
	}
	return Result{Decision: decision, Event: event, CacheHit: hit}
}

func (r *EventRouter) lookup(cacheKey string, gen uint64) (models.MRoutingDecision, bool) {
	d, ok := r.cache.Get(cacheKey)
	if !ok {
		r.misses.Add(1)
		return d, false
	}
	if r.mode == CacheModeGeneration && d.Generation != gen {
		r.misses.Add(1)
		return d, false
	}
	r.hits.Add(1)
	return d, true
}

// -----------------------------------------------------------------------------

// CacheHitRate returns the decision cache hit ratio since start.
func (r *EventRouter) CacheHitRate() float64 {
	return metrics.HitRate(r.hits.Load(), r.misses.Load())
}

// CacheLen returns the number of cached decisions.
func (r *EventRouter) CacheLen() int {
	return r.cache.Len()
}

// Mode returns the active cache mode.
func (r *EventRouter) Mode() string {
	return r.mode
}
