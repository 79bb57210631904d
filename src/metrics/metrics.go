package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"signal-hub/src/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every instrument below.
const MeterName = "signal-hub/fanout"

// Metrics collects delivery counters and per-priority latency. Counters are
// plain atomics so the hot path never blocks; each update is mirrored to an
// OpenTelemetry instrument for export.
type Metrics struct {
	accepted         uint64
	rejected         uint64
	delivered        uint64
	batches          uint64
	deferred         uint64
	dropped          uint64
	duplicates       uint64
	discarded        uint64
	offline          uint64
	deliveryFailures uint64
	unknownTypes     uint64
	routeHits        uint64
	routeMisses      uint64

	latency [models.NumPriorities]LatencyStats

	inst instruments
}

type instruments struct {
	events          metric.Int64Counter
	deliveries      metric.Int64Counter
	batches         metric.Int64Counter
	losses          metric.Int64Counter
	routeLookups    metric.Int64Counter
	deliveryLatency metric.Float64Histogram
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// -----------------------------------------------------------------------------

// NewMetrics registers instruments against the global meter provider, which
// is a no-op until InitMetrics installs an exporter.
func NewMetrics() *Metrics {
	m := &Metrics{}
	meter := otel.Meter(MeterName)

	// Instrument creation only fails on invalid names; a nil instrument is skipped.
	m.inst.events, _ = meter.Int64Counter("fanout_events_total",
		metric.WithDescription("Events offered to the engine by outcome"))
	m.inst.deliveries, _ = meter.Int64Counter("fanout_deliveries_total",
		metric.WithDescription("Events written to client connections"))
	m.inst.batches, _ = meter.Int64Counter("fanout_batches_total",
		metric.WithDescription("Batch messages written to client connections"))
	m.inst.losses, _ = meter.Int64Counter("fanout_losses_total",
		metric.WithDescription("Events not delivered by reason"))
	m.inst.routeLookups, _ = meter.Int64Counter("fanout_route_cache_lookups_total",
		metric.WithDescription("Routing cache lookups by result"))
	m.inst.deliveryLatency, _ = meter.Float64Histogram("fanout_delivery_latency_seconds",
		metric.WithDescription("Time from ingress to socket write"),
		metric.WithUnit("s"))
	return m
}

// -----------------------------------------------------------------------------

func (m *Metrics) add(counter *uint64, inst metric.Int64Counter, n int, attrs ...attribute.KeyValue) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(counter, uint64(n))
	if inst != nil {
		inst.Add(context.Background(), int64(n), metric.WithAttributes(attrs...))
	}
}

func outcome(v string) attribute.KeyValue { return attribute.String("outcome", v) }
func reason(v string) attribute.KeyValue { return attribute.String("reason", v) }
func priority(p models.Priority) attribute.KeyValue {
	return attribute.String("priority", p.String())
}

// -----------------------------------------------------------------------------

func (m *Metrics) IncAccepted() {
	if m == nil {
		return
	}
	m.add(&m.accepted, m.inst.events, 1, outcome("accepted"))
}

// IncRejected records an event refused because the ingress queue was full.
func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.add(&m.rejected, m.inst.events, 1, outcome("rejected"))
}

func (m *Metrics) IncUnknownType() {
	if m == nil {
		return
	}
	m.add(&m.unknownTypes, m.inst.events, 1, outcome("unknown_type"))
}

// AddDelivered records n events of priority p written in one batch.
func (m *Metrics) AddDelivered(p models.Priority, n int) {
	if m == nil {
		return
	}
	m.add(&m.delivered, m.inst.deliveries, n, priority(p))
	m.add(&m.batches, m.inst.batches, 1, priority(p))
}

// IncDeferred records an event pushed to the next window by the rate limit.
func (m *Metrics) IncDeferred() {
	if m == nil {
		return
	}
	m.add(&m.deferred, m.inst.losses, 1, reason("deferred"))
}

// AddDropped records events evicted on buffer overflow.
func (m *Metrics) AddDropped(n int) {
	if m == nil {
		return
	}
	m.add(&m.dropped, m.inst.losses, n, reason("overflow"))
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.add(&m.duplicates, m.inst.losses, 1, reason("duplicate"))
}

// AddDiscarded records pending events thrown away when a user disconnected.
func (m *Metrics) AddDiscarded(n int) {
	if m == nil {
		return
	}
	m.add(&m.discarded, m.inst.losses, n, reason("disconnected"))
}

// IncOffline records an event routed to a user without a live connection.
func (m *Metrics) IncOffline() {
	if m == nil {
		return
	}
	m.add(&m.offline, m.inst.losses, 1, reason("offline"))
}

func (m *Metrics) IncDeliveryFailure() {
	if m == nil {
		return
	}
	m.add(&m.deliveryFailures, m.inst.losses, 1, reason("write_failure"))
}

// ObserveRouteCache records a routing cache lookup.
func (m *Metrics) ObserveRouteCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.add(&m.routeHits, m.inst.routeLookups, 1, attribute.String("result", "hit"))
		return
	}
	m.add(&m.routeMisses, m.inst.routeLookups, 1, attribute.String("result", "miss"))
}

// ObserveDelivery measures ingress-to-write latency for one event.
func (m *Metrics) ObserveDelivery(p models.Priority, d time.Duration) {
	if m == nil || p < models.PriorityLow || p > models.PriorityCritical {
		return
	}
	m.latency[p].Observe(d)
	if m.inst.deliveryLatency != nil {
		m.inst.deliveryLatency.Record(context.Background(), d.Seconds(), metric.WithAttributes(priority(p)))
	}
}

// -----------------------------------------------------------------------------

// RouteCacheHitRate returns hits/(hits+misses), or 0 before any lookup.
func (m *Metrics) RouteCacheHitRate() float64 {
	if m == nil {
		return 0
	}
	return HitRate(atomic.LoadUint64(&m.routeHits), atomic.LoadUint64(&m.routeMisses))
}

// Latency returns the aggregated latency of one priority tier.
func (m *Metrics) Latency(p models.Priority) LatencySnapshot {
	if m == nil || p < models.PriorityLow || p > models.PriorityCritical {
		return LatencySnapshot{}
	}
	return m.latency[p].Snapshot()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() models.MDeliveryCounters {
	if m == nil {
		return models.MDeliveryCounters{}
	}
	latency := make(map[string]models.MLatencyView, models.NumPriorities)
	for p := models.PriorityLow; p <= models.PriorityCritical; p++ {
		latency[p.String()] = m.latency[p].Snapshot().View()
	}
	return models.MDeliveryCounters{
		Accepted:         atomic.LoadUint64(&m.accepted),
		Rejected:         atomic.LoadUint64(&m.rejected),
		Delivered:        atomic.LoadUint64(&m.delivered),
		Batches:          atomic.LoadUint64(&m.batches),
		Deferred:         atomic.LoadUint64(&m.deferred),
		Dropped:          atomic.LoadUint64(&m.dropped),
		Duplicates:       atomic.LoadUint64(&m.duplicates),
		Discarded:        atomic.LoadUint64(&m.discarded),
		Offline:          atomic.LoadUint64(&m.offline),
		DeliveryFailures: atomic.LoadUint64(&m.deliveryFailures),
		UnknownTypes:     atomic.LoadUint64(&m.unknownTypes),
		Latency:          latency,
	}
}

// -----------------------------------------------------------------------------

// HitRate is hits/(hits+misses) with 0 for no lookups.
func HitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// -----------------------------------------------------------------------------
// Latency
// -----------------------------------------------------------------------------

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// View converts the snapshot to its millisecond JSON form.
func (s LatencySnapshot) View() models.MLatencyView {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return models.MLatencyView{
		Count: s.Count,
		AvgMs: ms(s.Avg),
		MinMs: ms(s.Min),
		MaxMs: ms(s.Max),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
