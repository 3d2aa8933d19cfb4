// Package eventbus implements the topic-pattern pub/sub spine (C13) every
// other component publishes onto and some subscribe to.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is one message on the bus.
type Event struct {
	Source    string
	Kind      string // dotted topic, e.g. "grid.task.completed"
	Payload   []byte
	Timestamp time.Time
}

const defaultSubscriberBuffer = 256
const broadcastBuffer = 1024

type subscription struct {
	pattern string
	ch      chan Event
}

// Bus is the topic-pattern pub/sub spine. publish is fire-and-forget:
// non-blocking sends to matching subscribers, counting delivered/dropped.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []*subscription
	broadcast     []chan Event // "subscribe all" readers; best-effort, may lag

	metrics *Metrics
}

// Metrics are the monotone counters §4.13 requires, exported as real
// Prometheus counters/gauges rather than ad hoc atomics.
type Metrics struct {
	Published   prometheus.Counter
	Dropped     prometheus.Counter
	Delivered   prometheus.Counter
	Subscribers prometheus.Gauge
}

// NewMetrics registers the bus's counters on reg. Pass prometheus.NewRegistry()
// in tests to avoid polluting the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published:   prometheus.NewCounter(prometheus.CounterOpts{Name: "cortex_events_published_total"}),
		Dropped:     prometheus.NewCounter(prometheus.CounterOpts{Name: "cortex_events_dropped_total"}),
		Delivered:   prometheus.NewCounter(prometheus.CounterOpts{Name: "cortex_events_delivered_total"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "cortex_active_subscriptions"}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Dropped, m.Delivered, m.Subscribers)
	}
	return m
}

func New(metrics *Metrics) *Bus {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Bus{metrics: metrics}
}

// Subscribe returns a bounded channel of events whose Kind matches pattern
// (exact, "prefix.*", or bare "prefix*").
func (b *Bus) Subscribe(pattern string) <-chan Event {
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, &subscription{pattern: pattern, ch: ch})
	b.metrics.Subscribers.Set(float64(len(b.subscriptions)))
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a broadcast reader: every published event, on a
// best-effort basis. A slow reader drops events (counted the same as any
// other dropped delivery) rather than blocking publish.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, broadcastBuffer)
	b.mu.Lock()
	b.broadcast = append(b.broadcast, ch)
	b.mu.Unlock()
	return ch
}

// Publish is fire-and-forget.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.publishLocked(e)
}

// PublishBatch takes the subscription lock once for the whole batch, the
// documented optimization over calling Publish per event.
func (b *Bus) PublishBatch(events []Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		b.publishLocked(e)
	}
}

func (b *Bus) publishLocked(e Event) {
	b.metrics.Published.Inc()

	for _, ch := range b.broadcast {
		select {
		case ch <- e:
		default:
			b.metrics.Dropped.Inc()
		}
	}

	for _, sub := range b.subscriptions {
		if !patternMatches(sub.pattern, e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
			b.metrics.Delivered.Inc()
		default:
			b.metrics.Dropped.Inc()
		}
	}
}

// patternMatches implements exact, "*" catch-all, and "prefix.*"/"prefix*"
// prefix matching (§4.13).
func patternMatches(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == kind {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-2]
		return strings.HasPrefix(kind, prefix+".") || kind == prefix
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(kind, prefix)
	}
	return false
}
