// Package bus implements the process-wide event bus: typed pub/sub over
// named topics with per-topic ordered delivery, bounded subscriber buffers,
// and request/response for synchronous risk checks.
//
// Two implementations share the Bus interface:
//
//   - InProc delivers envelopes over channels inside one process. Each
//     subscription has a bounded buffer (drop-oldest on overflow, surfaced to
//     the subscriber as a lag count) and a dedicated delivery worker, so a
//     slow subscriber never blocks the publisher or its peers.
//
//   - Conn (nats.go) carries the same envelopes over a NATS broker for
//     cross-process deployments. Core components are agnostic of which one
//     they are handed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Request when no reply arrives in time.
	// Callers of risk_check must treat it as a rejection.
	ErrTimeout = errors.New("bus: request timed out")

	// ErrNoResponder is returned by Request when nothing answers the topic.
	ErrNoResponder = errors.New("bus: no responder registered")

	// ErrStopped is returned for operations on a stopped bus.
	ErrStopped = errors.New("bus: stopped")
)

// Delivery is what a subscriber's handler receives. Lagged counts envelopes
// dropped from this subscription's buffer since the previous delivery.
type Delivery struct {
	Envelope
	Lagged uint64
}

// Handler consumes deliveries for one subscription. Panics are recovered,
// logged, and counted; they never reach other subscribers or the publisher.
type Handler func(Delivery)

// RPCHandler answers a request topic. The returned payload becomes the reply
// envelope's payload.
type RPCHandler func(ctx context.Context, env Envelope) (any, error)

// Bus is the pub/sub and request/response contract shared by the in-process
// bus and the NATS-backed bus.
type Bus interface {
	Publish(env Envelope)
	Subscribe(topic Topic, name string, h Handler) (unsubscribe func(), err error)
	Request(ctx context.Context, env Envelope) (Envelope, error)
	Respond(topic Topic, h RPCHandler)
	Start() error
	Stop()
	Metrics(topic Topic) MetricsSnapshot
}

// Options tunes a bus instance.
type Options struct {
	SourceID          string        // identity stamped on self-published envelopes
	SubscriberBuffer  int           // per-subscription buffer, default 1024
	ShutdownGrace     time.Duration // drain window on Stop, default 5s
	HeartbeatInterval time.Duration // default 30s
}

func (o *Options) fill() {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 1024
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SourceID == "" {
		o.SourceID = "bus"
	}
}

// subscription is one subscriber on one topic: a bounded buffer and a single
// delivery worker, which preserves per-topic order for this subscriber.
type subscription struct {
	topic   Topic
	name    string
	handler Handler
	ch      chan Envelope
	lag     atomic.Uint64 // drops since last delivery
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// offer pushes onto the subscription buffer, evicting the oldest envelope
// when full. The evicted message is accounted as a drop and surfaced to the
// subscriber as a lag marker on its next delivery.
func (s *subscription) offer(env Envelope, m *topicMetrics) {
	select {
	case s.ch <- env:
		return
	default:
	}

	// Buffer full: evict the oldest and retry once.
	select {
	case <-s.ch:
		s.lag.Add(1)
		m.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- env:
	default:
		s.lag.Add(1)
		m.dropped.Add(1)
	}
}

// run is the delivery worker: one goroutine per subscription, preserving
// per-topic order for this subscriber. Blocks until close().
func (s *subscription) run(m *topicMetrics, logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			s.invoke(env, m, logger)
		}
	}
}

func (s *subscription) invoke(env Envelope, m *topicMetrics, logger *slog.Logger) {
	d := Delivery{Envelope: env, Lagged: s.lag.Swap(0)}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.handlerFailures.Add(1)
			logger.Error("subscriber handler panicked",
				"topic", s.topic,
				"subscriber", s.name,
				"source", env.SourceID,
				"panic", r,
			)
		}
	}()
	s.handler(d)
	m.delivered.Add(1)
	m.recordLatency(time.Since(start))
}

// InProc is the single-process bus implementation.
type InProc struct {
	opts    Options
	logger  *slog.Logger
	metrics *metricsRegistry

	mu   sync.RWMutex
	subs map[Topic][]*subscription
	rpc  map[Topic]RPCHandler

	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an in-process bus.
func New(opts Options, logger *slog.Logger) *InProc {
	opts.fill()
	return &InProc{
		opts:    opts,
		logger:  logger.With("component", "bus"),
		metrics: newMetricsRegistry(),
		subs:    make(map[Topic][]*subscription),
		rpc:     make(map[Topic]RPCHandler),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (b *InProc) Start() error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.heartbeatLoop()
	}()
	return nil
}

func (b *InProc) heartbeatLoop() {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Publish(NewEnvelope(TopicHeartbeat, b.opts.SourceID, Heartbeat{
				SourceID: b.opts.SourceID,
				TS:       time.Now().UTC(),
			}))
		}
	}
}

// Publish delivers env to all current subscribers of its topic. Non-blocking:
// a full subscriber buffer drops its oldest envelope and counts the lag.
func (b *InProc) Publish(env Envelope) {
	if b.stopped.Load() {
		return
	}
	if env.Version == 0 {
		env.Version = envelopeVersion
	}
	m := b.metrics.get(env.Topic)
	m.published.Add(1)

	b.mu.RLock()
	subs := b.subs[env.Topic]
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(env, m)
	}
}

// Subscribe registers a handler for topic. The returned function removes the
// subscription and stops its worker.
func (b *InProc) Subscribe(topic Topic, name string, h Handler) (func(), error) {
	if b.stopped.Load() {
		return nil, ErrStopped
	}
	if _, ok := payloadCodecs[topic]; !ok {
		return nil, fmt.Errorf("subscribe %q: unknown topic", topic)
	}

	s := &subscription{
		topic:   topic,
		name:    name,
		handler: h,
		ch:      make(chan Envelope, b.opts.SubscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	m := b.metrics.get(topic)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run(m, b.logger)
	}()

	unsubscribe := func() {
		b.removeSub(s)
		s.close()
	}
	return unsubscribe, nil
}

func (b *InProc) removeSub(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[target.topic]
	for i, s := range list {
		if s == target {
			b.subs[target.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Respond registers the handler answering requests on topic. One responder
// per topic; a later registration replaces the earlier one.
func (b *InProc) Respond(topic Topic, h RPCHandler) {
	b.mu.Lock()
	b.rpc[topic] = h
	b.mu.Unlock()
}

// Request publishes env with a fresh correlation id and awaits the reply.
// The caller's context must carry the timeout; expiry returns ErrTimeout.
func (b *InProc) Request(ctx context.Context, env Envelope) (Envelope, error) {
	if b.stopped.Load() {
		return Envelope{}, ErrStopped
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.Version == 0 {
		env.Version = envelopeVersion
	}

	b.mu.RLock()
	h, ok := b.rpc[env.Topic]
	b.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, ErrNoResponder)
	}

	type result struct {
		payload any
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("responder panicked: %v", r)}
			}
		}()
		payload, err := h(ctx, env)
		ch <- result{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, ErrTimeout)
	case r := <-ch:
		if r.err != nil {
			return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, r.err)
		}
		reply := NewEnvelope(env.Topic, b.opts.SourceID, r.payload)
		reply.CorrelationID = env.CorrelationID
		return reply, nil
	}
}

// Metrics returns the counters for one topic.
func (b *InProc) Metrics(topic Topic) MetricsSnapshot {
	return b.metrics.get(topic).snapshot()
}

// Stop halts publishing, drains subscriber buffers up to the grace period,
// then aborts outstanding deliveries.
func (b *InProc) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)

	deadline := time.Now().Add(b.opts.ShutdownGrace)
	for time.Now().Before(deadline) {
		if b.drained() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.mu.Lock()
	for _, list := range b.subs {
		for _, s := range list {
			s.close()
		}
	}
	b.subs = make(map[Topic][]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *InProc) drained() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, list := range b.subs {
		for _, s := range list {
			if len(s.ch) > 0 {
				return false
			}
		}
	}
	return true
}
