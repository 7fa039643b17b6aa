package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"qb-trader/pkg/types"
)

// subjectPrefix namespaces all platform traffic on a shared broker.
const subjectPrefix = "qb."

func subjectFor(topic Topic) string { return subjectPrefix + string(topic) }

// replyCodecs decodes RPC reply payloads, which differ from the request
// payload type registered in payloadCodecs.
var replyCodecs = map[Topic]func(json.RawMessage) (any, error){
	TopicRiskCheck: decodeAs[types.RiskDecision],
}

// Conn is the NATS-backed bus. NATS preserves per-subject publish order to
// each subscriber, so the per-topic FIFO guarantee carries across processes.
// Subscriber-side buffering and lag accounting reuse the in-process
// subscription worker.
type Conn struct {
	opts    Options
	logger  *slog.Logger
	nc      *nats.Conn
	metrics *metricsRegistry

	mu       sync.Mutex
	natsSubs []*nats.Subscription
	workers  []*subscription

	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Connect dials the broker and returns a bus carried over it.
func Connect(url string, opts Options, logger *slog.Logger) (*Conn, error) {
	opts.fill()
	nc, err := nats.Connect(url,
		nats.Name(opts.SourceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Conn{
		opts:    opts,
		logger:  logger.With("component", "bus", "transport", "nats"),
		nc:      nc,
		metrics: newMetricsRegistry(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the heartbeat loop.
func (c *Conn) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Publish(NewEnvelope(TopicHeartbeat, c.opts.SourceID, Heartbeat{
					SourceID: c.opts.SourceID,
					TS:       time.Now().UTC(),
				}))
			}
		}
	}()
	return nil
}

// Publish serializes env and publishes it on the topic's subject.
func (c *Conn) Publish(env Envelope) {
	if c.stopped.Load() {
		return
	}
	if env.Version == 0 {
		env.Version = envelopeVersion
	}
	m := c.metrics.get(env.Topic)

	data, err := Encode(env)
	if err != nil {
		m.handlerFailures.Add(1)
		c.logger.Error("encode envelope", "topic", env.Topic, "error", err)
		return
	}
	if err := c.nc.Publish(subjectFor(env.Topic), data); err != nil {
		c.logger.Error("nats publish", "topic", env.Topic, "error", err)
		return
	}
	m.published.Add(1)
}

// Subscribe registers a handler for topic, delivered through a bounded
// buffer exactly like the in-process bus.
func (c *Conn) Subscribe(topic Topic, name string, h Handler) (func(), error) {
	if c.stopped.Load() {
		return nil, ErrStopped
	}
	if _, ok := payloadCodecs[topic]; !ok {
		return nil, fmt.Errorf("subscribe %q: unknown topic", topic)
	}

	s := &subscription{
		topic:   topic,
		name:    name,
		handler: h,
		ch:      make(chan Envelope, c.opts.SubscriberBuffer),
		done:    make(chan struct{}),
	}
	m := c.metrics.get(topic)

	ns, err := c.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			m.handlerFailures.Add(1)
			c.logger.Error("decode envelope", "topic", topic, "error", err)
			return
		}
		s.offer(env, m)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	c.natsSubs = append(c.natsSubs, ns)
	c.workers = append(c.workers, s)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.run(m, c.logger)
	}()

	unsubscribe := func() {
		_ = ns.Unsubscribe()
		s.close()
	}
	return unsubscribe, nil
}

// Request sends env on the topic's subject and awaits the broker-routed reply.
func (c *Conn) Request(ctx context.Context, env Envelope) (Envelope, error) {
	if c.stopped.Load() {
		return Envelope{}, ErrStopped
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.Version == 0 {
		env.Version = envelopeVersion
	}

	data, err := Encode(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subjectFor(env.Topic), data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, ErrNoResponder)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, ErrTimeout)
	case err != nil:
		return Envelope{}, fmt.Errorf("request %s: %w", env.Topic, err)
	}

	return decodeReply(env.Topic, msg.Data)
}

func decodeReply(topic Topic, data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode reply: %w", err)
	}
	if w.Version != envelopeVersion {
		return Envelope{}, fmt.Errorf("decode reply: unsupported version %d", w.Version)
	}
	dec, ok := replyCodecs[topic]
	if !ok {
		return Envelope{}, fmt.Errorf("decode reply: topic %q has no reply type", topic)
	}
	payload, err := dec(w.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s reply payload: %w", topic, err)
	}
	return Envelope{
		Topic:         w.Topic,
		SourceID:      w.SourceID,
		TS:            w.TS,
		CorrelationID: w.CorrelationID,
		Version:       w.Version,
		Payload:       payload,
	}, nil
}

// Respond registers the handler answering requests on topic.
func (c *Conn) Respond(topic Topic, h RPCHandler) {
	m := c.metrics.get(topic)
	ns, err := c.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			m.handlerFailures.Add(1)
			c.logger.Error("decode request", "topic", topic, "error", err)
			return
		}

		payload, err := h(context.Background(), env)
		if err != nil {
			m.handlerFailures.Add(1)
			c.logger.Error("responder failed", "topic", topic, "error", err)
			return
		}

		reply := NewEnvelope(topic, c.opts.SourceID, payload)
		reply.CorrelationID = env.CorrelationID
		data, err := Encode(reply)
		if err != nil {
			c.logger.Error("encode reply", "topic", topic, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			c.logger.Error("respond", "topic", topic, "error", err)
		}
	})
	if err != nil {
		c.logger.Error("nats respond subscribe", "topic", topic, "error", err)
		return
	}

	c.mu.Lock()
	c.natsSubs = append(c.natsSubs, ns)
	c.mu.Unlock()
}

// Metrics returns the counters for one topic.
func (c *Conn) Metrics(topic Topic) MetricsSnapshot {
	return c.metrics.get(topic).snapshot()
}

// Stop drains the connection up to the grace period and closes it.
func (c *Conn) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)

	c.mu.Lock()
	for _, ns := range c.natsSubs {
		_ = ns.Unsubscribe()
	}
	for _, s := range c.workers {
		s.close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.nc.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.ShutdownGrace):
		c.nc.Close()
	}

	c.wg.Wait()
}
