package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/metrics"
)

var (
	ErrBusClosed    = errors.New("event bus is closed")
	ErrUnknownTopic = errors.New("unknown event topic")
	ErrQueueFull    = errors.New("event queue is full")
)

// Handler processes one event. Handlers for the same topic run
// serially in publication order; the ctx carries the handler timeout.
type Handler func(ctx context.Context, ev events.Event) error

// Compile-time check that Bus implements events.Publisher.
var _ events.Publisher = (*Bus)(nil)

// Bus is the in-process event bus. Publishers enqueue into a bounded
// intake queue; a single pump goroutine forwards events to the
// underlying transport so per-topic ordering is preserved, and one
// dispatcher goroutine per topic runs the registered handlers.
//
// Overflow policy: when the queue is full, the oldest low-priority
// event is evicted to admit the new one. A low-priority event arriving
// when the queue holds only high-priority events is dropped. A
// high-priority event blocks the publisher for a bounded wait before
// being rejected.
type Bus struct {
	cfg config.EventBusConfig
	pub message.Publisher
	sub message.Subscriber

	mu     sync.Mutex
	queue  []events.Event
	space  chan struct{} // closed and replaced when the pump pops an item
	notify chan struct{} // size-1 wakeup for the pump
	stop   chan struct{}
	closed bool

	handlersMu sync.RWMutex
	handlers   map[events.Topic][]subscription
	consuming  map[events.Topic]context.CancelFunc
	nextToken  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	pumpWg sync.WaitGroup
	dispWg sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
	inflight  atomic.Int64 // handed to the transport, not yet handled
}

// subscription pairs a handler with the token Unsubscribe takes.
type subscription struct {
	token uint64
	h     Handler
}

// New creates a bus over the given transport. Call Start before
// publishing; Publish before Start only queues.
func New(cfg config.EventBusConfig, pub message.Publisher, sub message.Subscriber) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		pub:       pub,
		sub:       sub,
		space:     make(chan struct{}),
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		handlers:  make(map[events.Topic][]subscription),
		consuming: make(map[events.Topic]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the pump goroutine.
func (b *Bus) Start(_ context.Context) error {
	b.pumpWg.Add(1)
	go b.pump()
	return nil
}

// Stop closes the intake, drains the queue through the pump, waits a
// bounded time for dispatchers to handle what the transport already
// holds, then shuts the transport down.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.pumpWg.Wait()
	b.drainInflight()

	if err := b.sub.Close(); err != nil {
		slog.Warn("eventbus: error closing subscriber", "err", err)
	}
	b.dispWg.Wait()
	if err := b.pub.Close(); err != nil {
		slog.Warn("eventbus: error closing publisher", "err", err)
	}
	b.cancel()
}

// drainInflight waits until every delivery handed to the transport has
// been handled, or the drain timeout passes.
func (b *Bus) drainInflight() {
	timeout := b.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for b.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			slog.Warn("eventbus: drain timeout, abandoning in-flight events", "remaining", b.inflight.Load())
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Publish enqueues an event, logging any rejection. Components that
// need the error use TryPublish.
func (b *Bus) Publish(ev events.Event) {
	if err := b.TryPublish(ev); err != nil {
		slog.Warn("eventbus: event not accepted", "topic", ev.Topic, "eventId", ev.ID, "err", err)
	}
}

// TryPublish enqueues an event, applying the overflow policy when the
// queue is full.
func (b *Bus) TryPublish(ev events.Event) error {
	if !ev.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, ev.Topic)
	}

	var deadline time.Time

	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		if len(b.queue) < b.cfg.QueueSize {
			b.queue = append(b.queue, ev)
			metrics.EventQueueDepth.Set(float64(len(b.queue)))
			b.mu.Unlock()
			b.published.Add(1)
			metrics.EventsPublished.WithLabelValues(string(ev.Topic)).Inc()
			b.wake()
			return nil
		}

		if b.evictOldestLowLocked() {
			continue
		}

		// Queue holds only high-priority events.
		if ev.Topic.Priority() == events.PriorityLow {
			b.mu.Unlock()
			b.dropEvent(ev.Topic, "overflow")
			return ErrQueueFull
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(b.cfg.HighPriorityWait)
		}
		if !b.waitSpaceLocked(deadline) {
			b.mu.Unlock()
			b.dropEvent(ev.Topic, "high_priority_timeout")
			return ErrQueueFull
		}
	}
}

// PublishSync hands the event directly to the transport, bypassing
// the intake queue. Used on shutdown paths that must not race the
// pump draining.
func (b *Bus) PublishSync(ev events.Event) error {
	if !ev.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, ev.Topic)
	}
	return b.deliver(ev)
}

// Subscribe registers a handler for a topic and returns the token
// Unsubscribe takes. The first handler for a topic starts its
// dispatcher goroutine.
func (b *Bus) Subscribe(topic events.Topic, h Handler) (uint64, error) {
	if !topic.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	token := b.nextToken.Add(1)

	b.handlersMu.Lock()
	b.handlers[topic] = append(b.handlers[topic], subscription{token: token, h: h})
	first := b.consuming[topic] == nil
	var topicCtx context.Context
	var cancel context.CancelFunc
	if first {
		topicCtx, cancel = context.WithCancel(b.ctx)
		b.consuming[topic] = cancel
	}
	b.handlersMu.Unlock()

	if !first {
		return token, nil
	}

	msgs, err := b.sub.Subscribe(topicCtx, topicName(topic))
	if err != nil {
		cancel()
		b.handlersMu.Lock()
		delete(b.consuming, topic)
		b.handlersMu.Unlock()
		return 0, fmt.Errorf("eventbus: subscribe to %s: %w", topic, err)
	}

	b.dispWg.Add(1)
	go b.dispatch(topic, msgs)
	return token, nil
}

// Unsubscribe removes the handler registered under the token. When the
// last handler for a topic goes, its dispatcher is stopped.
func (b *Bus) Unsubscribe(topic events.Topic, token uint64) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	subs := b.handlers[topic]
	for i, sub := range subs {
		if sub.token != token {
			continue
		}
		b.handlers[topic] = append(subs[:i], subs[i+1:]...)
		if len(b.handlers[topic]) == 0 {
			if cancel := b.consuming[topic]; cancel != nil {
				cancel()
				delete(b.consuming, topic)
			}
		}
		return nil
	}
	return fmt.Errorf("eventbus: no subscription %d on topic %s", token, topic)
}

// Stats describe the bus for the monitoring endpoints.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	Published  int64 `json:"published"`
	Dropped    int64 `json:"dropped"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	depth := len(b.queue)
	b.mu.Unlock()
	return Stats{
		QueueDepth: depth,
		Published:  b.published.Load(),
		Dropped:    b.dropped.Load(),
	}
}

// --- intake internals ---

func (b *Bus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// evictOldestLowLocked removes the oldest low-priority event from the
// queue. Returns false when every queued event is high priority.
func (b *Bus) evictOldestLowLocked() bool {
	for i, queued := range b.queue {
		if queued.Topic.Priority() == events.PriorityLow {
			victim := queued
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.dropEvent(victim.Topic, "overflow")
			return true
		}
	}
	return false
}

// waitSpaceLocked releases the bus lock and waits until the pump pops
// an item or the deadline passes. The lock is re-acquired before
// returning.
func (b *Bus) waitSpaceLocked(deadline time.Time) bool {
	ch := b.space
	b.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		b.mu.Lock()
		return false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ch:
		b.mu.Lock()
		return true
	case <-t.C:
		b.mu.Lock()
		return false
	}
}

func (b *Bus) dropEvent(topic events.Topic, reason string) {
	b.dropped.Add(1)
	metrics.EventsDropped.WithLabelValues(string(topic), reason).Inc()
}

// pump forwards queued events to the transport one at a time,
// preserving publication order.
func (b *Bus) pump() {
	defer b.pumpWg.Done()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			select {
			case <-b.notify:
			case <-b.stop:
			}
			continue
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		metrics.EventQueueDepth.Set(float64(len(b.queue)))
		close(b.space)
		b.space = make(chan struct{})
		b.mu.Unlock()

		if err := b.deliver(ev); err != nil {
			slog.Error("eventbus: failed to deliver event", "topic", ev.Topic, "eventId", ev.ID, "err", err)
			b.dropEvent(ev.Topic, "publish_error")
		}
	}
}

func (b *Bus) deliver(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(ev.ID.String(), payload)
	msg.Metadata.Set("topic", string(ev.Topic))
	if ev.CorrelationID != "" {
		msg.Metadata.Set("correlationId", ev.CorrelationID)
	}

	b.handlersMu.RLock()
	consumed := b.consuming[ev.Topic] != nil
	b.handlersMu.RUnlock()
	if consumed {
		b.inflight.Add(1)
	}

	if err := b.pub.Publish(topicName(ev.Topic), msg); err != nil {
		if consumed {
			b.inflight.Add(-1)
		}
		return err
	}
	return nil
}

// --- dispatch internals ---

func topicName(topic events.Topic) string {
	return "events." + string(topic)
}

func (b *Bus) dispatch(topic events.Topic, msgs <-chan *message.Message) {
	defer b.dispWg.Done()
	for msg := range msgs {
		var ev events.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			slog.Warn("eventbus: failed to unmarshal event", "topic", topic, "err", err)
			msg.Ack()
			b.inflight.Add(-1)
			continue
		}

		b.handlersMu.RLock()
		handlers := make([]Handler, 0, len(b.handlers[topic]))
		for _, sub := range b.handlers[topic] {
			handlers = append(handlers, sub.h)
		}
		b.handlersMu.RUnlock()

		for _, h := range handlers {
			b.runHandler(topic, h, ev)
		}
		msg.Ack()
		b.inflight.Add(-1)
	}
}

// runHandler runs one handler with a timeout and panic isolation. A
// handler that outlives its timeout is abandoned; the ctx it received
// is cancelled so well-behaved handlers unwind.
func (b *Bus) runHandler(topic events.Topic, h Handler, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(ctx, ev)
	}()

	select {
	case err := <-done:
		if err != nil {
			metrics.HandlerErrors.WithLabelValues(string(topic)).Inc()
			slog.Error("eventbus: handler failed", "topic", topic, "eventId", ev.ID, "err", err)
		}
	case <-ctx.Done():
		metrics.HandlerErrors.WithLabelValues(string(topic)).Inc()
		slog.Warn("eventbus: handler timed out", "topic", topic, "eventId", ev.ID, "timeout", b.cfg.HandlerTimeout)
	}
	metrics.HandlerDuration.WithLabelValues(string(topic)).Observe(time.Since(start).Seconds())
}
