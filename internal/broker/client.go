package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/metrics"
)

const maxMessageSize = 1 << 20 // 1 MiB

// Client is the message broker client: a small pool of NATS
// connections behind a circuit breaker, with optional batching of
// publishes by subject prefix.
type Client struct {
	cfg     config.BrokerConfig
	breaker *gobreaker.CircuitBreaker
	batcher *Batcher

	mu    sync.Mutex
	conns []*nats.Conn
	subs  []*nats.Subscription
	next  atomic.Uint64

	healthCancel  context.CancelFunc
	healthWg      sync.WaitGroup
	probeFailures atomic.Int64 // consecutive failed health probes
	closed        atomic.Bool
}

// New connects the pool and creates the client. Pool initialization
// is partial: the client starts as long as at least one connection
// succeeds, and logs the rest.
func New(cfg config.BrokerConfig) (*Client, error) {
	c := &Client{cfg: cfg}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("broker: circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	var errs []error
	for i := 0; i < cfg.PoolSize; i++ {
		conn, err := c.connect(i)
		if err != nil {
			errs = append(errs, err)
			slog.Warn("broker: pool connection failed", "index", i, "err", err)
			continue
		}
		c.conns = append(c.conns, conn)
	}
	if len(c.conns) == 0 {
		return nil, fmt.Errorf("broker: no pool connections established: %v", errs)
	}
	if len(errs) > 0 {
		slog.Warn("broker: pool partially initialized", "connected", len(c.conns), "requested", cfg.PoolSize)
	}

	if cfg.BatchingEnabled {
		c.batcher = NewBatcher(cfg, c.publishNow)
		c.batcher.Start()
	}

	return c, nil
}

// reconnectDelay is the bounded exponential backoff for reconnect
// attempts, with jitter so pool members do not stampede the broker.
func (c *Client) reconnectDelay(attempts int) time.Duration {
	base := c.cfg.RetryBackoffBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	limit := c.cfg.RetryBackoffCap
	if limit <= 0 {
		limit = 30 * time.Second
	}

	delay := base << uint(attempts)
	if delay > limit || delay <= 0 {
		delay = limit
	}
	// Up to 25% jitter.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

func (c *Client) connect(index int) (*nats.Conn, error) {
	return nats.Connect(c.cfg.URL,
		nats.Name(fmt.Sprintf("mud-broker-%d", index)),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(c.reconnectDelay),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("broker: disconnected", "index", index, "err", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			metrics.BrokerReconnects.Inc()
			slog.Info("broker: reconnected", "index", index, "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("broker: connection closed", "index", index)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("broker: async error", "index", index, "subject", subject, "err", err)
		}),
	)
}

// conn returns the next usable connection, round-robin.
func (c *Client) conn() (*nats.Conn, error) {
	c.mu.Lock()
	conns := c.conns
	c.mu.Unlock()

	for range conns {
		i := c.next.Add(1)
		conn := conns[int(i)%len(conns)]
		if conn.IsConnected() {
			return conn, nil
		}
	}
	return nil, ErrNotConnected
}

// Publish sends a message, batching it when batching is enabled.
// Validation failures are returned before anything is queued.
func (c *Client) Publish(subject string, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.validate(subject, data); err != nil {
		return err
	}
	if c.batcher != nil {
		c.batcher.Add(subject, data)
		return nil
	}
	return c.publishNow(subject, data)
}

// PublishDirect bypasses the batcher. Used for traffic that must not
// sit in a batch window, like disconnect notifications.
func (c *Client) PublishDirect(subject string, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.validate(subject, data); err != nil {
		return err
	}
	return c.publishNow(subject, data)
}

func (c *Client) validate(subject string, data []byte) error {
	if c.cfg.EnableSubjectValidation {
		if err := ValidateSubject(subject, c.cfg.StrictSubjectValidation); err != nil {
			return err
		}
	}
	if c.cfg.EnableMessageValidation {
		if len(data) == 0 {
			return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
		}
		if len(data) > maxMessageSize {
			return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidMessage, maxMessageSize)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
		}
	}
	return nil
}

func (c *Client) publishNow(subject string, data []byte) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		conn, err := c.conn()
		if err != nil {
			return nil, err
		}
		return nil, conn.Publish(subject, data)
	})
	if err != nil {
		metrics.BrokerPublishErrors.Inc()
		return fmt.Errorf("broker: publish to %s: %w", subject, err)
	}
	metrics.BrokerPublished.Inc()
	return nil
}

// Subscribe registers a handler for a subject. Every instance with
// the same subscription receives every message.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group so each message
// is delivered to one member of the group.
func (c *Client) QueueSubscribe(subject, queue string, handler func(subject string, data []byte)) error {
	return c.subscribe(subject, queue, handler)
}

func (c *Client) subscribe(subject, queue string, handler func(subject string, data []byte)) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.cfg.EnableSubjectValidation {
		if err := ValidateSubject(subject, c.cfg.StrictSubjectValidation); err != nil {
			return err
		}
	}
	conn, err := c.conn()
	if err != nil {
		return err
	}

	cb := func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	}

	var sub *nats.Subscription
	if queue == "" {
		sub, err = conn.Subscribe(subject, cb)
	} else {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return fmt.Errorf("broker: subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// SubscribeManual registers a handler that must acknowledge each
// delivery. Unacknowledged deliveries are redelivered locally after
// the visibility timeout. Only meaningful with ManualAck enabled;
// otherwise it behaves like Subscribe with auto-ack.
func (c *Client) SubscribeManual(subject, queue string, handler func(*Delivery)) error {
	if !c.cfg.ManualAck {
		return c.subscribe(subject, queue, func(subj string, data []byte) {
			handler(ackedDelivery(subj, data))
		})
	}
	return c.subscribe(subject, queue, func(subj string, data []byte) {
		deliver(subj, data, c.cfg.AckVisibility, handler)
	})
}

// Request sends a request and waits for a reply. The context bounds
// the wait; when it carries no deadline the configured request
// timeout applies.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.validate(subject, data); err != nil {
		return nil, err
	}
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("broker: request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

// StartHealthLoop probes each pool connection on the given interval.
func (c *Client) StartHealthLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.healthCancel = cancel

	c.healthWg.Add(1)
	go func() {
		defer c.healthWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probe()
			}
		}
	}()
}

// probe pings every pool member. The probe succeeds when at least one
// member answers; failures are counted consecutively so Healthy can
// distinguish a blip from a dead broker.
func (c *Client) probe() {
	c.mu.Lock()
	conns := c.conns
	c.mu.Unlock()

	ok := false
	for i, conn := range conns {
		if !conn.IsConnected() {
			slog.Warn("broker: health probe found disconnected pool member", "index", i)
			continue
		}
		if err := conn.FlushTimeout(2 * time.Second); err != nil {
			slog.Warn("broker: health probe flush failed", "index", i, "err", err)
			continue
		}
		ok = true
	}

	if ok {
		c.probeFailures.Store(0)
		metrics.BrokerHealthFailures.Set(0)
		return
	}
	n := c.probeFailures.Add(1)
	metrics.BrokerHealthFailures.Set(float64(n))
	slog.Warn("broker: health probe failed", "consecutiveFailures", n)
}

// Healthy reports whether the broker is usable: some pool connection
// is up and the last health probe, if any has run, succeeded.
func (c *Client) Healthy() bool {
	if c.probeFailures.Load() > 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		if conn.IsConnected() {
			return true
		}
	}
	return false
}

// Stats describe the client for the monitoring endpoints.
type Stats struct {
	PoolSize      int     `json:"pool_size"`
	Connected     int     `json:"connected"`
	CircuitState  string  `json:"circuit_state"`
	PendingBatch  int     `json:"pending_batch"`
	DeadLetters   int     `json:"dead_letter_batches"`
	AckSuccesses  int64   `json:"ack_successes"`
	AckFailures   int64   `json:"ack_failures"`
	Naks          int64   `json:"naks"`
	AckFailRate   float64 `json:"ack_failure_rate"`
	ProbeFailures int64   `json:"consecutive_probe_failures"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	connected := 0
	for _, conn := range c.conns {
		if conn.IsConnected() {
			connected++
		}
	}
	poolSize := len(c.conns)
	c.mu.Unlock()

	s := Stats{
		PoolSize:      poolSize,
		Connected:     connected,
		CircuitState:  c.breaker.State().String(),
		AckSuccesses:  acks.ok.Load(),
		AckFailures:   acks.late.Load(),
		Naks:          acks.naks.Load(),
		ProbeFailures: c.probeFailures.Load(),
	}
	if total := s.AckSuccesses + s.AckFailures; total > 0 {
		s.AckFailRate = float64(s.AckFailures) / float64(total)
	}
	if c.batcher != nil {
		s.PendingBatch = c.batcher.PendingCount()
		s.DeadLetters = c.batcher.DeadLetterCount()
	}
	return s
}

// RecoverFailedBatches re-queues dead-lettered batches for delivery.
func (c *Client) RecoverFailedBatches() int {
	if c.batcher == nil {
		return 0
	}
	return c.batcher.RecoverFailedBatches()
}

// Close flushes the batcher, unsubscribes and drains the pool.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.healthCancel != nil {
		c.healthCancel()
		c.healthWg.Wait()
	}
	if c.batcher != nil {
		c.batcher.Close()
	}

	c.mu.Lock()
	subs := c.subs
	conns := c.conns
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, conn := range conns {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
}
