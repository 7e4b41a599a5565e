package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/metrics"
)

// Transport names the delivery mechanism behind a connection.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// Conn is one transport connection for a player. The transport layer
// pops envelopes with Next and writes them to the wire; everything
// else enqueues through the manager.
//
// The outbound queue is bounded. When full, the oldest non-critical
// envelope is dropped to admit the new one. A critical envelope that
// cannot be admitted closes the connection with reason slow_consumer;
// a non-critical one arriving at a queue of criticals is dropped.
type Conn struct {
	ID        string
	PlayerID  string
	SessionID string
	Transport Transport
	CreatedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos

	mu     sync.Mutex
	queue  []events.Envelope
	max    int
	closed bool
	reason CloseReason

	notify chan struct{}
	done   chan struct{}
}

func newConn(playerID, sessionID string, transport Transport, queueSize int) *Conn {
	c := &Conn{
		ID:        uuid.New().String(),
		PlayerID:  playerID,
		SessionID: sessionID,
		Transport: transport,
		CreatedAt: time.Now(),
		max:       queueSize,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateAttaching))
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// Open marks the connection established.
func (c *Conn) Open() {
	c.state.CompareAndSwap(int32(StateAttaching), int32(StateOpen))
}

// State returns the connection lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.state.CompareAndSwap(int32(StateIdleWarn), int32(StateOpen))
}

// LastSeen returns the time of the last inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IdleFor returns how long the connection has been without inbound
// activity.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(c.LastSeen())
}

// Age returns how long the connection has existed.
func (c *Conn) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// markIdle flags the connection as stale. The transport keeps
// serving; the flag is advisory until the idle timeout closes it.
func (c *Conn) markIdle() {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateIdleWarn))
}

// Enqueue queues an envelope for delivery. Returns false when the
// envelope was not accepted (queue policy or closed connection).
func (c *Conn) Enqueue(env events.Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) < c.max {
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		c.wake()
		return true
	}

	// Full: evict the oldest non-critical envelope.
	for i := range c.queue {
		if !c.queue[i].Critical {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.queue = append(c.queue, env)
			c.mu.Unlock()
			metrics.MessagesDropped.WithLabelValues(string(c.Transport)).Inc()
			c.wake()
			return true
		}
	}

	// Queue is entirely critical.
	c.mu.Unlock()
	if !env.Critical {
		metrics.MessagesDropped.WithLabelValues(string(c.Transport)).Inc()
		return false
	}
	// A critical envelope may never be silently lost.
	c.Close(CloseSlowConsumer)
	return false
}

// Next blocks until an envelope is available or the connection
// closes. The second return is false once the connection is closed
// and the queue is drained. A nil ctx waits indefinitely.
func (c *Conn) Next(ctx context.Context) (events.Envelope, bool) {
	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return env, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return events.Envelope{}, false
		}

		select {
		case <-c.notify:
		case <-c.done:
			// Re-check the queue so envelopes enqueued just before
			// close still go out.
		case <-ctxDone:
			return events.Envelope{}, false
		}
	}
}

// Close transitions the connection to CLOSED with the given reason.
// The first close wins; later calls are no-ops. Returns true when
// this call performed the close.
func (c *Conn) Close(reason CloseReason) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	close(c.done)
	metrics.ConnectionsClosed.WithLabelValues(string(reason)).Inc()
	return true
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Reason returns the close reason; empty while open.
func (c *Conn) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// QueueDepth returns the current outbound queue depth.
func (c *Conn) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
