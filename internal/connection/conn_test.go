package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mythosmud/server/internal/events"
)

func envelope(seq int) events.Envelope {
	return events.Envelope{
		EventID: "ev",
		Type:    events.FrameGameEvent,
		Payload: seq,
	}
}

func criticalEnvelope() events.Envelope {
	return events.Envelope{
		EventID:  "ev",
		Type:     events.FrameGameEvent,
		Topic:    events.TopicPlayerDisconnected,
		Critical: true,
	}
}

func TestEnqueueEvictsOldestNonCritical(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 3)

	require.True(t, c.Enqueue(envelope(1)))
	require.True(t, c.Enqueue(envelope(2)))
	require.True(t, c.Enqueue(envelope(3)))
	require.True(t, c.Enqueue(envelope(4)), "full queue admits by evicting the oldest")

	var got []int
	for i := 0; i < 3; i++ {
		env, ok := c.Next(context.Background())
		require.True(t, ok)
		got = append(got, env.Payload.(int))
	}
	assert.Equal(t, []int{2, 3, 4}, got)
	assert.Zero(t, c.QueueDepth())
}

func TestCriticalSurvivesEviction(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 2)

	require.True(t, c.Enqueue(criticalEnvelope()))
	require.True(t, c.Enqueue(envelope(1)))
	// Eviction skips the critical envelope even though it is oldest.
	require.True(t, c.Enqueue(envelope(2)))

	env, _ := c.Next(context.Background())
	assert.True(t, env.Critical)
	env, _ = c.Next(context.Background())
	assert.Equal(t, 2, env.Payload.(int))
}

func TestNonCriticalDroppedWhenQueueAllCritical(t *testing.T) {
	c := newConn("p1", "s1", TransportSSE, 2)

	require.True(t, c.Enqueue(criticalEnvelope()))
	require.True(t, c.Enqueue(criticalEnvelope()))

	assert.False(t, c.Enqueue(envelope(1)))
	assert.NotEqual(t, StateClosed, c.State(), "dropping non-critical does not close the connection")
}

func TestUndeliverableCriticalClosesSlowConsumer(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 2)

	require.True(t, c.Enqueue(criticalEnvelope()))
	require.True(t, c.Enqueue(criticalEnvelope()))

	assert.False(t, c.Enqueue(criticalEnvelope()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, CloseSlowConsumer, c.Reason())
}

func TestNextDrainsQueueAfterClose(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 8)

	require.True(t, c.Enqueue(envelope(1)))
	require.True(t, c.Enqueue(envelope(2)))
	require.True(t, c.Close(CloseNormal))
	assert.False(t, c.Close(CloseShutdown), "first close wins")
	assert.Equal(t, CloseNormal, c.Reason())

	env, ok := c.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, env.Payload.(int))
	env, ok = c.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, env.Payload.(int))

	_, ok = c.Next(context.Background())
	assert.False(t, ok, "closed and drained")

	assert.False(t, c.Enqueue(envelope(3)), "closed connection accepts nothing")
}

func TestNextHonorsContext(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := c.Next(ctx)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotEqual(t, StateClosed, c.State())
}

func TestIdleAndTouch(t *testing.T) {
	c := newConn("p1", "s1", TransportWebSocket, 8)
	c.Open()
	assert.Equal(t, StateOpen, c.State())

	c.markIdle()
	assert.Equal(t, StateIdleWarn, c.State())

	c.Touch()
	assert.Equal(t, StateOpen, c.State())
	assert.Less(t, c.IdleFor(), time.Second)
}
