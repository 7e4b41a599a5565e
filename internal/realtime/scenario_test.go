package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/world"
)

type stack struct {
	bus     *eventbus.Bus
	mgr     *connection.Manager
	svc     *Service
	catalog *world.Catalog
	roster  *world.Roster
}

func newStack(t *testing.T) *stack {
	t.Helper()

	ch := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NopLogger{},
	)
	bus := eventbus.New(config.EventBusConfig{
		Backend:          "gochannel",
		QueueSize:        256,
		HandlerTimeout:   2 * time.Second,
		HighPriorityWait: 50 * time.Millisecond,
	}, ch, ch)
	t.Cleanup(bus.Stop)

	catalog, err := world.NewCatalog(bus)
	require.NoError(t, err)
	roster := world.NewRoster()
	moves := movement.NewService(catalog, roster, nil)

	mgr := connection.NewManager(config.ConnectionConfig{
		MaxConnectionsPerPlayer: 4,
		ConnectionTimeout:       time.Hour,
		StaleIdleThreshold:      time.Hour,
		MaxConnectionAge:        time.Hour,
		LoginGracePeriod:        20 * time.Millisecond,
		DisconnectGracePeriod:   50 * time.Millisecond,
		CleanupInterval:         time.Hour,
		OutboundQueueSize:       128,
		WriteTimeout:            time.Second,
	}, bus, catalog, moves)

	svc := NewService(Deps{
		Bus:     bus,
		Pub:     bus,
		Cast:    mgr,
		Catalog: catalog,
		Roster:  roster,
		Moves:   moves,
		Limiter: NewChatLimiter(generousChat()),
	})
	require.NoError(t, svc.Start())
	require.NoError(t, bus.Start(context.Background()))

	return &stack{bus: bus, mgr: mgr, svc: svc, catalog: catalog, roster: roster}
}

// drain reads envelopes until the connection has been quiet for the
// window.
func drain(c *connection.Conn, quiet time.Duration) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), quiet)
		_, ok := c.Next(ctx)
		cancel()
		if !ok {
			return
		}
	}
}

func nextEnv(t *testing.T, c *connection.Conn) events.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, ok := c.Next(ctx)
	require.True(t, ok, "expected an envelope")
	return env
}

func noEnv(t *testing.T, c *connection.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	env, ok := c.Next(ctx)
	assert.False(t, ok, "unexpected envelope: %+v", env)
}

// A player moving between rooms is announced to both rooms: the old
// room sees them leave, the new room sees them arrive, and the mover
// receives a view of the destination.
func TestMovementBroadcast(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	alice, err := s.mgr.Attach("alice", "alice", false, "sess-a", connection.TransportWebSocket)
	require.NoError(t, err)
	bob, err := s.mgr.Attach("bob", "bob", false, "sess-b", connection.TransportWebSocket)
	require.NoError(t, err)
	carol, err := s.mgr.Attach("carol", "carol", true, "sess-c", connection.TransportSSE)
	require.NoError(t, err)

	// All three spawn into the default room once their login grace
	// periods expire.
	require.Eventually(t, func() bool { return s.roster.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.svc.HandleCommand(ctx, "carol", true, Command{Type: "teleport", RoomID: roomHighLane})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entry, ok := s.roster.Get("carol")
		return ok && entry.RoomID == roomHighLane
	}, 2*time.Second, 10*time.Millisecond)

	for _, c := range []*connection.Conn{alice, bob, carol} {
		drain(c, 200*time.Millisecond)
	}

	res, err := s.svc.HandleCommand(ctx, "alice", false, Command{Type: "move", Direction: "north"})
	require.NoError(t, err)
	assert.Equal(t, roomHighLane, res.(map[string]any)["room_id"])

	// Bob, still in the old room, sees alice leave.
	env := nextEnv(t, bob)
	assert.Equal(t, events.TopicPlayerLeftRoom, env.Topic)
	assert.Equal(t, "alice", env.Payload.(map[string]any)["player_id"])
	noEnv(t, bob)

	// Carol, in the destination, sees alice arrive.
	env = nextEnv(t, carol)
	assert.Equal(t, events.TopicPlayerEnteredRoom, env.Topic)
	assert.Equal(t, "alice", env.Payload.(map[string]any)["player_id"])
	noEnv(t, carol)

	// Alice gets the destination room view instead of the third-person
	// event.
	env = nextEnv(t, alice)
	assert.Equal(t, events.TopicPlayerEnteredRoom, env.Topic)
	assert.Equal(t, roomHighLane, env.Payload.(map[string]any)["room_id"])
	noEnv(t, alice)

	derby, _ := s.catalog.Room(roomDerby)
	highLane, _ := s.catalog.Room(roomHighLane)
	assert.Equal(t, []string{"bob"}, derby.Players())
	assert.ElementsMatch(t, []string{"alice", "carol"}, highLane.Players())
}

// Room chat reaches everyone in the room, including the sender, and
// nobody outside it.
func TestSayReachesRoomOnly(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	alice, err := s.mgr.Attach("alice", "alice", false, "sess-a", connection.TransportWebSocket)
	require.NoError(t, err)
	bob, err := s.mgr.Attach("bob", "bob", false, "sess-b", connection.TransportWebSocket)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.roster.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.svc.HandleCommand(ctx, "bob", false, Command{Type: "move", Direction: "north"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entry, ok := s.roster.Get("bob")
		return ok && entry.RoomID == roomHighLane
	}, 2*time.Second, 10*time.Millisecond)

	drain(alice, 200*time.Millisecond)
	drain(bob, 200*time.Millisecond)

	_, err = s.svc.HandleCommand(ctx, "alice", false, Command{Type: "say", Message: "anyone here?"})
	require.NoError(t, err)

	env := nextEnv(t, alice)
	assert.Equal(t, events.FrameChat, env.Type)
	assert.Equal(t, "anyone here?", env.Payload.(map[string]any)["message"])

	noEnv(t, bob)
}
