package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/world"
)

// capturePub records published events for assertions.
type capturePub struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePub) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePub) byTopic(topic events.Topic) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func testManagerConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		MaxConnectionsPerPlayer: 2,
		ConnectionTimeout:       time.Hour,
		StaleIdleThreshold:      time.Hour,
		MaxConnectionAge:        time.Hour,
		LoginGracePeriod:        30 * time.Millisecond,
		DisconnectGracePeriod:   50 * time.Millisecond,
		CleanupInterval:         10 * time.Millisecond,
		OutboundQueueSize:       8,
		WriteTimeout:            time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.ConnectionConfig) (*Manager, *capturePub, *world.Catalog, *world.Roster) {
	t.Helper()
	pub := &capturePub{}
	catalog, err := world.NewCatalog(nil)
	require.NoError(t, err)
	roster := world.NewRoster()
	moves := movement.NewService(catalog, roster, nil)
	m := NewManager(cfg, pub, catalog, moves)
	t.Cleanup(m.Shutdown)
	return m, pub, catalog, roster
}

func waitPresence(t *testing.T, m *Manager, playerID string, want Presence) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.PresenceOf(playerID) == want
	}, 2*time.Second, 5*time.Millisecond, "want presence %s", want)
}

func TestLoginGraceThenPlayerConnected(t *testing.T) {
	m, pub, _, _ := newTestManager(t, testManagerConfig())

	conn, err := m.Attach("p1", "Armitage", true, "s1", TransportWebSocket)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, PresenceProvisional, m.PresenceOf("p1"))
	assert.Empty(t, pub.byTopic(events.TopicPlayerConnected), "player_connected waits for the login grace period")

	waitPresence(t, m, "p1", PresenceOnline)

	connected := pub.byTopic(events.TopicPlayerConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "p1", connected[0].PlayerID)
	assert.Equal(t, "Armitage", connected[0].Data["name"])
	assert.Equal(t, true, connected[0].Data["is_admin"])
}

// attach followed immediately by detach emits neither presence event.
func TestAttachThenQuickDetachEmitsNothing(t *testing.T) {
	m, pub, _, _ := newTestManager(t, testManagerConfig())

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	m.Detach(conn.ID, CloseNormal)

	assert.Equal(t, PresenceOffline, m.PresenceOf("p1"))

	// Outlive both grace periods; still nothing.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, pub.byTopic(events.TopicPlayerConnected))
	assert.Empty(t, pub.byTopic(events.TopicPlayerDisconnected))
}

func TestDisconnectGraceSuppressedByReattach(t *testing.T) {
	m, pub, _, _ := newTestManager(t, testManagerConfig())

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	waitPresence(t, m, "p1", PresenceOnline)

	m.Detach(conn.ID, CloseNormal)
	assert.Equal(t, PresenceGrace, m.PresenceOf("p1"))

	_, err = m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, m.PresenceOf("p1"))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, pub.byTopic(events.TopicPlayerDisconnected), "reattach within grace suppresses the event")
	assert.Len(t, pub.byTopic(events.TopicPlayerConnected), 1, "no duplicate player_connected either")
}

func TestGraceExpiryEmitsDisconnectedAndRemovesPresence(t *testing.T) {
	m, pub, catalog, roster := newTestManager(t, testManagerConfig())

	room, _ := catalog.Room("yeng_plateau_windswept_pass")
	room.PlayerEntered("p1")
	roster.Put(world.RosterEntry{PlayerID: "p1", Name: "Armitage", RoomID: room.ID})

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	waitPresence(t, m, "p1", PresenceOnline)

	m.Detach(conn.ID, CloseNormal)
	waitPresence(t, m, "p1", PresenceOffline)

	disconnected := pub.byTopic(events.TopicPlayerDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "p1", disconnected[0].PlayerID)
	assert.Equal(t, room.ID, disconnected[0].RoomID, "the event carries the vacated room")

	assert.False(t, room.HasPlayer("p1"), "grace expiry removes room presence directly")
	_, ok := roster.Get("p1")
	assert.False(t, ok)
}

func TestNewSessionClosesPriorConnections(t *testing.T) {
	m, pub, _, _ := newTestManager(t, testManagerConfig())

	w1, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	waitPresence(t, m, "p1", PresenceOnline)

	w2, err := m.Attach("p1", "Armitage", false, "s2", TransportWebSocket)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, w1.State())
	assert.Equal(t, CloseNewGameSession, w1.Reason())
	assert.Equal(t, StateOpen, w2.State())
	assert.Equal(t, "s2", m.SessionOf("p1"))
	assert.Equal(t, PresenceOnline, m.PresenceOf("p1"), "the player stays logically online")

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, pub.byTopic(events.TopicPlayerDisconnected))
}

func TestDualTransportSameSessionCoexists(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig())

	sse, err := m.Attach("p1", "Armitage", false, "s1", TransportSSE)
	require.NoError(t, err)
	ws, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)

	assert.Equal(t, StateOpen, sse.State(), "same-session SSE is left untouched")
	assert.Equal(t, StateOpen, ws.State())

	// A different session replaces both.
	w2, err := m.Attach("p1", "Armitage", false, "s2", TransportWebSocket)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, sse.State())
	assert.Equal(t, CloseNewGameSession, sse.Reason())
	assert.Equal(t, StateClosed, ws.State())
	assert.Equal(t, StateOpen, w2.State())
}

func TestMaxConnectionsExceeded(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig())

	_, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	_, err = m.Attach("p1", "Armitage", false, "s1", TransportSSE)
	require.NoError(t, err)

	_, err = m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	assert.ErrorIs(t, err, ErrMaxConnections)
}

func TestSendToPlayerReachesEveryTransport(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig())

	ws, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	sse, err := m.Attach("p1", "Armitage", false, "s1", TransportSSE)
	require.NoError(t, err)

	report := m.SendToPlayer("p1", envelope(1))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failed)

	assert.Equal(t, 1, ws.QueueDepth())
	assert.Equal(t, 1, sse.QueueDepth())

	// One failed transport does not affect the other.
	ws.Close(CloseTransportError)
	report = m.SendToPlayer("p1", envelope(2))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{ws.ID}, report.Failed)
}

func TestBroadcastToRoomUsesOccupantsAndExcludes(t *testing.T) {
	m, _, catalog, _ := newTestManager(t, testManagerConfig())

	room, _ := catalog.Room("yeng_plateau_windswept_pass")
	room.PlayerEntered("p1")
	room.PlayerEntered("p2")

	c1, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	c2, err := m.Attach("p2", "Pickman", false, "s2", TransportWebSocket)
	require.NoError(t, err)

	m.BroadcastToRoom(room.ID, envelope(1), "p1")
	assert.Zero(t, c1.QueueDepth(), "excluded player receives nothing")
	assert.Equal(t, 1, c2.QueueDepth())

	m.BroadcastToZone("yeng", envelope(2), "")
	assert.Equal(t, 1, c1.QueueDepth())
	assert.Equal(t, 2, c2.QueueDepth())
}

// A detached connection never receives further messages.
func TestDetachedConnectionReceivesNothing(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig())

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	m.Detach(conn.ID, CloseNormal)

	report := m.SendToPlayer("p1", envelope(1))
	assert.Zero(t, report.Delivered)
	assert.Zero(t, conn.QueueDepth())

	// Double detach is a no-op.
	m.Detach(conn.ID, CloseAdminKick)
	assert.Equal(t, CloseNormal, conn.Reason())
}

func TestSweeperPrunesIdleConnections(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ConnectionTimeout = 30 * time.Millisecond
	m, _, _, _ := newTestManager(t, cfg)
	m.StartSweeper()

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, CloseConnectionTimeout, conn.Reason())
}

func TestSweeperMarksStale(t *testing.T) {
	cfg := testManagerConfig()
	cfg.StaleIdleThreshold = 20 * time.Millisecond
	m, _, _, _ := newTestManager(t, cfg)
	m.StartSweeper()

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.State() == StateIdleWarn
	}, 2*time.Second, 5*time.Millisecond)

	conn.Touch()
	assert.Equal(t, StateOpen, conn.State())
}

func TestShutdownClosesAndEmitsDisconnects(t *testing.T) {
	m, pub, catalog, roster := newTestManager(t, testManagerConfig())

	room, _ := catalog.Room("yeng_plateau_windswept_pass")
	room.PlayerEntered("p1")
	roster.Put(world.RosterEntry{PlayerID: "p1", Name: "Armitage", RoomID: room.ID})

	conn, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	waitPresence(t, m, "p1", PresenceOnline)

	m.Shutdown()

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, CloseShutdown, conn.Reason())
	disconnected := pub.byTopic(events.TopicPlayerDisconnected)
	require.Len(t, disconnected, 1, "shutdown does not wait for grace")
	assert.Equal(t, room.ID, disconnected[0].RoomID)
	assert.False(t, room.HasPlayer("p1"))

	_, err = m.Attach("p2", "Carter", false, "s2", TransportWebSocket)
	assert.ErrorIs(t, err, ErrShuttingDown)

	assert.False(t, m.Healthy())
}

func TestStatsReport(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig())

	_, err := m.Attach("p1", "Armitage", false, "s1", TransportWebSocket)
	require.NoError(t, err)
	_, err = m.Attach("p1", "Armitage", false, "s1", TransportSSE)
	require.NoError(t, err)

	report := m.Stats(true)
	assert.Equal(t, 2, report.Connections)
	assert.Equal(t, 1, report.ByTransport[string(TransportWebSocket)])
	assert.Equal(t, 1, report.ByTransport[string(TransportSSE)])
	assert.Equal(t, 1, report.Players)
	assert.Len(t, report.Details, 2)
}
