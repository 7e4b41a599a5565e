package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/metrics"
	"github.com/mythosmud/server/internal/world"
)

var (
	ErrMaxConnections  = errors.New("connection: max_connections_exceeded")
	ErrSessionConflict = errors.New("connection: player_session_conflict")
	ErrShuttingDown    = errors.New("connection: manager is shutting down")
)

// Presence is the per-player presence state.
type Presence string

const (
	PresenceOffline     Presence = "OFFLINE"
	PresenceProvisional Presence = "PROVISIONAL_ONLINE"
	PresenceOnline      Presence = "ONLINE"
	PresenceGrace       Presence = "GRACE"
)

// playerState is all per-player connection state, guarded by its own
// lock so per-player work never contends on the global index.
type playerState struct {
	mu        sync.Mutex
	playerID  string
	name      string
	admin     bool
	sessionID string
	conns     []*Conn
	presence  Presence
	replacing bool

	loginTimer *time.Timer
	graceTimer *time.Timer
}

// Despawner removes a player from the world when their presence ends
// and reports the room they vacated. It must serialize against
// in-flight movement for the same player. *movement.Service satisfies
// it.
type Despawner interface {
	Despawn(ctx context.Context, playerID string) string
}

// Manager owns every connection and the per-player presence state
// machine: OFFLINE -> PROVISIONAL_ONLINE -> ONLINE -> GRACE ->
// OFFLINE. player_connected is emitted only after the login grace
// period, player_disconnected only after the disconnect grace period,
// so rapid reconnects produce no presence churn.
type Manager struct {
	cfg     config.ConnectionConfig
	pub     events.Publisher
	catalog *world.Catalog
	despawn Despawner

	mu      sync.RWMutex
	players map[string]*playerState
	conns   map[string]*Conn
	closed  bool

	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(cfg config.ConnectionConfig, pub events.Publisher, catalog *world.Catalog, despawn Despawner) *Manager {
	return &Manager{
		cfg:       cfg,
		pub:       pub,
		catalog:   catalog,
		despawn:   despawn,
		players:   make(map[string]*playerState),
		conns:     make(map[string]*Conn),
		sweepStop: make(chan struct{}),
	}
}

// Attach registers a new connection for a player. A session id that
// differs from the player's active session closes every prior-session
// connection with reason new_game_session in one sweep; the player
// stays logically online throughout.
func (m *Manager) Attach(playerID, name string, admin bool, sessionID string, transport Transport) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	ps, ok := m.players[playerID]
	if !ok {
		ps = &playerState{playerID: playerID, presence: PresenceOffline}
		m.players[playerID] = ps
	}
	m.mu.Unlock()

	ps.mu.Lock()
	if ps.replacing {
		ps.mu.Unlock()
		return nil, ErrSessionConflict
	}

	var prior []*Conn
	if ps.sessionID != "" && ps.sessionID != sessionID {
		prior = make([]*Conn, len(ps.conns))
		copy(prior, ps.conns)
		ps.replacing = true
	} else if len(ps.conns) >= m.cfg.MaxConnectionsPerPlayer {
		ps.mu.Unlock()
		return nil, ErrMaxConnections
	}

	ps.sessionID = sessionID
	ps.name = name
	ps.admin = admin

	conn := newConn(playerID, sessionID, transport, m.cfg.OutboundQueueSize)
	ps.conns = append(ps.conns, conn)

	switch ps.presence {
	case PresenceOffline:
		ps.presence = PresenceProvisional
		ps.loginTimer = time.AfterFunc(m.cfg.LoginGracePeriod, func() {
			m.loginGraceExpired(ps)
		})
	case PresenceGrace:
		// Reattach within the grace window: the transient offline
		// stays invisible.
		if ps.graceTimer != nil {
			ps.graceTimer.Stop()
			ps.graceTimer = nil
		}
		ps.presence = PresenceOnline
	}
	ps.mu.Unlock()

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	for _, old := range prior {
		m.Detach(old.ID, CloseNewGameSession)
	}
	if prior != nil {
		ps.mu.Lock()
		ps.replacing = false
		ps.mu.Unlock()
	}

	conn.Open()
	metrics.ConnectionsActive.WithLabelValues(string(transport)).Inc()
	slog.Info("connection: attached",
		"connectionId", conn.ID,
		"playerId", playerID,
		"transport", transport,
		"replacedSession", prior != nil,
	)
	return conn, nil
}

// Detach removes a connection. Idempotent: detaching an unknown or
// already-detached connection is a no-op. When the player's last
// connection goes away the disconnect grace period starts; only its
// expiry emits player_disconnected.
func (m *Manager) Detach(connID string, reason CloseReason) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	ps := m.players[conn.PlayerID]
	m.mu.Unlock()

	conn.Close(reason)
	// The gauge pairs with index insertion in Attach, not with Close:
	// a connection may close itself (slow consumer) before Detach.
	metrics.ConnectionsActive.WithLabelValues(string(conn.Transport)).Dec()
	slog.Info("connection: detached", "connectionId", connID, "playerId", conn.PlayerID, "reason", conn.Reason())

	if ps == nil {
		return
	}

	ps.mu.Lock()
	removed := false
	for i, c := range ps.conns {
		if c.ID == connID {
			ps.conns = append(ps.conns[:i], ps.conns[i+1:]...)
			removed = true
			break
		}
	}
	if removed && len(ps.conns) == 0 {
		switch ps.presence {
		case PresenceProvisional:
			// Never became online; emit nothing.
			if ps.loginTimer != nil {
				ps.loginTimer.Stop()
				ps.loginTimer = nil
			}
			ps.presence = PresenceOffline
		case PresenceOnline:
			ps.presence = PresenceGrace
			ps.graceTimer = time.AfterFunc(m.cfg.DisconnectGracePeriod, func() {
				m.graceExpired(ps)
			})
		}
	}
	ps.mu.Unlock()
}

func (m *Manager) loginGraceExpired(ps *playerState) {
	ps.mu.Lock()
	if ps.presence != PresenceProvisional || len(ps.conns) == 0 {
		ps.mu.Unlock()
		return
	}
	ps.presence = PresenceOnline
	ps.loginTimer = nil
	playerID, name, admin := ps.playerID, ps.name, ps.admin
	ps.mu.Unlock()

	metrics.PlayersOnline.Inc()

	ev := events.New(events.TopicPlayerConnected)
	ev.PlayerID = playerID
	ev.Data = map[string]any{"name": name, "is_admin": admin}
	m.pub.Publish(ev)
}

func (m *Manager) graceExpired(ps *playerState) {
	ps.mu.Lock()
	if ps.presence != PresenceGrace || len(ps.conns) > 0 {
		ps.mu.Unlock()
		return
	}
	ps.presence = PresenceOffline
	ps.graceTimer = nil
	playerID := ps.playerID
	ps.mu.Unlock()

	metrics.PlayersOnline.Dec()
	roomID := m.removePresence(playerID)

	ev := events.New(events.TopicPlayerDisconnected)
	ev.PlayerID = playerID
	ev.RoomID = roomID
	m.pub.Publish(ev)
}

// removePresence takes the player out of the world and returns the
// room they vacated. The despawner holds the per-player movement lock,
// so presence removal can never interleave with an in-flight move and
// strand the player in a room's occupant set.
func (m *Manager) removePresence(playerID string) string {
	return m.despawn.Despawn(context.Background(), playerID)
}

// DeliveryReport describes one send_to_player call.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    []string // connection ids
}

// SendToPlayer enqueues the envelope on every connection the player
// has. The connection list is snapshotted under the player lock;
// enqueues happen outside it. Failure on one transport does not
// affect the others.
func (m *Manager) SendToPlayer(playerID string, env events.Envelope) DeliveryReport {
	m.mu.RLock()
	ps := m.players[playerID]
	m.mu.RUnlock()
	if ps == nil {
		return DeliveryReport{}
	}

	ps.mu.Lock()
	conns := make([]*Conn, len(ps.conns))
	copy(conns, ps.conns)
	ps.mu.Unlock()

	report := DeliveryReport{Attempted: len(conns)}
	for _, conn := range conns {
		if conn.Enqueue(env) {
			report.Delivered++
			metrics.MessagesSent.WithLabelValues(string(conn.Transport)).Inc()
		} else {
			report.Failed = append(report.Failed, conn.ID)
		}
	}
	return report
}

// BroadcastToRoom delivers to the room's occupant set at call time.
func (m *Manager) BroadcastToRoom(roomID string, env events.Envelope, excludePlayerID string) {
	room, ok := m.catalog.Room(roomID)
	if !ok {
		return
	}
	for _, playerID := range room.Players() {
		if playerID == excludePlayerID {
			continue
		}
		m.SendToPlayer(playerID, env)
	}
}

// BroadcastToZone delivers to every player whose current room is in
// the zone.
func (m *Manager) BroadcastToZone(zoneID string, env events.Envelope, excludePlayerID string) {
	for _, room := range m.catalog.RoomsInZone(zoneID) {
		for _, playerID := range room.Players() {
			if playerID == excludePlayerID {
				continue
			}
			m.SendToPlayer(playerID, env)
		}
	}
}

// BroadcastToSubZone delivers to every player whose current room is
// in the zone's sub-zone.
func (m *Manager) BroadcastToSubZone(zoneID, subZoneID string, env events.Envelope, excludePlayerID string) {
	for _, room := range m.catalog.RoomsInSubZone(zoneID, subZoneID) {
		for _, playerID := range room.Players() {
			if playerID == excludePlayerID {
				continue
			}
			m.SendToPlayer(playerID, env)
		}
	}
}

// BroadcastToAll delivers to every player with at least one
// connection.
func (m *Manager) BroadcastToAll(env events.Envelope, excludePlayerID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.players))
	for playerID := range m.players {
		ids = append(ids, playerID)
	}
	m.mu.RUnlock()

	for _, playerID := range ids {
		if playerID == excludePlayerID {
			continue
		}
		m.SendToPlayer(playerID, env)
	}
}

// PresenceOf returns a player's presence state.
func (m *Manager) PresenceOf(playerID string) Presence {
	m.mu.RLock()
	ps := m.players[playerID]
	m.mu.RUnlock()
	if ps == nil {
		return PresenceOffline
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.presence
}

// SessionOf returns a player's active session id.
func (m *Manager) SessionOf(playerID string) string {
	m.mu.RLock()
	ps := m.players[playerID]
	m.mu.RUnlock()
	if ps == nil {
		return ""
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessionID
}

// KickPlayer closes every connection a player has. Used by admin
// tooling.
func (m *Manager) KickPlayer(playerID string, reason CloseReason) int {
	m.mu.RLock()
	ps := m.players[playerID]
	m.mu.RUnlock()
	if ps == nil {
		return 0
	}
	ps.mu.Lock()
	conns := make([]*Conn, len(ps.conns))
	copy(conns, ps.conns)
	ps.mu.Unlock()

	for _, conn := range conns {
		m.Detach(conn.ID, reason)
	}
	return len(conns)
}

// StartSweeper runs the periodic health sweep.
func (m *Manager) StartSweeper() {
	m.sweepWg.Add(1)
	go func() {
		defer m.sweepWg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep prunes idle and over-age connections and flags stale ones.
func (m *Manager) sweep() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		switch {
		case conn.IdleFor() > m.cfg.ConnectionTimeout:
			slog.Info("connection: pruning idle connection", "connectionId", conn.ID, "playerId", conn.PlayerID, "idle", conn.IdleFor().String())
			m.Detach(conn.ID, CloseConnectionTimeout)
		case conn.Age() > m.cfg.MaxConnectionAge:
			slog.Info("connection: recycling long-lived connection", "connectionId", conn.ID, "playerId", conn.PlayerID, "age", conn.Age().String())
			m.Detach(conn.ID, CloseStalePrune)
		case conn.IdleFor() > m.cfg.StaleIdleThreshold:
			conn.markIdle()
		}
	}
}

// Shutdown closes every connection and emits player_disconnected for
// every player who was online, without waiting for grace periods.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	players := make([]*playerState, 0, len(m.players))
	for _, ps := range m.players {
		players = append(players, ps)
	}
	m.mu.Unlock()

	close(m.sweepStop)
	m.sweepWg.Wait()

	for _, conn := range conns {
		m.Detach(conn.ID, CloseShutdown)
	}

	for _, ps := range players {
		ps.mu.Lock()
		if ps.loginTimer != nil {
			ps.loginTimer.Stop()
		}
		if ps.graceTimer != nil {
			ps.graceTimer.Stop()
		}
		wasOnline := ps.presence == PresenceOnline || ps.presence == PresenceGrace
		ps.presence = PresenceOffline
		playerID := ps.playerID
		ps.mu.Unlock()

		if wasOnline {
			metrics.PlayersOnline.Dec()
			roomID := m.removePresence(playerID)
			ev := events.New(events.TopicPlayerDisconnected)
			ev.PlayerID = playerID
			ev.RoomID = roomID
			m.pub.Publish(ev)
		}
	}
	slog.Info("connection: manager shut down", "connectionsClosed", len(conns))
}
