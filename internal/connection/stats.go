package connection

// ConnInfo describes one connection for the monitoring endpoints.
type ConnInfo struct {
	ID          string  `json:"id"`
	PlayerID    string  `json:"player_id"`
	Transport   string  `json:"transport"`
	State       string  `json:"state"`
	IdleSeconds float64 `json:"idle_seconds"`
	AgeSeconds  float64 `json:"age_seconds"`
	QueueDepth  int     `json:"queue_depth"`
}

// Report is the connection-manager snapshot for the monitoring
// endpoints.
type Report struct {
	Connections int              `json:"connections"`
	ByTransport map[string]int   `json:"by_transport"`
	Players     int              `json:"players"`
	Presence    map[Presence]int `json:"presence"`
	Details     []ConnInfo       `json:"details,omitempty"`
}

// Stats snapshots the manager. Details are included only when asked
// for; they walk every connection.
func (m *Manager) Stats(includeDetails bool) Report {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	players := make([]*playerState, 0, len(m.players))
	for _, ps := range m.players {
		players = append(players, ps)
	}
	m.mu.RUnlock()

	report := Report{
		Connections: len(conns),
		ByTransport: make(map[string]int),
		Presence:    make(map[Presence]int),
	}

	for _, conn := range conns {
		report.ByTransport[string(conn.Transport)]++
		if includeDetails {
			report.Details = append(report.Details, ConnInfo{
				ID:          conn.ID,
				PlayerID:    conn.PlayerID,
				Transport:   string(conn.Transport),
				State:       conn.State().String(),
				IdleSeconds: conn.IdleFor().Seconds(),
				AgeSeconds:  conn.Age().Seconds(),
				QueueDepth:  conn.QueueDepth(),
			})
		}
	}

	for _, ps := range players {
		ps.mu.Lock()
		presence := ps.presence
		ps.mu.Unlock()
		if presence != PresenceOffline {
			report.Players++
		}
		report.Presence[presence]++
	}
	return report
}

// Healthy reports whether the manager is accepting connections.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
