package world

import "sync"

// RosterEntry is the runtime record for a player known to this
// instance: where they are and who they are. This is authoritative
// for the session; the repository only sees periodic persistence.
type RosterEntry struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	RoomID   string `json:"room_id"`
	Admin    bool   `json:"admin"`
	// Immobilized marks a state that forbids movement (stunned,
	// restrained by an admin). Movement validation rejects these.
	Immobilized bool `json:"immobilized,omitempty"`
}

// Roster tracks players currently known to this instance.
type Roster struct {
	mu      sync.RWMutex
	players map[string]RosterEntry
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{players: make(map[string]RosterEntry)}
}

// Put adds or replaces a player's entry.
func (r *Roster) Put(entry RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[entry.PlayerID] = entry
}

// Remove deletes a player's entry.
func (r *Roster) Remove(playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, playerID)
}

// Get returns a player's entry.
func (r *Roster) Get(playerID string) (RosterEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.players[playerID]
	return entry, ok
}

// SetRoom updates a player's recorded room. Returns false when the
// player is unknown.
func (r *Roster) SetRoom(playerID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.players[playerID]
	if !ok {
		return false
	}
	entry.RoomID = roomID
	r.players[playerID] = entry
	return true
}

// SetImmobilized flips a player's movement-forbidding state. Returns
// false when the player is unknown.
func (r *Roster) SetImmobilized(playerID string, immobilized bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.players[playerID]
	if !ok {
		return false
	}
	entry.Immobilized = immobilized
	r.players[playerID] = entry
	return true
}

// Count returns the number of tracked players.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// All returns a copy of every entry.
func (r *Roster) All() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RosterEntry, 0, len(r.players))
	for _, entry := range r.players {
		out = append(out, entry)
	}
	return out
}
