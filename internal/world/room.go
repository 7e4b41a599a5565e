package world

import (
	"sort"
	"sync"

	"github.com/mythosmud/server/internal/events"
)

// Room tracks its own occupants behind an internal mutex. Occupancy
// events are emitted only on an actual transition: adding a player who
// is already present, or removing one who is absent, is a no-op and
// publishes nothing.
type Room struct {
	ID          string
	Name        string
	Description string
	ZoneID      string
	SubZoneID   string

	exits map[string]string // direction -> room id

	mu      sync.Mutex
	players map[string]struct{}
	npcs    map[string]struct{}
	objects map[string]struct{}

	pub events.Publisher
}

// NewRoom creates a room with the given identity and exits.
func NewRoom(id, name, description, zoneID, subZoneID string, exits map[string]string, pub events.Publisher) *Room {
	if exits == nil {
		exits = map[string]string{}
	}
	return &Room{
		ID:          id,
		Name:        name,
		Description: description,
		ZoneID:      zoneID,
		SubZoneID:   subZoneID,
		exits:       exits,
		players:     make(map[string]struct{}),
		npcs:        make(map[string]struct{}),
		objects:     make(map[string]struct{}),
		pub:         pub,
	}
}

// ExitTo returns the destination room id for a direction.
func (r *Room) ExitTo(direction string) (string, bool) {
	id, ok := r.exits[direction]
	return id, ok
}

// Exits returns the room's exits keyed by direction.
func (r *Room) Exits() map[string]string {
	out := make(map[string]string, len(r.exits))
	for dir, id := range r.exits {
		out[dir] = id
	}
	return out
}

// PlayerEntered adds a player to the room. Returns true when the
// occupancy actually changed.
func (r *Room) PlayerEntered(playerID string) bool {
	r.mu.Lock()
	added := addKey(r.players, playerID)
	r.mu.Unlock()
	if added {
		r.emitPlayer(events.TopicPlayerEnteredRoom, playerID)
	}
	return added
}

// PlayerLeft removes a player from the room. Returns true when the
// occupancy actually changed.
func (r *Room) PlayerLeft(playerID string) bool {
	r.mu.Lock()
	removed := removeKey(r.players, playerID)
	r.mu.Unlock()
	if removed {
		r.emitPlayer(events.TopicPlayerLeftRoom, playerID)
	}
	return removed
}

// HasPlayer reports whether the player occupies the room.
func (r *Room) HasPlayer(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.players[playerID]
	return ok
}

// Players returns the room's player ids, sorted for stable output.
func (r *Room) Players() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.players))
	for id := range r.players {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// PlayerCount returns the number of players in the room.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// NPCEntered adds an NPC to the room.
func (r *Room) NPCEntered(npcID string) bool {
	r.mu.Lock()
	added := addKey(r.npcs, npcID)
	r.mu.Unlock()
	if added {
		r.emitOccupant(events.TopicNPCEnteredRoom, "npc_id", npcID)
	}
	return added
}

// NPCLeft removes an NPC from the room.
func (r *Room) NPCLeft(npcID string) bool {
	r.mu.Lock()
	removed := removeKey(r.npcs, npcID)
	r.mu.Unlock()
	if removed {
		r.emitOccupant(events.TopicNPCLeftRoom, "npc_id", npcID)
	}
	return removed
}

// ObjectAdded places an object in the room.
func (r *Room) ObjectAdded(objectID string) bool {
	r.mu.Lock()
	added := addKey(r.objects, objectID)
	r.mu.Unlock()
	if added {
		r.emitOccupant(events.TopicObjectAdded, "object_id", objectID)
	}
	return added
}

// ObjectRemoved removes an object from the room.
func (r *Room) ObjectRemoved(objectID string) bool {
	r.mu.Lock()
	removed := removeKey(r.objects, objectID)
	r.mu.Unlock()
	if removed {
		r.emitOccupant(events.TopicObjectRemoved, "object_id", objectID)
	}
	return removed
}

// Occupants describes the room contents for snapshots.
type Occupants struct {
	Players []string `json:"players"`
	NPCs    []string `json:"npcs"`
	Objects []string `json:"objects"`
}

// Snapshot returns the room's occupants.
func (r *Room) Snapshot() Occupants {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Occupants{
		Players: sortedKeys(r.players),
		NPCs:    sortedKeys(r.npcs),
		Objects: sortedKeys(r.objects),
	}
}

// --- locked helpers shared with Catalog.Transfer ---

func (r *Room) hasPlayerLocked(playerID string) bool {
	_, ok := r.players[playerID]
	return ok
}

func (r *Room) addPlayerLocked(playerID string) bool {
	return addKey(r.players, playerID)
}

func (r *Room) removePlayerLocked(playerID string) bool {
	return removeKey(r.players, playerID)
}

func (r *Room) emitPlayer(topic events.Topic, playerID string) {
	if r.pub == nil {
		return
	}
	ev := events.New(topic)
	ev.PlayerID = playerID
	ev.RoomID = r.ID
	ev.ZoneID = r.ZoneID
	ev.SubZoneID = r.SubZoneID
	r.pub.Publish(ev)
}

func (r *Room) emitOccupant(topic events.Topic, key, id string) {
	if r.pub == nil {
		return
	}
	ev := events.New(topic)
	ev.RoomID = r.ID
	ev.ZoneID = r.ZoneID
	ev.SubZoneID = r.SubZoneID
	ev.Data = map[string]any{key: id}
	r.pub.Publish(ev)
}

func addKey(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

func removeKey(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
