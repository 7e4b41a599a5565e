package world

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/mythosmud/server/internal/events"
)

//go:embed data/*.json
var zoneFiles embed.FS

var (
	ErrRoomNotFound    = errors.New("world: room not found")
	ErrPlayerNotInRoom = errors.New("world: player not in room")
)

// zoneFile is the on-disk zone format.
type zoneFile struct {
	ZoneID   string `json:"zone_id"`
	SubZones []struct {
		SubZoneID string     `json:"sub_zone_id"`
		Rooms     []roomFile `json:"rooms"`
	} `json:"sub_zones"`
}

type roomFile struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Exits       map[string]string `json:"exits"`
}

// Catalog holds every room, loaded once at startup from the embedded
// zone files and indexed by zone and sub-zone. The room set is fixed
// for the life of the process; only occupancy changes.
type Catalog struct {
	rooms     map[string]*Room
	byZone    map[string][]*Room
	bySubZone map[string][]*Room
	pub       events.Publisher
}

// NewCatalog loads the embedded zone files.
func NewCatalog(pub events.Publisher) (*Catalog, error) {
	c := &Catalog{
		rooms:     make(map[string]*Room),
		byZone:    make(map[string][]*Room),
		bySubZone: make(map[string][]*Room),
		pub:       pub,
	}

	entries, err := fs.ReadDir(zoneFiles, "data")
	if err != nil {
		return nil, fmt.Errorf("world: read zone directory: %w", err)
	}

	for _, entry := range entries {
		raw, err := zoneFiles.ReadFile("data/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("world: read zone file %s: %w", entry.Name(), err)
		}
		var zf zoneFile
		if err := json.Unmarshal(raw, &zf); err != nil {
			return nil, fmt.Errorf("world: parse zone file %s: %w", entry.Name(), err)
		}
		if err := c.addZone(zf); err != nil {
			return nil, fmt.Errorf("world: zone file %s: %w", entry.Name(), err)
		}
	}

	slog.Info("world: catalog loaded", "zones", len(c.byZone), "rooms", len(c.rooms))
	return c, nil
}

func (c *Catalog) addZone(zf zoneFile) error {
	if zf.ZoneID == "" {
		return errors.New("zone_id is empty")
	}
	for _, sz := range zf.SubZones {
		for _, rf := range sz.Rooms {
			if rf.ID == "" {
				return fmt.Errorf("room without id in sub-zone %s", sz.SubZoneID)
			}
			if _, dup := c.rooms[rf.ID]; dup {
				return fmt.Errorf("duplicate room id %s", rf.ID)
			}
			room := NewRoom(rf.ID, rf.Name, rf.Description, zf.ZoneID, sz.SubZoneID, rf.Exits, c.pub)
			c.rooms[rf.ID] = room
			c.byZone[zf.ZoneID] = append(c.byZone[zf.ZoneID], room)
			subKey := zf.ZoneID + "/" + sz.SubZoneID
			c.bySubZone[subKey] = append(c.bySubZone[subKey], room)
		}
	}
	return nil
}

// Room returns a room by id.
func (c *Catalog) Room(id string) (*Room, bool) {
	room, ok := c.rooms[id]
	return room, ok
}

// RoomsInZone returns every room in a zone.
func (c *Catalog) RoomsInZone(zoneID string) []*Room {
	return c.byZone[zoneID]
}

// RoomsInSubZone returns every room in a zone's sub-zone.
func (c *Catalog) RoomsInSubZone(zoneID, subZoneID string) []*Room {
	return c.bySubZone[zoneID+"/"+subZoneID]
}

// Count returns the number of rooms in the catalog.
func (c *Catalog) Count() int {
	return len(c.rooms)
}

// Transfer atomically moves a player between rooms. Both room locks
// are taken in room-id order so concurrent transfers touching the
// same pair cannot deadlock. The leave event is always published
// before the enter event. Returns ErrPlayerNotInRoom when the player
// is no longer in the source room by the time the locks are held.
func (c *Catalog) Transfer(fromID, toID, playerID string) error {
	from, ok := c.rooms[fromID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, fromID)
	}
	to, ok := c.rooms[toID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, toID)
	}
	if from == to {
		return nil
	}

	first, second := from, to
	if second.ID < first.ID {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	if !from.hasPlayerLocked(playerID) {
		second.mu.Unlock()
		first.mu.Unlock()
		return fmt.Errorf("%w: player %s not in room %s", ErrPlayerNotInRoom, playerID, fromID)
	}
	from.removePlayerLocked(playerID)
	to.addPlayerLocked(playerID)

	second.mu.Unlock()
	first.mu.Unlock()

	from.emitPlayer(events.TopicPlayerLeftRoom, playerID)
	to.emitPlayer(events.TopicPlayerEnteredRoom, playerID)
	return nil
}
