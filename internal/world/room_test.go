package world

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mythosmud/server/internal/events"
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

func (p *capturePub) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturePub) topics() []events.Topic {
	var out []events.Topic
	for _, ev := range p.all() {
		out = append(out, ev.Topic)
	}
	return out
}

func testRoom(pub events.Publisher) *Room {
	return NewRoom(
		"earth_arkham_northside_derby_high",
		"Intersection of Derby and High",
		"",
		"earth_arkham",
		"northside",
		map[string]string{"north": "earth_arkham_northside_high_lane"},
		pub,
	)
}

func TestPlayerEnteredEmitsOnlyOnTransition(t *testing.T) {
	pub := &capturePub{}
	room := testRoom(pub)

	assert.True(t, room.PlayerEntered("player-1"))
	assert.False(t, room.PlayerEntered("player-1"), "duplicate enter is a no-op")

	evs := pub.all()
	assert.Len(t, evs, 1)
	assert.Equal(t, events.TopicPlayerEnteredRoom, evs[0].Topic)
	assert.Equal(t, "player-1", evs[0].PlayerID)
	assert.Equal(t, room.ID, evs[0].RoomID)
	assert.Equal(t, "earth_arkham", evs[0].ZoneID)
	assert.Equal(t, "northside", evs[0].SubZoneID)
}

func TestPlayerLeftAbsentIsNoOp(t *testing.T) {
	pub := &capturePub{}
	room := testRoom(pub)

	assert.False(t, room.PlayerLeft("player-1"))
	assert.Empty(t, pub.all())

	room.PlayerEntered("player-1")
	assert.True(t, room.PlayerLeft("player-1"))
	assert.Equal(t, []events.Topic{events.TopicPlayerEnteredRoom, events.TopicPlayerLeftRoom}, pub.topics())
}

func TestNPCAndObjectTransitions(t *testing.T) {
	pub := &capturePub{}
	room := testRoom(pub)

	assert.True(t, room.NPCEntered("npc-cultist"))
	assert.False(t, room.NPCEntered("npc-cultist"))
	assert.True(t, room.ObjectAdded("obj-lantern"))
	assert.True(t, room.ObjectRemoved("obj-lantern"))
	assert.False(t, room.ObjectRemoved("obj-lantern"))
	assert.True(t, room.NPCLeft("npc-cultist"))

	assert.Equal(t, []events.Topic{
		events.TopicNPCEnteredRoom,
		events.TopicObjectAdded,
		events.TopicObjectRemoved,
		events.TopicNPCLeftRoom,
	}, pub.topics())

	evs := pub.all()
	assert.Equal(t, "npc-cultist", evs[0].Data["npc_id"])
	assert.Equal(t, "obj-lantern", evs[1].Data["object_id"])
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	room := testRoom(nil)
	room.PlayerEntered("zed")
	room.PlayerEntered("abel")
	room.NPCEntered("npc-1")

	snap := room.Snapshot()
	assert.Equal(t, []string{"abel", "zed"}, snap.Players)
	assert.Equal(t, []string{"npc-1"}, snap.NPCs)
	assert.Empty(t, snap.Objects)

	assert.Equal(t, []string{"abel", "zed"}, room.Players())
	assert.Equal(t, 2, room.PlayerCount())
}

func TestExits(t *testing.T) {
	room := testRoom(nil)

	dest, ok := room.ExitTo("north")
	assert.True(t, ok)
	assert.Equal(t, "earth_arkham_northside_high_lane", dest)

	_, ok = room.ExitTo("down")
	assert.False(t, ok)

	exits := room.Exits()
	exits["hacked"] = "nowhere"
	_, ok = room.ExitTo("hacked")
	assert.False(t, ok, "Exits returns a copy")
}
