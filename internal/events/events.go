package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic identifies a kind of in-process event.
type Topic string

const (
	TopicPlayerEnteredRoom  Topic = "player_entered_room"
	TopicPlayerLeftRoom     Topic = "player_left_room"
	TopicChatMessage        Topic = "chat_message"
	TopicPlayerConnected    Topic = "player_connected"
	TopicPlayerDisconnected Topic = "player_disconnected"
	TopicNPCEnteredRoom     Topic = "npc_entered_room"
	TopicNPCLeftRoom        Topic = "npc_left_room"
	TopicObjectAdded        Topic = "object_added"
	TopicObjectRemoved      Topic = "object_removed"
	TopicHPChanged          Topic = "hp_changed"
	TopicXPChanged          Topic = "xp_changed"
	TopicAdminBroadcast     Topic = "admin_broadcast"
	TopicSystem             Topic = "system"
)

// AllTopics returns every known topic. The event bus subscribes its
// dispatchers to each of these at startup.
func AllTopics() []Topic {
	return []Topic{
		TopicPlayerEnteredRoom,
		TopicPlayerLeftRoom,
		TopicChatMessage,
		TopicPlayerConnected,
		TopicPlayerDisconnected,
		TopicNPCEnteredRoom,
		TopicNPCLeftRoom,
		TopicObjectAdded,
		TopicObjectRemoved,
		TopicHPChanged,
		TopicXPChanged,
		TopicAdminBroadcast,
		TopicSystem,
	}
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	for _, known := range AllTopics() {
		if t == known {
			return true
		}
	}
	return false
}

// Priority classifies events for the bus overflow policy.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Priority returns the bus priority for the topic. Movement and
// connectivity transitions must not be silently lost; everything else
// is droppable under pressure.
func (t Topic) Priority() Priority {
	switch t {
	case TopicPlayerEnteredRoom, TopicPlayerLeftRoom,
		TopicPlayerConnected, TopicPlayerDisconnected:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

// Event is a typed notification published on the in-process bus.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Topic         Topic          `json:"topic"`
	PlayerID      string         `json:"playerId,omitempty"`
	RoomID        string         `json:"roomId,omitempty"`
	ZoneID        string         `json:"zoneId,omitempty"`
	SubZoneID     string         `json:"subZoneId,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
// time.Now carries both the wall clock and a monotonic reading, so
// ordering comparisons within the process are safe.
func New(topic Topic) Event {
	return Event{
		ID:        uuid.New(),
		Topic:     topic,
		Timestamp: time.Now(),
	}
}

// Publisher is the capability handed to components that emit events.
// Rooms and services hold this interface, never the concrete bus.
type Publisher interface {
	Publish(ev Event)
}

// FrameType is the outbound frame discriminator on both transports.
type FrameType string

const (
	FrameGameEvent FrameType = "game_event"
	FrameChat      FrameType = "chat"
	FrameSystem    FrameType = "system"
	FramePong      FrameType = "pong"
	FrameError     FrameType = "error"
)

// Envelope is the outbound message delivered to a connection. The
// connection manager treats it as opaque apart from Critical.
type Envelope struct {
	EventID  string    `json:"event_id"`
	Type     FrameType `json:"type"`
	Topic    Topic     `json:"topic,omitempty"`
	Payload  any       `json:"data,omitempty"`
	ServerTS time.Time `json:"server_ts"`

	// Critical envelopes are never dropped from a full outbound
	// queue; the connection is closed instead.
	Critical bool `json:"-"`
}

// NewEnvelope builds an envelope for an event payload.
func NewEnvelope(frame FrameType, topic Topic, payload any) Envelope {
	return Envelope{
		EventID:  uuid.New().String(),
		Type:     frame,
		Topic:    topic,
		Payload:  payload,
		ServerTS: time.Now(),
		Critical: topic == TopicPlayerDisconnected,
	}
}

// Marshal encodes the envelope to its wire form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
