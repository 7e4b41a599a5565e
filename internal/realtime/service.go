package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mythosmud/server/internal/broker"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/world"
)

// Broadcaster is the delivery capability the service needs from the
// connection layer. *connection.Manager satisfies it.
type Broadcaster interface {
	SendToPlayer(playerID string, env events.Envelope) connection.DeliveryReport
	BroadcastToRoom(roomID string, env events.Envelope, excludePlayerID string)
	BroadcastToZone(zoneID string, env events.Envelope, excludePlayerID string)
	BroadcastToSubZone(zoneID, subZoneID string, env events.Envelope, excludePlayerID string)
	BroadcastToAll(env events.Envelope, excludePlayerID string)
	KickPlayer(playerID string, reason connection.CloseReason) int
}

// Deps are the service's collaborators. Bus may be nil when Start is
// never called; Broker may be nil when the process runs without a
// message broker.
type Deps struct {
	Bus     *eventbus.Bus
	Pub     events.Publisher
	Cast    Broadcaster
	Catalog *world.Catalog
	Roster  *world.Roster
	Moves   *movement.Service
	Limiter *ChatLimiter
	Broker  *broker.Client
}

// Service turns bus events into outbound envelopes and player commands
// into bus events. It also mirrors local events onto the message broker
// and replays chat arriving from other instances, filtering out its own
// mirrored traffic by instance id.
type Service struct {
	bus     *eventbus.Bus
	pub     events.Publisher
	cast    Broadcaster
	catalog *world.Catalog
	roster  *world.Roster
	moves   *movement.Service
	limiter *ChatLimiter
	broker  *broker.Client

	instanceID string
}

// NewService creates the real-time dispatch service.
func NewService(d Deps) *Service {
	return &Service{
		bus:        d.Bus,
		pub:        d.Pub,
		cast:       d.Cast,
		catalog:    d.Catalog,
		roster:     d.Roster,
		moves:      d.Moves,
		limiter:    d.Limiter,
		broker:     d.Broker,
		instanceID: uuid.New().String(),
	}
}

// InstanceID identifies this process in mirrored broker traffic.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Start registers the service on every bus topic and, when a broker is
// configured, subscribes to cross-instance chat and admin subjects.
func (s *Service) Start() error {
	for _, topic := range events.AllTopics() {
		if _, err := s.bus.Subscribe(topic, func(ctx context.Context, ev events.Event) error {
			s.deliverLocal(ctx, ev)
			s.mirror(ev)
			return nil
		}); err != nil {
			return err
		}
	}
	return s.startBrokerConsumers()
}

// deliverLocal routes one event to the connections that should see it.
func (s *Service) deliverLocal(ctx context.Context, ev events.Event) {
	switch ev.Topic {
	case events.TopicPlayerConnected:
		s.onPlayerConnected(ctx, ev)

	case events.TopicPlayerDisconnected:
		// Presence and room occupancy are already torn down by the
		// connection manager; this announces to the room the player
		// vacated, carried on the event.
		s.limiter.Forget(ev.PlayerID)
		if ev.RoomID == "" {
			return
		}
		env := events.NewEnvelope(events.FrameSystem, ev.Topic, map[string]any{
			"player_id": ev.PlayerID,
			"room_id":   ev.RoomID,
		})
		s.cast.BroadcastToRoom(ev.RoomID, env, ev.PlayerID)

	case events.TopicPlayerEnteredRoom:
		payload := map[string]any{
			"player_id": ev.PlayerID,
			"room_id":   ev.RoomID,
		}
		if entry, ok := s.roster.Get(ev.PlayerID); ok {
			payload["name"] = entry.Name
		}
		s.cast.BroadcastToRoom(ev.RoomID, events.NewEnvelope(events.FrameGameEvent, ev.Topic, payload), ev.PlayerID)
		// The mover gets a room view instead of the third-person event.
		if room, ok := s.catalog.Room(ev.RoomID); ok {
			s.cast.SendToPlayer(ev.PlayerID, events.NewEnvelope(events.FrameGameEvent, ev.Topic, s.roomView(room)))
		}

	case events.TopicPlayerLeftRoom:
		payload := map[string]any{
			"player_id": ev.PlayerID,
			"room_id":   ev.RoomID,
		}
		if entry, ok := s.roster.Get(ev.PlayerID); ok {
			payload["name"] = entry.Name
		}
		s.cast.BroadcastToRoom(ev.RoomID, events.NewEnvelope(events.FrameGameEvent, ev.Topic, payload), ev.PlayerID)

	case events.TopicChatMessage:
		s.routeChat(ev)

	case events.TopicNPCEnteredRoom, events.TopicNPCLeftRoom,
		events.TopicObjectAdded, events.TopicObjectRemoved:
		env := events.NewEnvelope(events.FrameGameEvent, ev.Topic, map[string]any{
			"room_id": ev.RoomID,
			"data":    ev.Data,
		})
		s.cast.BroadcastToRoom(ev.RoomID, env, "")

	case events.TopicHPChanged, events.TopicXPChanged:
		// Vitals are private to the player they belong to.
		s.cast.SendToPlayer(ev.PlayerID, events.NewEnvelope(events.FrameGameEvent, ev.Topic, ev.Data))

	case events.TopicAdminBroadcast, events.TopicSystem:
		s.cast.BroadcastToAll(events.NewEnvelope(events.FrameSystem, ev.Topic, ev.Data), "")

	default:
		slog.Warn("realtime: event on unrouted topic", "topic", ev.Topic)
	}
}

func (s *Service) onPlayerConnected(ctx context.Context, ev events.Event) {
	name, _ := ev.Data["name"].(string)
	admin, _ := ev.Data["is_admin"].(bool)

	room, err := s.moves.Spawn(ctx, ev.PlayerID, name, admin)
	if err != nil {
		slog.Error("realtime: spawn failed", "playerId", ev.PlayerID, "err", err)
		return
	}

	s.cast.SendToPlayer(ev.PlayerID, events.NewEnvelope(events.FrameGameEvent, ev.Topic, s.roomView(room)))

	// Presence is announced to the spawn room only, never globally.
	announce := events.NewEnvelope(events.FrameSystem, ev.Topic, map[string]any{
		"player_id": ev.PlayerID,
		"name":      name,
		"room_id":   room.ID,
	})
	s.cast.BroadcastToRoom(room.ID, announce, ev.PlayerID)
}

func (s *Service) routeChat(ev events.Event) {
	channel, _ := ev.Data["channel"].(string)
	env := events.NewEnvelope(events.FrameChat, ev.Topic, map[string]any{
		"channel":   channel,
		"from_id":   ev.PlayerID,
		"from_name": ev.Data["from_name"],
		"message":   ev.Data["message"],
	})

	switch Channel(channel) {
	case ChannelSay, ChannelLocal:
		s.cast.BroadcastToRoom(ev.RoomID, env, "")
	case ChannelZone:
		s.cast.BroadcastToZone(ev.ZoneID, env, "")
	case ChannelSubZone:
		s.cast.BroadcastToSubZone(ev.ZoneID, ev.SubZoneID, env, "")
	case ChannelWhisper:
		target, _ := ev.Data["target_id"].(string)
		if target == "" {
			return
		}
		s.cast.SendToPlayer(target, env)
		// The sender sees their own whisper echoed.
		s.cast.SendToPlayer(ev.PlayerID, env)
	case ChannelGlobal:
		s.cast.BroadcastToAll(env, "")
	default:
		slog.Warn("realtime: chat on unknown channel", "channel", channel, "playerId", ev.PlayerID)
	}
}

// roomView is the payload a player receives on entering or spawning
// into a room.
func (s *Service) roomView(room *world.Room) map[string]any {
	return map[string]any{
		"room_id":     room.ID,
		"name":        room.Name,
		"description": room.Description,
		"zone_id":     room.ZoneID,
		"sub_zone_id": room.SubZoneID,
		"exits":       room.Exits(),
		"occupants":   room.Snapshot(),
	}
}

// remoteSchemaVersion is the version stamped on mirrored broker
// payloads. Consumers skip payloads from a newer schema.
const remoteSchemaVersion = 1

// remoteEnvelope is the broker wire format for mirrored events.
type remoteEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	InstanceID    string       `json:"instance_id"`
	Event         events.Event `json:"event"`
}

// mirror publishes the event to the message broker so other instances
// and external consumers can observe it. Best-effort: failures are
// logged and local delivery is unaffected.
func (s *Service) mirror(ev events.Event) {
	if s.broker == nil {
		return
	}
	subject := s.subjectFor(ev)
	if subject == "" {
		return
	}
	data, err := json.Marshal(remoteEnvelope{SchemaVersion: remoteSchemaVersion, InstanceID: s.instanceID, Event: ev})
	if err != nil {
		slog.Error("realtime: marshal mirrored event", "topic", ev.Topic, "err", err)
		return
	}
	if err := s.broker.Publish(subject, data); err != nil {
		slog.Warn("realtime: mirror publish failed", "subject", subject, "err", err)
	}
}

func (s *Service) subjectFor(ev events.Event) string {
	if ev.Topic == events.TopicChatMessage {
		channel, _ := ev.Data["channel"].(string)
		switch Channel(channel) {
		case ChannelSay:
			return broker.ChatSaySubject(ev.RoomID)
		case ChannelLocal:
			return broker.ChatLocalSubject(ev.RoomID)
		case ChannelZone:
			return broker.ChatZoneSubject(ev.ZoneID)
		case ChannelSubZone:
			return broker.ChatSubZoneSubject(ev.SubZoneID)
		case ChannelWhisper:
			target, _ := ev.Data["target_id"].(string)
			if target == "" {
				return ""
			}
			return broker.ChatWhisperSubject(target)
		case ChannelGlobal:
			return broker.ChatGlobalSubject()
		}
		return ""
	}
	if ev.RoomID != "" {
		return broker.RoomEventSubject(ev.RoomID, ev.Topic)
	}
	return broker.PlayerEventSubject(ev.Topic)
}

func (s *Service) startBrokerConsumers() error {
	if s.broker == nil {
		return nil
	}
	if err := s.broker.Subscribe("chat.>", s.onRemoteChat); err != nil {
		return err
	}
	return s.broker.Subscribe("admin.>", s.onRemoteAdmin)
}

// onRemoteChat replays chat mirrored by another instance to this
// instance's local connections.
func (s *Service) onRemoteChat(subject string, data []byte) {
	var env remoteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("realtime: bad remote chat payload", "subject", subject, "err", err)
		return
	}
	if env.SchemaVersion > remoteSchemaVersion {
		slog.Warn("realtime: remote chat from newer schema", "subject", subject, "version", env.SchemaVersion)
		return
	}
	if env.InstanceID == s.instanceID {
		return
	}
	if env.Event.Topic != events.TopicChatMessage {
		return
	}
	s.routeChat(env.Event)
}

// onRemoteAdmin handles admin control messages published by external
// tooling. These carry no instance id and apply to every instance.
func (s *Service) onRemoteAdmin(subject string, data []byte) {
	action := strings.TrimPrefix(subject, "admin.")
	switch action {
	case "kick":
		var req struct {
			PlayerID string `json:"player_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.PlayerID == "" {
			slog.Warn("realtime: bad admin kick payload", "err", err)
			return
		}
		n := s.cast.KickPlayer(req.PlayerID, connection.CloseAdminKick)
		slog.Info("realtime: admin kick", "playerId", req.PlayerID, "connectionsClosed", n)
	case "broadcast":
		var req struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Message == "" {
			slog.Warn("realtime: bad admin broadcast payload", "err", err)
			return
		}
		env := events.NewEnvelope(events.FrameSystem, events.TopicAdminBroadcast, map[string]any{
			"message": req.Message,
		})
		s.cast.BroadcastToAll(env, "")
	default:
		slog.Warn("realtime: unknown admin action", "subject", subject)
	}
}
