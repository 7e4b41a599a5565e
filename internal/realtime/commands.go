package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/metrics"
)

var (
	ErrUnknownCommand = errors.New("realtime: unknown command type")
	ErrNotAuthorized  = errors.New("realtime: admin privileges required")
	ErrNotInWorld     = errors.New("realtime: player is not in the world")
	ErrEmptyMessage   = errors.New("realtime: message is empty")
	ErrMessageTooLong = errors.New("realtime: message too long")
	ErrRateLimited    = errors.New("realtime: rate limit exceeded")
	ErrUnknownTarget  = errors.New("realtime: unknown target player")
	ErrMissingField   = errors.New("realtime: missing command field")
)

const maxChatMessage = 1024

// Command is a player action received over either transport. Type
// selects the action; the remaining fields are per-type.
type Command struct {
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	Message   string `json:"message,omitempty"`
	Target    string `json:"target,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

// HandleCommand executes one command for a player and returns its
// result payload. Errors are safe to surface to the client verbatim.
func (s *Service) HandleCommand(ctx context.Context, playerID string, admin bool, cmd Command) (any, error) {
	switch cmd.Type {
	case "ping":
		return map[string]any{"type": "pong", "server_ts": time.Now().UTC()}, nil

	case "move":
		if cmd.Direction == "" {
			return nil, ErrMissingField
		}
		room, err := s.moves.Move(ctx, playerID, cmd.Direction)
		if err != nil {
			return nil, err
		}
		return s.roomView(room), nil

	case "look":
		entry, ok := s.roster.Get(playerID)
		if !ok {
			return nil, ErrNotInWorld
		}
		room, ok := s.catalog.Room(entry.RoomID)
		if !ok {
			return nil, ErrNotInWorld
		}
		return s.roomView(room), nil

	case "say":
		return s.sendChat(playerID, ChannelSay, cmd.Message, "")
	case "local":
		return s.sendChat(playerID, ChannelLocal, cmd.Message, "")
	case "zone":
		return s.sendChat(playerID, ChannelZone, cmd.Message, "")
	case "subzone":
		return s.sendChat(playerID, ChannelSubZone, cmd.Message, "")
	case "global":
		return s.sendChat(playerID, ChannelGlobal, cmd.Message, "")
	case "whisper":
		if cmd.Target == "" {
			return nil, ErrMissingField
		}
		return s.sendChat(playerID, ChannelWhisper, cmd.Message, cmd.Target)

	case "teleport":
		if !admin {
			return nil, ErrNotAuthorized
		}
		if cmd.RoomID == "" {
			return nil, ErrMissingField
		}
		target := cmd.Target
		if target == "" {
			target = playerID
		}
		room, err := s.moves.Teleport(ctx, target, cmd.RoomID)
		if err != nil {
			return nil, err
		}
		return s.roomView(room), nil

	case "admin_broadcast":
		if !admin {
			return nil, ErrNotAuthorized
		}
		message := strings.TrimSpace(cmd.Message)
		if message == "" {
			return nil, ErrEmptyMessage
		}
		ev := events.New(events.TopicAdminBroadcast)
		ev.PlayerID = playerID
		ev.Data = map[string]any{"message": message}
		s.pub.Publish(ev)
		return map[string]any{"sent": true}, nil

	case "kick":
		if !admin {
			return nil, ErrNotAuthorized
		}
		if cmd.Target == "" {
			return nil, ErrMissingField
		}
		n := s.cast.KickPlayer(cmd.Target, connection.CloseAdminKick)
		return map[string]any{"connections_closed": n}, nil

	case "freeze", "unfreeze":
		if !admin {
			return nil, ErrNotAuthorized
		}
		if cmd.Target == "" {
			return nil, ErrMissingField
		}
		frozen := cmd.Type == "freeze"
		if !s.roster.SetImmobilized(cmd.Target, frozen) {
			return nil, ErrUnknownTarget
		}
		return map[string]any{"target": cmd.Target, "frozen": frozen}, nil

	default:
		return nil, ErrUnknownCommand
	}
}

func (s *Service) sendChat(playerID string, channel Channel, message, targetID string) (any, error) {
	entry, ok := s.roster.Get(playerID)
	if !ok {
		return nil, ErrNotInWorld
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if len(message) > maxChatMessage {
		return nil, ErrMessageTooLong
	}
	if channel == ChannelWhisper {
		if _, ok := s.roster.Get(targetID); !ok {
			return nil, ErrUnknownTarget
		}
	}
	if !s.limiter.Allow(playerID, channel) {
		metrics.ChatRateLimited.WithLabelValues(string(channel)).Inc()
		return nil, ErrRateLimited
	}

	ev := events.New(events.TopicChatMessage)
	ev.PlayerID = playerID
	if room, ok := s.catalog.Room(entry.RoomID); ok {
		ev.RoomID = room.ID
		ev.ZoneID = room.ZoneID
		ev.SubZoneID = room.SubZoneID
	}
	ev.Data = map[string]any{
		"channel":   string(channel),
		"message":   message,
		"from_name": entry.Name,
	}
	if targetID != "" {
		ev.Data["target_id"] = targetID
	}
	s.pub.Publish(ev)
	metrics.ChatMessages.WithLabelValues(string(channel)).Inc()
	return map[string]any{"sent": true, "channel": string(channel)}, nil
}
