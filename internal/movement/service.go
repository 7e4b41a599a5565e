package movement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/mythosmud/server/internal/metrics"
	"github.com/mythosmud/server/internal/world"
)

var (
	ErrUnknownPlayer        = errors.New("movement: player not in world")
	ErrUnknownRoom          = errors.New("movement: unknown room")
	ErrNoExit               = errors.New("movement: no exit in that direction")
	ErrStateForbidsMovement = errors.New("movement: player state forbids movement")
	ErrConcurrentMove       = errors.New("movement: move retries exhausted")
)

// DefaultSpawnRoom receives players with no persisted location.
const DefaultSpawnRoom = "earth_arkham_northside_derby_high"

// moveRetries bounds re-validation when the player's position changes
// between validation and transfer.
const moveRetries = 3

const lockStripes = 64

// LocationStore persists player locations across sessions. Loading an
// unknown player returns "" with no error.
type LocationStore interface {
	SaveLocation(ctx context.Context, playerID, roomID string) error
	LoadLocation(ctx context.Context, playerID string) (string, error)
}

// Service validates and executes movement. All position changes for a
// player are serialized through a striped lock keyed by player id, so
// two commands racing for the same player cannot interleave their
// validate-then-transfer sequences.
type Service struct {
	catalog *world.Catalog
	roster  *world.Roster
	store   LocationStore

	locks [lockStripes]sync.Mutex
}

// NewService creates a movement service. store may be nil; locations
// are then session-only.
func NewService(catalog *world.Catalog, roster *world.Roster, store LocationStore) *Service {
	return &Service{catalog: catalog, roster: roster, store: store}
}

func (s *Service) lockFor(playerID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Move moves a player through an exit of their current room. On
// success the destination room is returned.
func (s *Service) Move(ctx context.Context, playerID, direction string) (*world.Room, error) {
	lock := s.lockFor(playerID)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := s.roster.Get(playerID)
	if !ok {
		metrics.MovesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrUnknownPlayer
	}
	if entry.Immobilized {
		metrics.MovesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrStateForbidsMovement
	}

	for attempt := 0; attempt < moveRetries; attempt++ {
		from, ok := s.catalog.Room(entry.RoomID)
		if !ok {
			metrics.MovesTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, entry.RoomID)
		}
		destID, ok := from.ExitTo(direction)
		if !ok {
			metrics.MovesTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: %s from %s", ErrNoExit, direction, from.ID)
		}
		dest, ok := s.catalog.Room(destID)
		if !ok {
			metrics.MovesTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: exit %s of %s points at %s", ErrUnknownRoom, direction, from.ID, destID)
		}

		err := s.catalog.Transfer(from.ID, dest.ID, playerID)
		if errors.Is(err, world.ErrPlayerNotInRoom) {
			// The player's room changed underneath us; re-read and
			// validate against the new position.
			entry, ok = s.roster.Get(playerID)
			if !ok {
				metrics.MovesTotal.WithLabelValues("invalid").Inc()
				return nil, ErrUnknownPlayer
			}
			continue
		}
		if err != nil {
			metrics.MovesTotal.WithLabelValues("invalid").Inc()
			return nil, err
		}

		s.finishMove(ctx, playerID, dest.ID)
		metrics.MovesTotal.WithLabelValues("ok").Inc()
		return dest, nil
	}

	metrics.MovesTotal.WithLabelValues("retry_exhausted").Inc()
	return nil, ErrConcurrentMove
}

// ValidateMovement runs the movement checks for a destination room
// without performing the transfer: the player must be in the world and
// free to move, the destination must exist, and an exit of the
// player's current room must lead there. Moving into the current room
// is a valid no-op.
func (s *Service) ValidateMovement(playerID, toRoomID string) error {
	entry, ok := s.roster.Get(playerID)
	if !ok {
		return ErrUnknownPlayer
	}
	if entry.Immobilized {
		return ErrStateForbidsMovement
	}
	from, ok := s.catalog.Room(entry.RoomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, entry.RoomID)
	}
	if _, ok := s.catalog.Room(toRoomID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, toRoomID)
	}
	if from.ID == toRoomID {
		return nil
	}
	for _, dest := range from.Exits() {
		if dest == toRoomID {
			return nil
		}
	}
	return fmt.Errorf("%w: no exit of %s leads to %s", ErrNoExit, from.ID, toRoomID)
}

// Teleport places a player directly into a room, bypassing exit
// validation. Admin-only at the command layer.
func (s *Service) Teleport(ctx context.Context, playerID, roomID string) (*world.Room, error) {
	lock := s.lockFor(playerID)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := s.roster.Get(playerID)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	dest, ok := s.catalog.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if entry.RoomID == dest.ID {
		return dest, nil
	}

	if err := s.catalog.Transfer(entry.RoomID, dest.ID, playerID); err != nil {
		return nil, err
	}
	s.finishMove(ctx, playerID, dest.ID)
	return dest, nil
}

// Spawn places a player into the world when their session comes
// online, restoring their persisted location when one exists.
func (s *Service) Spawn(ctx context.Context, playerID, name string, admin bool) (*world.Room, error) {
	lock := s.lockFor(playerID)
	lock.Lock()
	defer lock.Unlock()

	roomID := DefaultSpawnRoom
	if s.store != nil {
		saved, err := s.store.LoadLocation(ctx, playerID)
		if err != nil {
			slog.Warn("movement: failed to load persisted location", "playerId", playerID, "err", err)
		} else if saved != "" {
			roomID = saved
		}
	}

	room, ok := s.catalog.Room(roomID)
	if !ok {
		// Persisted room no longer exists in the catalog.
		slog.Warn("movement: persisted room missing, using spawn room", "playerId", playerID, "roomId", roomID)
		room, ok = s.catalog.Room(DefaultSpawnRoom)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, DefaultSpawnRoom)
		}
	}

	s.roster.Put(world.RosterEntry{PlayerID: playerID, Name: name, RoomID: room.ID, Admin: admin})
	room.PlayerEntered(playerID)
	return room, nil
}

// Despawn removes a player from the world when their session ends and
// returns the room they vacated, or "" when they were not in the
// world. It holds the same per-player lock as Move, so a despawn can
// never interleave with an in-flight move.
func (s *Service) Despawn(ctx context.Context, playerID string) string {
	lock := s.lockFor(playerID)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := s.roster.Get(playerID)
	if !ok {
		return ""
	}
	if room, ok := s.catalog.Room(entry.RoomID); ok {
		room.PlayerLeft(playerID)
	}
	s.roster.Remove(playerID)

	if s.store != nil {
		if err := s.store.SaveLocation(ctx, playerID, entry.RoomID); err != nil {
			slog.Warn("movement: failed to persist location on despawn", "playerId", playerID, "err", err)
		}
	}
	return entry.RoomID
}

func (s *Service) finishMove(ctx context.Context, playerID, roomID string) {
	s.roster.SetRoom(playerID, roomID)
	if s.store != nil {
		if err := s.store.SaveLocation(ctx, playerID, roomID); err != nil {
			// Persistence is best-effort; the move already happened.
			slog.Warn("movement: failed to persist location", "playerId", playerID, "roomId", roomID, "err", err)
		}
	}
}
