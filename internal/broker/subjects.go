package broker

import (
	"fmt"
	"strings"

	"github.com/mythosmud/server/internal/events"
)

const (
	maxSubjectLength = 255
	maxWildcards     = 2
)

// ValidateSubject checks a subject against the broker grammar:
// dot-separated tokens, where "*" matches one token and ">" matches
// the rest of the subject. A subject may not be entirely wildcards,
// may not start with a wildcard, and may carry at most two wildcards.
// Strict mode additionally restricts token characters to lowercase
// alphanumerics, "_" and "-".
func ValidateSubject(subject string, strict bool) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}
	if len(subject) > maxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrInvalidSubject, maxSubjectLength)
	}

	tokens := strings.Split(subject, ".")
	wildcards := 0

	for i, tok := range tokens {
		switch tok {
		case "":
			return fmt.Errorf("%w: empty token in %q", ErrInvalidSubject, subject)
		case "*":
			wildcards++
		case ">":
			wildcards++
			if i != len(tokens)-1 {
				return fmt.Errorf("%w: %q must be the final token in %q", ErrInvalidSubject, ">", subject)
			}
		default:
			if strings.ContainsAny(tok, "*>") {
				return fmt.Errorf("%w: wildcard inside token %q", ErrInvalidSubject, tok)
			}
			if strict && !validStrictToken(tok) {
				return fmt.Errorf("%w: token %q not allowed in strict mode", ErrInvalidSubject, tok)
			}
		}
	}

	if wildcards == len(tokens) {
		return fmt.Errorf("%w: all-wildcard subject %q", ErrInvalidSubject, subject)
	}
	if tokens[0] == "*" || tokens[0] == ">" {
		return fmt.Errorf("%w: subject %q starts with a wildcard", ErrInvalidSubject, subject)
	}
	if wildcards > maxWildcards {
		return fmt.Errorf("%w: subject %q has more than %d wildcards", ErrInvalidSubject, subject, maxWildcards)
	}

	return nil
}

func validStrictToken(tok string) bool {
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// GroupKey returns the batching group for a subject: its first two
// tokens. Subjects with one token are their own group.
func GroupKey(subject string) string {
	first := strings.IndexByte(subject, '.')
	if first < 0 {
		return subject
	}
	second := strings.IndexByte(subject[first+1:], '.')
	if second < 0 {
		return subject
	}
	return subject[:first+1+second]
}

// Subject builders. All cross-instance traffic uses these so the
// grammar stays in one place.

// PlayerEventSubject addresses every instance interested in a
// player-scoped event topic.
func PlayerEventSubject(topic events.Topic) string {
	return "events.player." + string(topic)
}

// RoomEventSubject addresses a room-scoped event topic.
func RoomEventSubject(roomID string, topic events.Topic) string {
	return "events.room." + roomID + "." + string(topic)
}

// ChatSaySubject scopes the say channel to a room.
func ChatSaySubject(roomID string) string {
	return "chat.say.room." + roomID
}

// ChatLocalSubject scopes the local channel to a room.
func ChatLocalSubject(roomID string) string {
	return "chat.local.room." + roomID
}

// ChatZoneSubject scopes the zone channel to a zone.
func ChatZoneSubject(zoneID string) string {
	return "chat.zone." + zoneID
}

// ChatSubZoneSubject scopes the sub-zone channel to a sub-zone.
func ChatSubZoneSubject(subZoneID string) string {
	return "chat.subzone." + subZoneID
}

// ChatWhisperSubject targets a whisper at one player.
func ChatWhisperSubject(playerID string) string {
	return "chat.whisper.player." + playerID
}

// ChatGlobalSubject is the global announce channel.
func ChatGlobalSubject() string {
	return "chat.global"
}

// AdminSubject addresses admin control messages.
func AdminSubject(action string) string {
	return "admin." + action
}
