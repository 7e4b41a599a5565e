package realtime

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/mythosmud/server/internal/config"
)

// Channel is a chat channel kind. say and local are room-scoped,
// zone and subzone follow the player's current area, whisper targets
// one player, global reaches everyone.
type Channel string

const (
	ChannelSay     Channel = "say"
	ChannelLocal   Channel = "local"
	ChannelZone    Channel = "zone"
	ChannelSubZone Channel = "subzone"
	ChannelWhisper Channel = "whisper"
	ChannelGlobal  Channel = "global"
)

// ChatLimiter enforces per-player per-channel message rates. Limits
// are configured in messages per minute; zero disables the limit for
// that channel.
type ChatLimiter struct {
	cfg config.ChatConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewChatLimiter creates a limiter from the configured rates.
func NewChatLimiter(cfg config.ChatConfig) *ChatLimiter {
	return &ChatLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the player may send on the channel now.
func (l *ChatLimiter) Allow(playerID string, channel Channel) bool {
	perMinute := l.limitFor(channel)
	if perMinute <= 0 {
		return true
	}

	key := playerID + ":" + string(channel)

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		burst := perMinute / 6
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perMinute)/60, burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Forget drops a player's limiter state, freeing it when the player
// goes offline.
func (l *ChatLimiter) Forget(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range []Channel{ChannelSay, ChannelLocal, ChannelZone, ChannelSubZone, ChannelWhisper, ChannelGlobal} {
		delete(l.limiters, playerID+":"+string(ch))
	}
}

func (l *ChatLimiter) limitFor(channel Channel) int {
	switch channel {
	case ChannelSay:
		return l.cfg.SayPerMinute
	case ChannelLocal:
		return l.cfg.LocalPerMinute
	case ChannelZone:
		return l.cfg.ZonePerMinute
	case ChannelSubZone:
		return l.cfg.SubZonePerMinute
	case ChannelWhisper:
		return l.cfg.WhisperPerMinute
	case ChannelGlobal:
		return l.cfg.GlobalPerMinute
	default:
		return 0
	}
}
