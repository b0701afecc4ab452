package relay

import "github.com/rs/zerolog"

// Hub fans an event out to every connection registered in a room.
// Delivery order across members is unspecified; delivery always happens
// after persistence and cache update for the message being broadcast.
type Hub struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewHub(registry *Registry, logger zerolog.Logger) *Hub {
	return &Hub{registry: registry, logger: logger}
}

func (h *Hub) Broadcast(room, event string, data any) {
	h.broadcast(room, event, data, "")
}

// BroadcastExcept skips every connection whose last claimed sender
// matches exceptSenderID. Used for moderation notices, which go to the
// rest of the room but not the limited user.
func (h *Hub) BroadcastExcept(room, exceptSenderID, event string, data any) {
	h.broadcast(room, event, data, exceptSenderID)
}

func (h *Hub) broadcast(room, event string, data any, exceptSenderID string) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Str("room", room).
			Msg("encode broadcast failed")
		return
	}

	for _, member := range h.registry.Members(room) {
		if exceptSenderID != "" && member.SenderID() == exceptSenderID {
			continue
		}
		if !member.push(frame) {
			h.logger.Debug().Str("conn", member.ID()).Str("room", room).
				Msg("member unreachable, skipping delivery")
		}
	}
}
