package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhinavkale-dev/ChatPulse/internal/model"
)

// backendTimeout bounds every cache/store/limiter round trip made on
// behalf of a single inbound event.
const backendTimeout = 10 * time.Second

type HistoryCache interface {
	Get(ctx context.Context, room string) ([]model.Message, bool, error)
	Set(ctx context.Context, room string, messages []model.Message) error
	Append(ctx context.Context, room string, msg model.Message) error
}

type MessageStore interface {
	Append(room, sender, body string, user model.ChatUser) (*model.Message, error)
	ListByRoom(room string) ([]model.Message, error)
}

type UserResolver interface {
	GetByEmail(email string) (*model.User, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID, roomID string) (allowed bool, retryAfterSeconds int, newlyBlocked bool)
}

type EventPublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// Relay wires the registry, rate limiter, cache, store and fan-out
// together per inbound event. Each event handler is isolated: a failure
// drops that event, never the connection or other rooms.
type Relay struct {
	registry  *Registry
	hub       *Hub
	cache     HistoryCache
	store     MessageStore
	users     UserResolver
	limiter   RateLimiter
	publisher EventPublisher
	maxBody   int
	logger    zerolog.Logger
}

type Deps struct {
	Registry      *Registry
	Hub           *Hub
	Cache         HistoryCache
	Store         MessageStore
	Users         UserResolver
	Limiter       RateLimiter
	Publisher     EventPublisher
	MaxBodyLength int
	Logger        zerolog.Logger
}

func New(deps Deps) *Relay {
	if deps.MaxBodyLength <= 0 {
		deps.MaxBodyLength = 500
	}
	return &Relay{
		registry:  deps.Registry,
		hub:       deps.Hub,
		cache:     deps.Cache,
		store:     deps.Store,
		users:     deps.Users,
		limiter:   deps.Limiter,
		publisher: deps.Publisher,
		maxBody:   deps.MaxBodyLength,
		logger:    deps.Logger,
	}
}

// ServeConn owns the connection from join to disconnect. It joins the
// room, proactively pushes the backlog, then dispatches inbound events
// until the transport closes.
func (r *Relay) ServeConn(c *Conn) {
	defer func() {
		r.registry.Leave(c)
		c.Close()
	}()

	go c.writePump()
	c.configureRead()

	if c.Room() == "" {
		// Tolerated for administrative and monitoring connections; they
		// receive no room-scoped broadcasts.
		r.logger.Info().Str("conn", c.ID()).Msg("connection joined without a room")
	} else {
		r.registry.Join(c)
		r.pushBacklog(c, c.Room())
	}

	for {
		raw, err := c.readFrame()
		if err != nil {
			r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("connection closed")
			return
		}
		r.dispatch(c, raw)
	}
}

func (r *Relay) dispatch(c *Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("conn", c.ID()).
				Msg("event handler panicked")
		}
	}()

	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("conn", c.ID()).Msg("dropping malformed event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	switch env.Event {
	case EventFetchMessages:
		var req FetchMessagesRequest
		if err := unmarshalData(env.Data, &req); err != nil {
			r.logger.Warn().Err(err).Str("conn", c.ID()).Msg("dropping malformed fetch request")
			return
		}
		room := req.Room
		if room == "" {
			room = c.Room()
		}
		r.pushBacklog(c, room)
	case EventSendMessage:
		var req SendMessageRequest
		if err := unmarshalData(env.Data, &req); err != nil {
			r.logger.Warn().Err(err).Str("conn", c.ID()).Msg("dropping malformed send request")
			return
		}
		r.handleSend(ctx, c, &req)
	}
}

// pushBacklog delivers the ordered room history to a single connection.
// Idempotent and non-mutating; invoked proactively on join and on every
// fetch_messages request.
func (r *Relay) pushBacklog(c *Conn, room string) {
	if room == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	messages, err := r.History(ctx, room)
	if err != nil {
		r.logger.Error().Err(err).Str("room", room).Msg("backlog fetch failed")
		r.sendError(c, ErrorEvent{
			Type:    ErrorTypeFetchFailed,
			Message: "could not load room history",
		})
		return
	}
	r.sendEvent(c, EventFetchMessages, messages)
}

// History is the read-through path: cache hit wins, a miss or cache
// failure falls back to the durable store, and a healthy cache is
// repopulated after a miss.
func (r *Relay) History(ctx context.Context, room string) ([]model.Message, error) {
	cacheHealthy := true
	cached, hit, err := r.cache.Get(ctx, room)
	if err != nil {
		cacheHealthy = false
		r.logger.Warn().Err(err).Str("room", room).
			Msg("history cache unavailable, reading store directly")
	} else if hit {
		return cached, nil
	}

	messages, err := r.store.ListByRoom(room)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []model.Message{}
	}

	if cacheHealthy {
		if err := r.cache.Set(ctx, room, messages); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Msg("history cache populate failed")
		}
	}
	return messages, nil
}

// handleSend runs the full send pipeline: validate, rate limit, resolve
// the sender, persist, update the cache, feed the event queue, broadcast.
// Identity or persistence failures drop the message without a broadcast;
// a broadcast without a durable write would desynchronize reconnecting
// clients from what the room saw live.
func (r *Relay) handleSend(ctx context.Context, c *Conn, req *SendMessageRequest) {
	room := c.Room()
	if room == "" {
		room = req.Room
	}
	req.Room = room

	if err := req.Validate(r.maxBody); err != nil {
		r.logger.Warn().Err(err).Str("conn", c.ID()).Str("room", room).
			Msg("dropping invalid message")
		r.sendError(c, ErrorEvent{
			Type:    ErrorTypeSendFailed,
			Message: "message could not be delivered",
		})
		return
	}

	senderID := req.Sender
	if senderID == "" {
		senderID = req.User.Email
	}
	c.SetSenderID(senderID)

	allowed, retryAfter, newlyBlocked := r.limiter.Allow(ctx, senderID, room)
	if !allowed {
		r.sendError(c, ErrorEvent{
			Type:              ErrorTypeRateLimit,
			Message:           "You are sending messages too quickly. Please slow down.",
			RetryAfterSeconds: retryAfter,
		})
		if newlyBlocked {
			r.hub.BroadcastExcept(room, senderID, EventModeration, ModerationEvent{
				Type:    ModerationTypeRateLimited,
				User:    senderID,
				Message: "A participant was temporarily muted for sending messages too quickly.",
			})
		}
		return
	}

	email := c.Email()
	if email == "" {
		email = req.User.Email
	}
	user, err := r.users.GetByEmail(email)
	if err != nil {
		r.logger.Error().Err(err).Str("room", room).Msg("sender lookup failed, dropping message")
		r.sendError(c, ErrorEvent{Type: ErrorTypeSendFailed, Message: "message could not be delivered"})
		return
	}
	if user == nil {
		r.logger.Warn().Str("email", email).Str("room", room).
			Msg("unresolvable sender, dropping message")
		r.sendError(c, ErrorEvent{Type: ErrorTypeSendFailed, Message: "message could not be delivered"})
		return
	}

	avatar := user.Avatar
	if req.User.Avatar != "" {
		avatar = &req.User.Avatar
	}

	msg, err := r.store.Append(room, user.ID, req.Body, model.ChatUser{
		Email:  user.Email,
		Avatar: avatar,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("room", room).Msg("persist failed, dropping message")
		r.sendError(c, ErrorEvent{Type: ErrorTypeSendFailed, Message: "message could not be delivered"})
		return
	}

	if err := r.cache.Append(ctx, room, *msg); err != nil {
		// Store already holds the authoritative copy; next read rebuilds.
		r.logger.Warn().Err(err).Str("room", room).Msg("history cache append failed")
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, *msg); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Msg("message event publish failed")
		}
	}

	r.hub.Broadcast(room, EventNewMessage, msg)
}

func (r *Relay) sendEvent(c *Conn, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode event failed")
		return
	}
	if !c.push(frame) {
		r.logger.Debug().Str("conn", c.ID()).Str("event", event).Msg("connection unreachable, frame dropped")
	}
}

func (r *Relay) sendError(c *Conn, evt ErrorEvent) {
	r.sendEvent(c, EventError, evt)
}
