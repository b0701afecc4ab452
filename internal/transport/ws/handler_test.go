package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abhinavkale-dev/ChatPulse/internal/model"
	"github.com/abhinavkale-dev/ChatPulse/internal/pkg/jwtutil"
	"github.com/abhinavkale-dev/ChatPulse/internal/ratelimit"
	"github.com/abhinavkale-dev/ChatPulse/internal/relay"
)

const testSecret = "test-secret"

type memStore struct {
	mu   sync.Mutex
	msgs map[string][]model.Message
	seq  int
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string][]model.Message)}
}

func (s *memStore) Append(room, sender, body string, user model.ChatUser) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := model.Message{
		ID:        fmt.Sprintf("m%d", s.seq),
		Sender:    sender,
		Body:      body,
		Room:      room,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second),
		User:      user,
	}
	s.msgs[room] = append(s.msgs[room], msg)
	return &msg, nil
}

func (s *memStore) ListByRoom(room string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.msgs[room]...), nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]model.Message
	down    bool
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]model.Message)}
}

func (c *memCache) Get(ctx context.Context, room string) ([]model.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, false, errors.New("cache unavailable")
	}
	msgs, ok := c.entries[room]
	return msgs, ok, nil
}

func (c *memCache) Set(ctx context.Context, room string, messages []model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache unavailable")
	}
	c.entries[room] = append([]model.Message(nil), messages...)
	return nil
}

func (c *memCache) Append(ctx context.Context, room string, msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache unavailable")
	}
	if _, ok := c.entries[room]; !ok {
		return nil
	}
	c.entries[room] = append(c.entries[room], msg)
	return nil
}

type memUsers struct {
	byEmail map[string]*model.User
}

func (u *memUsers) GetByEmail(email string) (*model.User, error) {
	return u.byEmail[email], nil
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *memCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[key]++
	return c.counts[key], nil
}

type testEnv struct {
	server *httptest.Server
	store  *memStore
	cache  *memCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	cacheBackend := newMemCache()
	users := &memUsers{byEmail: map[string]*model.User{
		"a@example.com": {ID: "user-a", Email: "a@example.com"},
		"b@example.com": {ID: "user-b", Email: "b@example.com"},
	}}
	limiter := ratelimit.NewLimiter(&memCounter{}, 60*time.Second, 10, 60*time.Second, zerolog.Nop())

	registry := relay.NewRegistry()
	relaySvc := relay.New(relay.Deps{
		Registry:      registry,
		Hub:           relay.NewHub(registry, zerolog.Nop()),
		Cache:         cacheBackend,
		Store:         store,
		Users:         users,
		Limiter:       limiter,
		MaxBodyLength: 500,
		Logger:        zerolog.Nop(),
	})

	router := gin.New()
	router.GET("/ws", NewHandler(relaySvc, testSecret, zerolog.Nop()).Handle)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: store, cache: cacheBackend}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *relay.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env relay.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return &env
}

func decodeMessages(t *testing.T, env *relay.Envelope) []model.Message {
	t.Helper()
	var msgs []model.Message
	if err := json.Unmarshal(env.Data, &msgs); err != nil {
		t.Fatalf("decode message list: %v", err)
	}
	return msgs
}

func sendMessage(t *testing.T, conn *websocket.Conn, room, sender, email, body string) {
	t.Helper()
	payload, _ := json.Marshal(relay.SendMessageRequest{
		Sender: sender,
		Body:   body,
		Room:   room,
		User:   relay.SenderInfo{Email: email},
	})
	frame, _ := json.Marshal(relay.Envelope{Event: relay.EventSendMessage, Data: payload})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write send_message: %v", err)
	}
}

func TestJoinEmptyRoomThenSend(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?room=r1")

	backlog := readEvent(t, conn)
	if backlog.Event != relay.EventFetchMessages {
		t.Fatalf("first event = %q, want fetch_messages", backlog.Event)
	}
	if msgs := decodeMessages(t, backlog); len(msgs) != 0 {
		t.Fatalf("backlog = %d messages, want empty", len(msgs))
	}

	sendMessage(t, conn, "r1", "user-a", "a@example.com", "hello")

	broadcast := readEvent(t, conn)
	if broadcast.Event != relay.EventNewMessage {
		t.Fatalf("event = %q, want new_message", broadcast.Event)
	}
	var msg model.Message
	if err := json.Unmarshal(broadcast.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Body != "hello" || msg.Room != "r1" || msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("broadcast = %+v", msg)
	}
}

func TestBacklogPushedInOrderOnJoin(t *testing.T) {
	env := newTestEnv(t)
	user := model.ChatUser{Email: "a@example.com"}
	env.store.Append("r3", "user-a", "first", user)
	env.store.Append("r3", "user-a", "second", user)
	env.store.Append("r3", "user-a", "third", user)

	conn := env.dial(t, "?room=r3")

	backlog := readEvent(t, conn)
	if backlog.Event != relay.EventFetchMessages {
		t.Fatalf("first event = %q, want fetch_messages", backlog.Event)
	}
	msgs := decodeMessages(t, backlog)
	if len(msgs) != 3 {
		t.Fatalf("backlog = %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Body != want {
			t.Fatalf("backlog[%d] = %q, want %q", i, msgs[i].Body, want)
		}
		if i > 0 && msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("backlog not in chronological order")
		}
	}
}

func TestEleventhMessageIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?room=r2")
	readEvent(t, conn) // backlog

	for i := 0; i < 11; i++ {
		sendMessage(t, conn, "r2", "user-b", "b@example.com", fmt.Sprintf("msg %d", i+1))
	}

	for i := 0; i < 10; i++ {
		frame := readEvent(t, conn)
		if frame.Event != relay.EventNewMessage {
			t.Fatalf("message %d: event = %q, want new_message", i+1, frame.Event)
		}
	}

	errEnv := readEvent(t, conn)
	if errEnv.Event != relay.EventError {
		t.Fatalf("11th message: event = %q, want error", errEnv.Event)
	}
	var evt relay.ErrorEvent
	if err := json.Unmarshal(errEnv.Data, &evt); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if evt.Type != relay.ErrorTypeRateLimit {
		t.Fatalf("error type = %q, want RATE_LIMIT_EXCEEDED", evt.Type)
	}
	if evt.RetryAfterSeconds < 59 || evt.RetryAfterSeconds > 60 {
		t.Fatalf("retryAfterSeconds = %d, want about 60", evt.RetryAfterSeconds)
	}

	if stored, _ := env.store.ListByRoom("r2"); len(stored) != 10 {
		t.Fatalf("store has %d messages, want 10", len(stored))
	}
}

func TestModerationNoticeReachesOtherMembers(t *testing.T) {
	env := newTestEnv(t)
	offender := env.dial(t, "?room=r2")
	bystander := env.dial(t, "?room=r2")
	readEvent(t, offender)
	readEvent(t, bystander)

	for i := 0; i < 11; i++ {
		sendMessage(t, offender, "r2", "user-b", "b@example.com", "spam")
	}

	// The bystander sees ten broadcasts followed by the moderation notice.
	for i := 0; i < 10; i++ {
		if frame := readEvent(t, bystander); frame.Event != relay.EventNewMessage {
			t.Fatalf("event = %q, want new_message", frame.Event)
		}
	}
	modEnv := readEvent(t, bystander)
	if modEnv.Event != relay.EventModeration {
		t.Fatalf("event = %q, want moderation_event", modEnv.Event)
	}
	var mod relay.ModerationEvent
	if err := json.Unmarshal(modEnv.Data, &mod); err != nil {
		t.Fatalf("decode moderation event: %v", err)
	}
	if mod.Type != relay.ModerationTypeRateLimited || mod.User != "user-b" {
		t.Fatalf("moderation event = %+v", mod)
	}
}

func TestFetchServedFromStoreWhenCacheDown(t *testing.T) {
	env := newTestEnv(t)
	user := model.ChatUser{Email: "a@example.com"}
	env.store.Append("r4", "user-a", "kept", user)
	env.cache.down = true

	conn := env.dial(t, "?room=r4")

	backlog := readEvent(t, conn)
	msgs := decodeMessages(t, backlog)
	if len(msgs) != 1 || msgs[0].Body != "kept" {
		t.Fatalf("backlog = %+v, want store contents", msgs)
	}

	// A send still persists and broadcasts; the cache append failure is
	// swallowed.
	sendMessage(t, conn, "r4", "user-a", "a@example.com", "still works")
	broadcast := readEvent(t, conn)
	if broadcast.Event != relay.EventNewMessage {
		t.Fatalf("event = %q, want new_message", broadcast.Event)
	}
	if stored, _ := env.store.ListByRoom("r4"); len(stored) != 2 {
		t.Fatalf("store has %d messages, want 2", len(stored))
	}
}

func TestExplicitFetchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.store.Append("r5", "user-a", "only", model.ChatUser{Email: "a@example.com"})

	conn := env.dial(t, "?room=r5")
	readEvent(t, conn) // proactive backlog

	payload, _ := json.Marshal(relay.FetchMessagesRequest{Room: "r5"})
	frame, _ := json.Marshal(relay.Envelope{Event: relay.EventFetchMessages, Data: payload})
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatalf("write fetch_messages: %v", err)
		}
		frame := readEvent(t, conn)
		if frame.Event != relay.EventFetchMessages {
			t.Fatalf("event = %q, want fetch_messages", frame.Event)
		}
		if msgs := decodeMessages(t, frame); len(msgs) != 1 {
			t.Fatalf("fetch %d: %d messages, want 1", i+1, len(msgs))
		}
	}
}

func TestRoomlessConnectionGetsNoBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	watcher := env.dial(t, "")
	member := env.dial(t, "?room=r6")
	readEvent(t, member) // backlog

	sendMessage(t, member, "r6", "user-a", "a@example.com", "hello")
	if frame := readEvent(t, member); frame.Event != relay.EventNewMessage {
		t.Fatalf("member event = %q, want new_message", frame.Event)
	}

	_ = watcher.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := watcher.ReadMessage(); err == nil {
		t.Fatalf("roomless connection received frame: %s", raw)
	}
}

func TestInvalidHandshakeTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?room=r1&token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestValidTokenPinsIdentity(t *testing.T) {
	env := newTestEnv(t)
	token, err := jwtutil.GenerateToken(testSecret, time.Hour, "user-b", "b@example.com")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	conn := env.dial(t, "?room=r7&token="+token)
	readEvent(t, conn) // backlog

	// Payload claims a different user; the token identity wins.
	sendMessage(t, conn, "r7", "user-a", "a@example.com", "hello")
	readEvent(t, conn)

	stored, _ := env.store.ListByRoom("r7")
	if len(stored) != 1 || stored[0].Sender != "user-b" {
		t.Fatalf("persisted sender = %+v, want user-b", stored)
	}
}
