package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Wire event names. Clients emit fetch_messages and send_message; the
// server emits the rest. Anything outside this set is rejected at the
// boundary before it reaches the relay core.
const (
	EventFetchMessages = "fetch_messages"
	EventSendMessage   = "send_message"
	EventNewMessage    = "new_message"
	EventError         = "error"
	EventModeration    = "moderation_event"
)

const (
	ErrorTypeRateLimit   = "RATE_LIMIT_EXCEEDED"
	ErrorTypeSendFailed  = "SEND_FAILED"
	ErrorTypeFetchFailed = "FETCH_FAILED"

	ModerationTypeRateLimited = "USER_RATE_LIMITED"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the framing for every event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type FetchMessagesRequest struct {
	Room string `json:"room"`
}

// SenderInfo is the client-declared identity attached to a send. The
// email is re-resolved against the user store before anything is written;
// the declared sender id is never trusted directly.
type SenderInfo struct {
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type SendMessageRequest struct {
	Sender string     `json:"sender"`
	Body   string     `json:"message"`
	Room   string     `json:"room"`
	User   SenderInfo `json:"user"`
}

type ErrorEvent struct {
	Type              string `json:"type"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type ModerationEvent struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Message string `json:"message"`
}

var inboundEvents = map[string]bool{
	EventFetchMessages: true,
	EventSendMessage:   true,
}

// DecodeEnvelope parses a raw frame and rejects anything that is not a
// well-formed client event.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !inboundEvents[env.Event] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return &env, nil
}

// Validate enforces the server-side payload constraints; client-side
// enforcement of the body limit is advisory only.
func (r *SendMessageRequest) Validate(maxBodyLength int) error {
	if strings.TrimSpace(r.Room) == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidPayload)
	}
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: empty message body", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(r.Body) > maxBodyLength {
		return fmt.Errorf("%w: message body exceeds %d characters", ErrInvalidPayload, maxBodyLength)
	}
	if strings.TrimSpace(r.User.Email) == "" {
		return fmt.Errorf("%w: missing sender email", ErrInvalidPayload)
	}
	return nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func encodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data failed: %w", err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope failed: %w", err)
	}
	return frame, nil
}
