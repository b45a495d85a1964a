package signaling

import (
	"encoding/json"

	"github.com/adityaadpandey/ephemeral-relay/internals/state"
)

type MessageType string

// Client to server.
const (
	MessageTypeJoinRoom      MessageType = "join-room"
	MessageTypeLeaveRoom     MessageType = "leave-room"
	MessageTypeSendMessage   MessageType = "send-message"
	MessageTypeTyping        MessageType = "typing"
	MessageTypeMessageBurned MessageType = "message-burned"
)

func (t MessageType) inbound() bool {
	switch t {
	case MessageTypeJoinRoom, MessageTypeLeaveRoom, MessageTypeSendMessage, MessageTypeTyping, MessageTypeMessageBurned:
		return true
	}
	return false
}

// Server to client. message-burned is echoed under the same name.
const (
	MessageTypeConnected        MessageType = "connected"
	MessageTypeRoomJoined       MessageType = "room-joined"
	MessageTypeRoomNotFound     MessageType = "room-not-found"
	MessageTypeParticipantCount MessageType = "participant-count"
	MessageTypeUserJoined       MessageType = "user-joined"
	MessageTypeUserLeft         MessageType = "user-left"
	MessageTypeNewMessage       MessageType = "new-message"
	MessageTypeTypingStatus     MessageType = "typing-status"
	MessageTypeRoomExpired      MessageType = "room-expired"
)

// Message is the websocket frame: {"type": "...", "data": {...}}.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads. Loosely typed fields stay raw and are coerced the way
// browser clients expect.

type JoinRoomMessage struct {
	RoomID string `json:"roomId"`
}

type SendMessageMessage struct {
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

type TypingMessage struct {
	RoomID   string          `json:"roomId"`
	IsTyping json.RawMessage `json:"isTyping"`
}

type MessageBurnedMessage struct {
	RoomID string          `json:"roomId"`
	ID     json.RawMessage `json:"id"`
}

// Outbound payloads.

type ConnectedEvent struct {
	SessionID string `json:"sessionId"`
}

// RoomJoinedEvent omits participants when the store does not track them.
type RoomJoinedEvent struct {
	RoomID       string              `json:"roomId"`
	Settings     *state.RoomSettings `json:"settings,omitempty"`
	Participants *int                `json:"participants,omitempty"`
}

type RoomNotFoundEvent struct {
	RoomID string `json:"roomId"`
}

type ParticipantCountEvent struct {
	Count int `json:"count"`
}

type UserJoinedEvent struct {
	SessionID string `json:"sessionId"`
}

type UserLeftEvent struct {
	SessionID string `json:"sessionId"`
}

// NewMessageEvent wraps the client's encrypted message, which is relayed
// byte for byte. From is the sender's session id.
type NewMessageEvent struct {
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	From    string          `json:"from"`
}

type TypingStatusEvent struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type MessageBurnedEvent struct {
	ID json.RawMessage `json:"id"`
	By string          `json:"by"`
}

type RoomExpiredEvent struct {
	RoomID string `json:"roomId"`
}

// encodeFrame marshals a frame once so it can be fanned out to many sockets.
func encodeFrame(msgType MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: msgType, Data: raw})
}
