// Package wire defines the event envelope, event names and JSON models shared
// by the seam client and server.
package wire

import (
	"encoding/json"
	"time"
)

// Client -> server event types.
const (
	EventUserOnline   = "user:online"
	EventDirect       = "conversation:direct"
	EventJoin         = "join"
	EventMessageSend  = "message:send"
	EventTyping       = "typing"
	EventMessagesSeen = "messages:seen"
)

// Server -> client event types. EventTyping and EventMessagesSeen travel in
// both directions; inbound copies carry the originating user id.
const (
	EventPresenceUsers = "presence:users"
	EventMessageNew    = "message:new"
	EventAck           = "ack"
)

// Envelope frames every message on the realtime channel. Ack is a non-zero
// correlation id when the sender expects a reply; the reply comes back as an
// EventAck envelope carrying the same id.
type Envelope struct {
	Type    string          `json:"type"`
	Ack     int64           `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conversation kinds. Group is modeled as a tag only.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type PresenceUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type Conversation struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	MemberIDs []string `json:"member_ids"`
}

// Message is the wire form of a chat message. ID is assigned by the server
// once persisted; ClientID is assigned by the sending client and echoed back
// unchanged so optimistic copies can be reconciled.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RoomID         string    `json:"room_id,omitempty"` // legacy senders
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	DeliveredTo    []string  `json:"delivered_to,omitempty"`
	SeenBy         []string  `json:"seen_by,omitempty"`
}

// Conversation returns the conversation id, falling back to the legacy
// room_id field when the modern one is absent.
func (m *Message) Conversation() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.RoomID
}

// UserOnlinePayload announces a username. Password is only required for
// accounts registered with one; the reference client never sets it.
type UserOnlinePayload struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type DirectPayload struct {
	OtherUsername string `json:"other_username"`
}

type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// SeenPayload is sent by a client with only the conversation id; the server
// broadcast adds the user id of whoever saw the conversation.
type SeenPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

type UnreadCount struct {
	ConversationID string `json:"conversation_id"`
	Count          int    `json:"count"`
}
