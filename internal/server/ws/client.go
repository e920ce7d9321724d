package ws

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/seamchat/seam/internal/server/ratelimit"
	"github.com/seamchat/seam/internal/wire"
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	Limiter  *ratelimit.Limiter
	IP       string
	UserID   string
	Username string

	sendMu sync.Mutex
	closed bool
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("JSON Unmarshal error: %v", err)
			continue
		}
		c.ProcessMessage(env)
	}
}

func (c *Client) WritePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// markClosed stops trySend before the Send channel is closed.
func (c *Client) markClosed() {
	c.sendMu.Lock()
	c.closed = true
	c.sendMu.Unlock()
}

func (c *Client) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// ack replies to an emit-with-ack. A nil payload acks with no result, which
// clients treat as a declined request.
func (c *Client) ack(id int64, payload interface{}) {
	env := wire.Envelope{Type: wire.EventAck, Ack: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		env.Payload = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) ProcessMessage(env wire.Envelope) {
	switch env.Type {
	case wire.EventUserOnline:
		c.handleUserOnline(env)

	case wire.EventDirect:
		c.handleDirect(env)

	case wire.EventJoin:
		if c.UserID == "" {
			return
		}
		var p wire.JoinPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		member, err := c.Hub.Store.IsMember(p.ConversationID, c.UserID)
		if err != nil || !member {
			log.Printf("join rejected: user %s conversation %s", c.UserID, p.ConversationID)
			return
		}
		c.Hub.Join(c, p.ConversationID)

	case wire.EventMessageSend:
		if c.UserID == "" {
			return
		}
		var p wire.SendPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		text := strings.TrimSpace(p.Text)
		if text == "" || p.ConversationID == "" {
			return
		}
		// The sender id on the wire is advisory; the session identity wins.
		msg, err := c.Hub.Store.SaveMessage(p.ConversationID, c.UserID, text, p.ClientID)
		if err != nil {
			log.Printf("save message: %v", err)
			return
		}
		c.Hub.BroadcastRoom(p.ConversationID, wire.EventMessageNew, msg)

	case wire.EventTyping:
		if c.UserID == "" {
			return
		}
		var p wire.TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		p.UserID = c.UserID
		c.Hub.BroadcastRoom(p.ConversationID, wire.EventTyping, p)

	case wire.EventMessagesSeen:
		if c.UserID == "" {
			return
		}
		var p wire.SeenPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		if err := c.Hub.Store.MarkSeen(p.ConversationID, c.UserID); err != nil {
			log.Printf("mark seen: %v", err)
			return
		}
		c.Hub.BroadcastRoom(p.ConversationID, wire.EventMessagesSeen, wire.SeenPayload{
			ConversationID: p.ConversationID,
			UserID:         c.UserID,
		})
	}
}

func (c *Client) handleUserOnline(env wire.Envelope) {
	if !c.Limiter.AllowLogin(c.IP) {
		c.ack(env.Ack, nil)
		return
	}
	var p wire.UserOnlinePayload
	if json.Unmarshal(env.Payload, &p) != nil {
		c.ack(env.Ack, nil)
		return
	}
	username := strings.TrimSpace(p.Username)
	if username == "" {
		c.ack(env.Ack, nil)
		return
	}

	user, err := c.Hub.Store.EnsureUser(username)
	if err != nil {
		log.Printf("ensure user %q: %v", username, err)
		c.ack(env.Ack, nil)
		return
	}
	// Password-protected accounts require the matching password.
	if user.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(p.Password)) != nil {
			c.ack(env.Ack, nil)
			return
		}
	}

	c.UserID = user.ID
	c.Username = user.Username
	c.ack(env.Ack, wire.Identity{UserID: user.ID, Username: user.Username})
	c.Hub.BroadcastPresence()
}

func (c *Client) handleDirect(env wire.Envelope) {
	if c.UserID == "" {
		c.ack(env.Ack, nil)
		return
	}
	var p wire.DirectPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		c.ack(env.Ack, nil)
		return
	}
	other, err := c.Hub.Store.GetUserByUsername(strings.TrimSpace(p.OtherUsername))
	if err != nil {
		c.ack(env.Ack, nil)
		return
	}
	conv, err := c.Hub.Store.DirectConversation(c.UserID, other.ID)
	if err != nil {
		log.Printf("direct conversation: %v", err)
		c.ack(env.Ack, nil)
		return
	}
	c.Hub.Join(c, conv.ID)
	c.ack(env.Ack, conv)
}
