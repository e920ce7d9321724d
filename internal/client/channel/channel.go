// Package channel implements the realtime transport consumed by the engine:
// a websocket carrying wire envelopes, with ack-correlated emits for the two
// request-style events (user:online, conversation:direct).
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seamchat/seam/internal/client/debug"
	"github.com/seamchat/seam/internal/wire"
)

const defaultAckTimeout = 10 * time.Second

var errClosed = errors.New("channel closed")

// Client is a websocket channel. A single writer goroutine drains the send
// queue; a single reader goroutine decodes envelopes, routing acks to their
// waiters and everything else to Events.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan wire.Envelope
	done   chan struct{}

	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
	nextAck int64
	closed  bool
}

// Dial connects to the server's websocket endpoint.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		events:  make(chan wire.Envelope, 64),
		done:    make(chan struct{}),
		pending: make(map[int64]chan json.RawMessage),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				debug.Logf("channel: write: %v", err)
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			debug.Logf("channel: bad envelope: %v", err)
			continue
		}
		if env.Type == wire.EventAck {
			c.resolveAck(env)
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolveAck(env wire.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.Ack]
	if ok {
		delete(c.pending, env.Ack)
	}
	c.mu.Unlock()
	if ok {
		ch <- env.Payload
	}
}

// shutdown closes the connection, fails outstanding acks and ends Events.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.conn.Close()
	close(c.done)
	close(c.events)
}

// Events delivers inbound envelopes until the channel closes.
func (c *Client) Events() <-chan wire.Envelope {
	return c.events
}

func (c *Client) Close() error {
	c.shutdown()
	return nil
}

// emit enqueues an envelope without waiting for a reply.
func (c *Client) emit(eventType string, payload interface{}) error {
	return c.enqueue(wire.Envelope{Type: eventType}, payload)
}

func (c *Client) enqueue(env wire.Envelope, payload interface{}) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClosed
	}
}

// emitWithAck enqueues an envelope carrying a correlation id and blocks until
// the matching ack arrives, the context expires, or the channel closes. A nil
// result with nil error means the server acked with no payload.
func (c *Client) emitWithAck(ctx context.Context, eventType string, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	c.nextAck++
	id := c.nextAck
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.enqueue(wire.Envelope{Type: eventType, Ack: id}, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAckTimeout)
		defer cancel()
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, errClosed
		}
		return result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// UserOnline announces the username and waits for the assigned identity. A
// nil identity with nil error means the server declined the login.
func (c *Client) UserOnline(ctx context.Context, username string) (*wire.Identity, error) {
	result, err := c.emitWithAck(ctx, wire.EventUserOnline, wire.UserOnlinePayload{Username: username})
	if err != nil {
		return nil, err
	}
	if isEmptyAck(result) {
		return nil, nil
	}
	var id wire.Identity
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, nil
	}
	return &id, nil
}

// OpenDirect asks the server to find or create the direct conversation with
// otherUsername. A nil conversation with nil error means the ack carried no
// result; callers fall back to the REST path.
func (c *Client) OpenDirect(ctx context.Context, otherUsername string) (*wire.Conversation, error) {
	result, err := c.emitWithAck(ctx, wire.EventDirect, wire.DirectPayload{OtherUsername: otherUsername})
	if err != nil {
		return nil, err
	}
	if isEmptyAck(result) {
		return nil, nil
	}
	var conv wire.Conversation
	if err := json.Unmarshal(result, &conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, nil
	}
	return &conv, nil
}

func (c *Client) Join(conversationID string) error {
	return c.emit(wire.EventJoin, wire.JoinPayload{ConversationID: conversationID})
}

func (c *Client) SendMessage(p wire.SendPayload) error {
	return c.emit(wire.EventMessageSend, p)
}

func (c *Client) Typing(p wire.TypingPayload) error {
	return c.emit(wire.EventTyping, p)
}

func (c *Client) MarkSeen(conversationID string) error {
	return c.emit(wire.EventMessagesSeen, wire.SeenPayload{ConversationID: conversationID})
}

func isEmptyAck(result json.RawMessage) bool {
	return len(result) == 0 || string(result) == "null"
}
