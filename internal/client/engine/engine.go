// Package engine implements the client-side conversation synchronization
// core: it consumes the realtime channel and the REST collaborator, keeps the
// local view of conversations, messages, presence, typing and unread counts
// consistent, and reconciles optimistic sends against server echoes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seamchat/seam/internal/client/debug"
	"github.com/seamchat/seam/internal/wire"
)

const (
	// typingQuiet is the keystroke quiet window after which a typing-stop
	// signal is broadcast.
	typingQuiet = 2 * time.Second
	// seenDelay lets the UI show an unread marker briefly before the
	// conversation is marked seen.
	seenDelay = 400 * time.Millisecond
	// historyLimit caps a full history fetch.
	historyLimit = 100
)

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrLoginRejected  = errors.New("login rejected")
	ErrNoConversation = errors.New("conversation unavailable")
)

// Channel is the realtime transport consumed by the engine. UserOnline and
// OpenDirect block until the server acknowledges (or the context expires);
// the remaining emits only enqueue and must be safe to call from the engine
// loop. Events delivers inbound envelopes until the channel closes.
type Channel interface {
	UserOnline(ctx context.Context, username string) (*wire.Identity, error)
	OpenDirect(ctx context.Context, otherUsername string) (*wire.Conversation, error)
	Join(conversationID string) error
	SendMessage(p wire.SendPayload) error
	Typing(p wire.TypingPayload) error
	MarkSeen(conversationID string) error
	Events() <-chan wire.Envelope
	Close() error
}

// API is the request/response collaborator. All calls are idempotent except
// CreateDirect, which is the find-or-create fallback used when the channel
// ack for conversation:direct never arrives; it is safe to retry.
type API interface {
	Conversations(ctx context.Context, userID string) ([]wire.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error)
	UsersByID(ctx context.Context, ids []string) (map[string]string, error)
	Directory(ctx context.Context) (map[string]string, error)
	UnreadCounts(ctx context.Context, userID string) ([]wire.UnreadCount, error)
	CreateDirect(ctx context.Context, username, otherUsername string) (*wire.Conversation, error)
}

// Engine owns all mutable session state. Every mutation runs on a single
// goroutine fed by a task queue, so stores need no locking; network calls and
// timers run off-loop and post their results back, re-reading current state
// when they apply.
type Engine struct {
	channel Channel
	api     API

	tasks chan func()
	quit  chan struct{}

	// loop-owned state
	me       *wire.Identity
	presence *presenceTracker
	typing   *typingTracker
	convos   *conversationStore
	messages *messageStore
	unread   map[string]int

	typingTimers map[string]*time.Timer
	seenTimer    *time.Timer

	updates chan struct{}

	// overridable in tests
	now          func() time.Time
	typingQuiet  time.Duration
	seenDelay    time.Duration
	newClientID  func() string
}

// New creates an engine and starts its run loop. The caller owns the channel
// and api lifetimes; Close tears the engine down.
func New(ch Channel, api API) *Engine {
	e := &Engine{
		channel:      ch,
		api:          api,
		tasks:        make(chan func(), 256),
		quit:         make(chan struct{}),
		presence:     newPresenceTracker(),
		typing:       newTypingTracker(),
		convos:       newConversationStore(),
		messages:     newMessageStore(),
		unread:       make(map[string]int),
		typingTimers: make(map[string]*time.Timer),
		updates:      make(chan struct{}, 1),
		now:          time.Now,
		typingQuiet:  typingQuiet,
		seenDelay:    seenDelay,
		newClientID:  func() string { return "temp-" + uuid.NewString() },
	}
	go e.loop()
	go e.pump()
	return e
}

func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			return
		}
	}
}

// pump forwards inbound channel events onto the task queue.
func (e *Engine) pump() {
	for env := range e.channel.Events() {
		env := env
		e.do(func() { e.handleEvent(env) })
	}
}

// do schedules fn on the engine loop.
func (e *Engine) do(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.quit:
	}
}

// call runs fn on the engine loop and waits for it.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-e.quit:
	}
}

// Close tears down timers, the channel and the run loop. The engine must not
// be used afterwards.
func (e *Engine) Close() {
	e.call(func() {
		for id, t := range e.typingTimers {
			t.Stop()
			delete(e.typingTimers, id)
		}
		if e.seenTimer != nil {
			e.seenTimer.Stop()
			e.seenTimer = nil
		}
	})
	e.channel.Close()
	close(e.quit)
}

// Updates signals (coalesced) whenever a snapshot-visible change happened.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// afterMutation recomputes derived state after any task that touched messages
// or the active selection.
func (e *Engine) afterMutation() {
	var meID string
	if e.me != nil {
		meID = e.me.UserID
	}
	e.unread = recomputeUnread(e.unread, e.messages, meID, e.convos.activeID)
	e.maybeScheduleSeen()
	e.notify()
}

// maybeScheduleSeen arms the delayed mark-seen emit when the active
// conversation holds foreign unseen messages. State is re-read when the timer
// fires; the snapshot captured here is not trusted.
func (e *Engine) maybeScheduleSeen() {
	if e.me == nil || e.convos.activeID == "" || e.seenTimer != nil {
		return
	}
	if countUnread(e.messages.list(e.convos.activeID), e.me.UserID) == 0 {
		return
	}
	e.seenTimer = time.AfterFunc(e.seenDelay, func() {
		e.do(e.fireSeen)
	})
}

func (e *Engine) fireSeen() {
	e.seenTimer = nil
	if e.me == nil || e.convos.activeID == "" {
		return
	}
	active := e.convos.activeID
	if countUnread(e.messages.list(active), e.me.UserID) == 0 {
		return
	}
	if err := e.channel.MarkSeen(active); err != nil {
		debug.Logf("engine: mark seen %s: %v", active, err)
	}
}

// --- inbound events ---

func (e *Engine) handleEvent(env wire.Envelope) {
	switch env.Type {
	case wire.EventPresenceUsers:
		var list []wire.PresenceUser
		if err := decode(env, &list); err != nil {
			return
		}
		e.presence.setSnapshot(list)
		e.notify()

	case wire.EventMessageNew:
		var msg wire.Message
		if err := decode(env, &msg); err != nil {
			return
		}
		convoID := msg.Conversation()
		if convoID == "" {
			debug.Logf("engine: message:new without conversation id")
			return
		}
		var meID string
		if e.me != nil {
			meID = e.me.UserID
		}
		e.convos.ensure(convoID, msg.SenderID, meID)
		e.messages.apply(convoID, msg, meID)
		e.afterMutation()

	case wire.EventMessagesSeen:
		var p wire.SeenPayload
		if err := decode(env, &p); err != nil {
			return
		}
		e.messages.markSeen(p.ConversationID, p.UserID)
		if e.me != nil && p.UserID == e.me.UserID {
			if _, ok := e.unread[p.ConversationID]; ok {
				e.unread[p.ConversationID] = 0
			}
		}
		e.afterMutation()

	case wire.EventTyping:
		var p wire.TypingPayload
		if err := decode(env, &p); err != nil {
			return
		}
		e.typing.set(p.ConversationID, p.UserID, p.IsTyping)
		e.notify()

	default:
		debug.Logf("engine: unhandled event %q", env.Type)
	}
}

func decode(env wire.Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		debug.Logf("engine: empty %s payload", env.Type)
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		debug.Logf("engine: bad %s payload: %v", env.Type, err)
		return err
	}
	return nil
}

// --- intents ---

// Login acquires an identity over the channel, then hydrates conversations,
// previews, usernames and unread counts from the API. Hydration failures
// degrade to a stale-but-consistent view and do not fail the login.
func (e *Engine) Login(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrLoginRejected
	}
	id, err := e.channel.UserOnline(ctx, username)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if id == nil {
		return ErrLoginRejected
	}
	e.call(func() {
		e.me = id
		e.presence.remember(id.UserID, id.Username)
		e.notify()
	})
	e.hydrate(ctx, *id)
	return nil
}

func (e *Engine) hydrate(ctx context.Context, id wire.Identity) {
	convos, err := e.api.Conversations(ctx, id.UserID)
	if err != nil {
		debug.Logf("engine: hydrate conversations: %v", err)
		return
	}
	e.do(func() {
		for _, c := range convos {
			e.convos.upsert(c)
		}
		e.notify()
	})
	// Join every known conversation so broadcasts arrive in the background.
	for _, c := range convos {
		if err := e.channel.Join(c.ID); err != nil {
			debug.Logf("engine: join %s: %v", c.ID, err)
		}
	}
	// Last-message previews give the list an ordering before any open.
	for _, c := range convos {
		c := c
		msgs, err := e.api.Messages(ctx, c.ID, 1)
		if err != nil {
			debug.Logf("engine: preview %s: %v", c.ID, err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		e.do(func() {
			e.messages.mergePreview(c.ID, msgs, id.UserID)
			e.afterMutation()
		})
	}
	e.hydrateUsernames(ctx, id, convos)
	if counts, err := e.api.UnreadCounts(ctx, id.UserID); err != nil {
		debug.Logf("engine: hydrate unread: %v", err)
	} else {
		// Hydrated counts are applied directly, without a recompute: the
		// limit-1 previews loaded above would clobber them. They stand until
		// the next message mutation recomputes from real history.
		e.do(func() {
			for _, c := range counts {
				e.unread[c.ConversationID] = c.Count
			}
			if active := e.convos.activeID; active != "" {
				e.unread[active] = 0
			}
			e.notify()
		})
	}
}

// hydrateUsernames resolves the usernames of every foreign member, falling
// back to the full directory when the bulk lookup fails.
func (e *Engine) hydrateUsernames(ctx context.Context, id wire.Identity, convos []wire.Conversation) {
	var ids []string
	for _, c := range convos {
		for _, m := range c.MemberIDs {
			if m != id.UserID && !contains(ids, m) {
				ids = append(ids, m)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	names, err := e.api.UsersByID(ctx, ids)
	if err != nil {
		debug.Logf("engine: usernames by id: %v", err)
		names, err = e.api.Directory(ctx)
		if err != nil {
			debug.Logf("engine: directory: %v", err)
			return
		}
	}
	e.do(func() {
		for uid, name := range names {
			e.presence.remember(uid, name)
		}
		e.notify()
	})
}

// OpenDirect finds or creates the direct conversation with otherUsername. The
// channel ack path is tried first; an absent ack falls back to the REST
// find-or-create. Both paths converge: upsert, join, activate, load history.
func (e *Engine) OpenDirect(ctx context.Context, otherUsername string) error {
	var me *wire.Identity
	e.call(func() { me = e.me })
	if me == nil {
		return ErrNotLoggedIn
	}
	conv, err := e.channel.OpenDirect(ctx, otherUsername)
	if err != nil || conv == nil {
		if err != nil {
			debug.Logf("engine: conversation:direct ack: %v", err)
		}
		conv, err = e.api.CreateDirect(ctx, me.Username, otherUsername)
		if err != nil {
			return fmt.Errorf("open direct: %w", err)
		}
	}
	if conv == nil || conv.ID == "" {
		return ErrNoConversation
	}
	e.call(func() {
		e.convos.upsert(*conv)
		e.convos.activeID = conv.ID
		if partner := e.convos.partner(conv.ID, me.UserID); partner != "" {
			e.presence.remember(partner, otherUsername)
		}
		e.afterMutation()
	})
	if err := e.channel.Join(conv.ID); err != nil {
		debug.Logf("engine: join %s: %v", conv.ID, err)
	}
	e.loadHistory(ctx, conv.ID)
	return nil
}

// OpenConversation activates a known conversation: join, force a full history
// reload, and clear its unread count immediately.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	var me *wire.Identity
	e.call(func() {
		me = e.me
		e.convos.activeID = conversationID
		e.unread[conversationID] = 0
		e.afterMutation()
	})
	if me == nil {
		return ErrNotLoggedIn
	}
	if err := e.channel.Join(conversationID); err != nil {
		debug.Logf("engine: join %s: %v", conversationID, err)
	}
	e.loadHistory(ctx, conversationID)
	return nil
}

// loadHistory fetches the full history and installs it keyed by conversation
// id. A fetch superseded by a conversation switch still lands safely because
// the write targets its own conversation, never the active one.
func (e *Engine) loadHistory(ctx context.Context, conversationID string) {
	msgs, err := e.api.Messages(ctx, conversationID, historyLimit)
	if err != nil {
		debug.Logf("engine: history %s: %v", conversationID, err)
		return
	}
	e.do(func() {
		e.messages.setHistory(conversationID, msgs)
		e.afterMutation()
	})
}

// Send appends an optimistic message to the active conversation and emits the
// send. Empty text or no active conversation is a silent no-op.
func (e *Engine) Send(text string) {
	e.do(func() {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || e.me == nil || e.convos.activeID == "" {
			return
		}
		clientID := e.newClientID()
		msg := wire.Message{
			ID:             clientID, // temporary, replaced by the echo
			ClientID:       clientID,
			ConversationID: e.convos.activeID,
			SenderID:       e.me.UserID,
			Text:           trimmed,
			CreatedAt:      e.now(),
			DeliveredTo:    []string{e.me.UserID},
			SeenBy:         []string{},
		}
		e.messages.append(e.convos.activeID, msg)
		if err := e.channel.SendMessage(wire.SendPayload{
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Text:           msg.Text,
			ClientID:       clientID,
		}); err != nil {
			debug.Logf("engine: send: %v", err)
		}
		e.afterMutation()
	})
}

// StartTyping broadcasts a typing signal for the active conversation and
// (re)arms that conversation's quiet timer; when it expires without another
// keystroke the stop signal is broadcast.
func (e *Engine) StartTyping() {
	e.do(func() {
		if e.me == nil || e.convos.activeID == "" {
			return
		}
		convoID := e.convos.activeID
		userID := e.me.UserID
		if err := e.channel.Typing(wire.TypingPayload{ConversationID: convoID, UserID: userID, IsTyping: true}); err != nil {
			debug.Logf("engine: typing: %v", err)
			return
		}
		if t, ok := e.typingTimers[convoID]; ok {
			t.Stop()
		}
		e.typingTimers[convoID] = time.AfterFunc(e.typingQuiet, func() {
			e.do(func() {
				delete(e.typingTimers, convoID)
				if err := e.channel.Typing(wire.TypingPayload{ConversationID: convoID, UserID: userID, IsTyping: false}); err != nil {
					debug.Logf("engine: typing stop: %v", err)
				}
			})
		})
	})
}
