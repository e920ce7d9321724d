package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seamchat/seam/internal/wire"
)

// --- fakes ---

type fakeChannel struct {
	mu        sync.Mutex
	events    chan wire.Envelope
	identity  *wire.Identity
	direct    *wire.Conversation
	directErr error
	joins     []string
	sends     []wire.SendPayload
	typings   []wire.TypingPayload
	seen      []string
	closed    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan wire.Envelope, 64)}
}

func (f *fakeChannel) UserOnline(ctx context.Context, username string) (*wire.Identity, error) {
	return f.identity, nil
}

func (f *fakeChannel) OpenDirect(ctx context.Context, otherUsername string) (*wire.Conversation, error) {
	return f.direct, f.directErr
}

func (f *fakeChannel) Join(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
	return nil
}

func (f *fakeChannel) SendMessage(p wire.SendPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, p)
	return nil
}

func (f *fakeChannel) Typing(p wire.TypingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings = append(f.typings, p)
	return nil
}

func (f *fakeChannel) MarkSeen(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, conversationID)
	return nil
}

func (f *fakeChannel) Events() <-chan wire.Envelope { return f.events }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) push(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", eventType, err)
	}
	f.events <- wire.Envelope{Type: eventType, Payload: data}
}

func (f *fakeChannel) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeChannel) sent() []wire.SendPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.SendPayload(nil), f.sends...)
}

func (f *fakeChannel) typingSignals() []wire.TypingPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.TypingPayload(nil), f.typings...)
}

func (f *fakeChannel) seenEmits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []wire.Conversation
	messages      map[string][]wire.Message
	users         map[string]string
	usersErr      error
	directory     map[string]string
	counts        []wire.UnreadCount
	direct        *wire.Conversation
	directErr     error
	historyCalls  []string
}

func (f *fakeAPI) Conversations(ctx context.Context, userID string) ([]wire.Conversation, error) {
	return f.conversations, nil
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, fmt.Sprintf("%s:%d", conversationID, limit))
	f.mu.Unlock()
	msgs := f.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeAPI) UsersByID(ctx context.Context, ids []string) (map[string]string, error) {
	return f.users, f.usersErr
}

func (f *fakeAPI) Directory(ctx context.Context) (map[string]string, error) {
	return f.directory, nil
}

func (f *fakeAPI) UnreadCounts(ctx context.Context, userID string) ([]wire.UnreadCount, error) {
	return f.counts, nil
}

func (f *fakeAPI) CreateDirect(ctx context.Context, username, otherUsername string) (*wire.Conversation, error) {
	return f.direct, f.directErr
}

// --- helpers ---

func newTestEngine(t *testing.T, ch *fakeChannel, api *fakeAPI) *Engine {
	t.Helper()
	e := New(ch, api)
	t.Cleanup(e.Close)
	n := 0
	e.call(func() {
		e.seenDelay = 20 * time.Millisecond
		e.typingQuiet = 40 * time.Millisecond
		e.newClientID = func() string {
			n++
			return fmt.Sprintf("temp-%d", n)
		}
	})
	return e
}

func setState(e *Engine, me wire.Identity, activeID string, members ...string) {
	e.call(func() {
		id := me
		e.me = &id
		if activeID != "" {
			e.convos.upsert(wire.Conversation{ID: activeID, Kind: wire.KindDirect, MemberIDs: members})
			e.convos.activeID = activeID
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

var alice = wire.Identity{UserID: "u1", Username: "alice"}

// --- tests ---

func TestLoginHydration(t *testing.T) {
	ch := newFakeChannel()
	ch.identity = &alice
	api := &fakeAPI{
		conversations: []wire.Conversation{
			{ID: "c1", Kind: wire.KindDirect, MemberIDs: []string{"u1", "u2"}},
		},
		messages: map[string][]wire.Message{
			"c1": {{ID: "m1", ConversationID: "c1", SenderID: "u2", Text: "hello", CreatedAt: time.Now()}},
		},
		users:  map[string]string{"u2": "bob"},
		counts: []wire.UnreadCount{{ConversationID: "c1", Count: 4}},
	}
	e := newTestEngine(t, ch, api)

	if err := e.Login(context.Background(), "alice"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	waitFor(t, "hydrated snapshot", func() bool {
		snap := e.Snapshot()
		if snap.Me == nil || len(snap.Conversations) != 1 {
			return false
		}
		c := snap.Conversations[0]
		return c.ID == "c1" && c.Title == "bob" && snap.Unread["c1"] == 4
	})

	waitFor(t, "background join", func() bool {
		joins := ch.joined()
		return len(joins) == 1 && joins[0] == "c1"
	})
}

func TestLoginRejectedWithoutIdentity(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})

	if err := e.Login(context.Background(), "alice"); err == nil {
		t.Fatal("Expected login rejection when no identity is acked")
	}
	if err := e.Login(context.Background(), "   "); err == nil {
		t.Fatal("Expected rejection of blank username")
	}
}

func TestSendOptimisticThenEchoReconciles(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	e.Send("  hi  ")

	waitFor(t, "optimistic append", func() bool {
		snap := e.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Text == "hi" && pending(snap.Messages[0])
	})

	sends := ch.sent()
	if len(sends) != 1 || sends[0].ClientID != "temp-1" {
		t.Fatalf("Unexpected send payloads: %+v", sends)
	}
	snap := e.Snapshot()
	if len(snap.Messages[0].DeliveredTo) != 1 || snap.Messages[0].DeliveredTo[0] != "u1" {
		t.Errorf("DeliveredTo = %v, want [u1]", snap.Messages[0].DeliveredTo)
	}

	ch.push(t, wire.EventMessageNew, wire.Message{
		ID:             "m1",
		ClientID:       "temp-1",
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "hi",
		CreatedAt:      time.Now(),
	})

	waitFor(t, "echo reconciliation", func() bool {
		snap := e.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].ID == "m1"
	})
}

func TestSendIsSilentNoopWhenNotReady(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})

	e.Send("hi") // not logged in
	setState(e, alice, "")
	e.Send("hi") // no active conversation
	setState(e, alice, "c1", "u1", "u2")
	e.Send("   ") // nothing to send

	e.call(func() {})
	if got := ch.sent(); len(got) != 0 {
		t.Errorf("Expected no sends, got %+v", got)
	}
	if snap := e.Snapshot(); len(snap.Messages) != 0 {
		t.Errorf("Expected no messages, got %+v", snap.Messages)
	}
}

func TestActiveConversationUnreadStaysZero(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	for i := 0; i < 3; i++ {
		ch.push(t, wire.EventMessageNew, wire.Message{
			ID: fmt.Sprintf("m%d", i), ClientID: fmt.Sprintf("x%d", i),
			ConversationID: "c1", SenderID: "u2", Text: "ping", CreatedAt: time.Now(),
		})
	}
	ch.push(t, wire.EventMessageNew, wire.Message{
		ID: "other", ClientID: "xo", ConversationID: "c2", SenderID: "u3", Text: "hey", CreatedAt: time.Now(),
	})

	waitFor(t, "all messages applied", func() bool {
		snap := e.Snapshot()
		return len(snap.Messages) == 3 && snap.Unread["c2"] == 1
	})

	if snap := e.Snapshot(); snap.Unread["c1"] != 0 {
		t.Errorf("Active conversation unread = %d, want 0", snap.Unread["c1"])
	}
}

func TestUnknownConversationSynthesized(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "")

	ch.push(t, wire.EventMessageNew, wire.Message{
		ID: "m1", ClientID: "x1", RoomID: "c9", SenderID: "u5", Text: "hi", CreatedAt: time.Now(),
	})

	waitFor(t, "synthesized conversation", func() bool {
		snap := e.Snapshot()
		return len(snap.Conversations) == 1 && snap.Conversations[0].ID == "c9"
	})

	var conv wire.Conversation
	e.call(func() { conv, _ = e.convos.get("c9") })
	if !contains(conv.MemberIDs, "u5") || !contains(conv.MemberIDs, "u1") {
		t.Errorf("Synthesized members = %v, want sender and local user", conv.MemberIDs)
	}
}

func TestSeenEventMarksEverythingForeign(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "")

	for i := 0; i < 3; i++ {
		ch.push(t, wire.EventMessageNew, wire.Message{
			ID: fmt.Sprintf("m%d", i), ClientID: fmt.Sprintf("x%d", i),
			ConversationID: "c1", SenderID: "u2", Text: "hi", CreatedAt: time.Now(),
		})
	}
	waitFor(t, "three unread", func() bool {
		return e.Snapshot().Unread["c1"] == 3
	})

	ch.push(t, wire.EventMessagesSeen, wire.SeenPayload{ConversationID: "c1", UserID: "u1"})

	waitFor(t, "seen applied", func() bool {
		return e.Snapshot().Unread["c1"] == 0
	})

	var list []wire.Message
	e.call(func() { list = e.messages.list("c1") })
	for _, m := range list {
		if !contains(m.SeenBy, "u1") {
			t.Errorf("Message %s missing u1 in seenBy: %v", m.ID, m.SeenBy)
		}
	}
}

func TestMarkSeenEmittedAfterDelay(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	ch.push(t, wire.EventMessageNew, wire.Message{
		ID: "m1", ClientID: "x1", ConversationID: "c1", SenderID: "u2", Text: "hi", CreatedAt: time.Now(),
	})

	waitFor(t, "delayed mark-seen emit", func() bool {
		emits := ch.seenEmits()
		return len(emits) >= 1 && emits[0] == "c1"
	})
}

func TestTypingLifecycle(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	e.StartTyping()
	e.StartTyping() // re-arms the quiet timer, still a single stop

	waitFor(t, "typing start then stop", func() bool {
		signals := ch.typingSignals()
		if len(signals) != 3 {
			return false
		}
		return signals[0].IsTyping && signals[1].IsTyping && !signals[2].IsTyping &&
			signals[2].ConversationID == "c1" && signals[2].UserID == "u1"
	})
}

func TestOwnTypingEchoNotVisible(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	ch.push(t, wire.EventTyping, wire.TypingPayload{ConversationID: "c1", UserID: "u1", IsTyping: true})
	waitFor(t, "own echo applied", func() bool {
		var applied bool
		e.call(func() { applied = len(e.typing.byConvo["c1"]) == 1 })
		return applied
	})
	if e.IsTyping("c1") {
		t.Error("Own typing echo reported as partner typing")
	}

	ch.push(t, wire.EventTyping, wire.TypingPayload{ConversationID: "c1", UserID: "u2", IsTyping: true})
	waitFor(t, "partner typing", func() bool { return e.IsTyping("c1") })
}

func TestPresenceThroughEngine(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	setState(e, alice, "c1", "u1", "u2")

	ch.push(t, wire.EventPresenceUsers, []wire.PresenceUser{
		{UserID: "u1", Username: "alice"},
		{UserID: "u2", Username: "bob"},
	})

	waitFor(t, "partner online", func() bool { return e.IsPartnerOnline("c1") })

	snap := e.Snapshot()
	if len(snap.Online) != 1 || snap.Online[0].UserID != "u2" {
		t.Errorf("Online = %+v, want just u2", snap.Online)
	}
	if got := e.PartnerUsername("c1"); got != "bob" {
		t.Errorf("PartnerUsername = %q, want bob", got)
	}

	ch.push(t, wire.EventPresenceUsers, []wire.PresenceUser{})
	waitFor(t, "partner offline", func() bool { return !e.IsPartnerOnline("c1") })
	if got := e.PartnerUsername("c1"); got != "bob" {
		t.Errorf("Directory lost bob after offline: %q", got)
	}
}

func TestOpenDirectViaChannelAck(t *testing.T) {
	ch := newFakeChannel()
	ch.direct = &wire.Conversation{ID: "cd1", Kind: wire.KindDirect, MemberIDs: []string{"u1", "u2"}}
	api := &fakeAPI{messages: map[string][]wire.Message{
		"cd1": {{ID: "m1", ConversationID: "cd1", SenderID: "u2", Text: "old", CreatedAt: time.Now()}},
	}}
	e := newTestEngine(t, ch, api)
	setState(e, alice, "")

	if err := e.OpenDirect(context.Background(), "bob"); err != nil {
		t.Fatalf("OpenDirect failed: %v", err)
	}

	waitFor(t, "history loaded", func() bool {
		snap := e.Snapshot()
		return snap.ActiveID == "cd1" && len(snap.Messages) == 1
	})
	if joins := ch.joined(); len(joins) != 1 || joins[0] != "cd1" {
		t.Errorf("Joins = %v, want [cd1]", joins)
	}
	if got := e.PartnerUsername("cd1"); got != "bob" {
		t.Errorf("Directory entry for partner = %q, want bob", got)
	}
}

func TestOpenDirectFallsBackToAPI(t *testing.T) {
	ch := newFakeChannel() // ack returns nil conversation
	api := &fakeAPI{
		direct:   &wire.Conversation{ID: "cd2", Kind: wire.KindDirect, MemberIDs: []string{"u1", "u3"}},
		messages: map[string][]wire.Message{},
	}
	e := newTestEngine(t, ch, api)
	setState(e, alice, "")

	if err := e.OpenDirect(context.Background(), "carol"); err != nil {
		t.Fatalf("OpenDirect fallback failed: %v", err)
	}

	waitFor(t, "fallback conversation active", func() bool {
		return e.Snapshot().ActiveID == "cd2"
	})
	if joins := ch.joined(); len(joins) != 1 || joins[0] != "cd2" {
		t.Errorf("Joins = %v, want [cd2]", joins)
	}
	if got := e.PartnerUsername("cd2"); got != "carol" {
		t.Errorf("Directory entry for partner = %q, want carol", got)
	}
}

func TestOpenDirectRequiresLogin(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, ch, &fakeAPI{})
	if err := e.OpenDirect(context.Background(), "bob"); err == nil {
		t.Fatal("Expected error before login")
	}
}

func TestOpenConversationReloadsAndZerosUnread(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{messages: map[string][]wire.Message{
		"c2": {
			{ID: "m1", ConversationID: "c2", SenderID: "u3", Text: "a", CreatedAt: time.Now().Add(-time.Minute)},
			{ID: "m2", ConversationID: "c2", SenderID: "u3", Text: "b", CreatedAt: time.Now()},
			{ID: "m3", ConversationID: "c2", SenderID: "u1", Text: "c", CreatedAt: time.Now()},
		},
	}}
	e := newTestEngine(t, ch, api)
	setState(e, alice, "")

	ch.push(t, wire.EventMessageNew, wire.Message{
		ID: "m2", ClientID: "x2", ConversationID: "c2", SenderID: "u3", Text: "b", CreatedAt: time.Now(),
	})
	waitFor(t, "unread accrues", func() bool { return e.Snapshot().Unread["c2"] == 1 })

	if err := e.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	waitFor(t, "forced reload", func() bool {
		snap := e.Snapshot()
		return snap.ActiveID == "c2" && len(snap.Messages) == 3 && snap.Unread["c2"] == 0
	})
}
