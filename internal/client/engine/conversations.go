package engine

import (
	"sort"
	"time"

	"github.com/seamchat/seam/internal/wire"
)

// conversationStore holds known conversations and the active selection. The
// set only grows for the lifetime of a session.
type conversationStore struct {
	byID     map[string]wire.Conversation
	activeID string
}

func newConversationStore() *conversationStore {
	return &conversationStore{byID: make(map[string]wire.Conversation)}
}

func (c *conversationStore) upsert(conv wire.Conversation) {
	if conv.ID == "" {
		return
	}
	c.byID[conv.ID] = conv
}

// ensure synthesizes a minimal direct conversation when an inbound message
// references an unknown id. The synthesized record is superseded whenever an
// authoritative one is upserted.
func (c *conversationStore) ensure(id string, memberIDs ...string) {
	if id == "" {
		return
	}
	if _, ok := c.byID[id]; ok {
		return
	}
	members := make([]string, 0, len(memberIDs))
	for _, m := range memberIDs {
		if m != "" && !contains(members, m) {
			members = append(members, m)
		}
	}
	c.byID[id] = wire.Conversation{ID: id, Kind: wire.KindDirect, MemberIDs: members}
}

func (c *conversationStore) get(id string) (wire.Conversation, bool) {
	conv, ok := c.byID[id]
	return conv, ok
}

// partner returns the non-local member of a direct conversation, or "" when
// unknown.
func (c *conversationStore) partner(id, localUser string) string {
	conv, ok := c.byID[id]
	if !ok {
		return ""
	}
	for _, m := range conv.MemberIDs {
		if m != localUser {
			return m
		}
	}
	return ""
}

// ordered returns all conversations sorted by the createdAt of their most
// recent loaded message, newest first. Conversations with no loaded messages
// sort last; ties break on id so the order is stable.
func (c *conversationStore) ordered(msgs *messageStore) []wire.Conversation {
	type entry struct {
		conv wire.Conversation
		last time.Time
	}
	entries := make([]entry, 0, len(c.byID))
	for _, conv := range c.byID {
		e := entry{conv: conv}
		if list := msgs.list(conv.ID); len(list) > 0 {
			e.last = list[len(list)-1].CreatedAt
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].last.Equal(entries[j].last) {
			return entries[i].last.After(entries[j].last)
		}
		return entries[i].conv.ID < entries[j].conv.ID
	})
	out := make([]wire.Conversation, len(entries))
	for i, e := range entries {
		out[i] = e.conv
	}
	return out
}
