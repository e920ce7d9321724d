package engine

import (
	"time"

	"github.com/seamchat/seam/internal/wire"
)

// ConversationView is the display-ready projection of one conversation.
type ConversationView struct {
	ID            string
	Kind          string
	Title         string
	PartnerID     string
	PartnerOnline bool
	Typing        bool
	Unread        int
	LastMessageAt time.Time
}

// Snapshot is a read-only copy of engine state for the presentation layer.
// The presentation layer never mutates store state; it reads snapshots and
// issues intents.
type Snapshot struct {
	Me            *wire.Identity
	Online        []wire.PresenceUser
	ActiveID      string
	Conversations []ConversationView
	Messages      []wire.Message
	Unread        map[string]int
}

// Snapshot builds a consistent copy of the current state on the engine loop.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.call(func() {
		var meID string
		if e.me != nil {
			id := *e.me
			snap.Me = &id
			meID = id.UserID
		}
		snap.Online = e.presence.onlineList(meID)
		snap.ActiveID = e.convos.activeID

		ordered := e.convos.ordered(e.messages)
		snap.Conversations = make([]ConversationView, 0, len(ordered))
		for _, c := range ordered {
			v := ConversationView{ID: c.ID, Kind: c.Kind}
			v.PartnerID = e.convos.partner(c.ID, meID)
			v.Title = e.presence.username(v.PartnerID)
			if v.Title == "" {
				v.Title = v.PartnerID
			}
			if v.Title == "" {
				v.Title = c.ID
			}
			v.PartnerOnline = v.PartnerID != "" && e.presence.isOnline(v.PartnerID)
			v.Typing = e.typing.isTyping(c.ID, meID)
			v.Unread = e.unread[c.ID]
			if list := e.messages.list(c.ID); len(list) > 0 {
				v.LastMessageAt = list[len(list)-1].CreatedAt
			}
			snap.Conversations = append(snap.Conversations, v)
		}

		if snap.ActiveID != "" {
			src := e.messages.list(snap.ActiveID)
			snap.Messages = make([]wire.Message, len(src))
			copy(snap.Messages, src)
		}

		snap.Unread = make(map[string]int, len(e.unread))
		for id, n := range e.unread {
			snap.Unread[id] = n
		}
	})
	return snap
}

// IsTyping reports whether a remote participant is typing in the
// conversation.
func (e *Engine) IsTyping(conversationID string) bool {
	var typing bool
	e.call(func() {
		var meID string
		if e.me != nil {
			meID = e.me.UserID
		}
		typing = e.typing.isTyping(conversationID, meID)
	})
	return typing
}

// IsPartnerOnline reports whether the conversation's non-local member is in
// the current presence snapshot.
func (e *Engine) IsPartnerOnline(conversationID string) bool {
	var online bool
	e.call(func() {
		if e.me == nil {
			return
		}
		partner := e.convos.partner(conversationID, e.me.UserID)
		online = partner != "" && e.presence.isOnline(partner)
	})
	return online
}

// PartnerUsername returns the directory name of the conversation's non-local
// member, or "" when unknown.
func (e *Engine) PartnerUsername(conversationID string) string {
	var name string
	e.call(func() {
		if e.me == nil {
			return
		}
		name = e.presence.username(e.convos.partner(conversationID, e.me.UserID))
	})
	return name
}
