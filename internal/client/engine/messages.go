package engine

import "github.com/seamchat/seam/internal/wire"

// messageStore holds the ordered message list per conversation, including
// optimistic entries awaiting confirmation.
type messageStore struct {
	byConvo map[string][]wire.Message
}

func newMessageStore() *messageStore {
	return &messageStore{byConvo: make(map[string][]wire.Message)}
}

func (s *messageStore) list(convoID string) []wire.Message {
	return s.byConvo[convoID]
}

// loaded reports whether any messages are held for the conversation. Unread
// recomputation skips unloaded conversations so hydrated counts survive until
// history arrives.
func (s *messageStore) loaded(convoID string) bool {
	return len(s.byConvo[convoID]) > 0
}

func (s *messageStore) append(convoID string, m wire.Message) {
	s.byConvo[convoID] = append(s.byConvo[convoID], m)
}

// apply merges an inbound confirmed message via reconciliation.
func (s *messageStore) apply(convoID string, m wire.Message, localUser string) {
	s.byConvo[convoID], _ = reconcile(s.byConvo[convoID], m, localUser)
}

// setHistory replaces the conversation's list wholesale with a fetched
// history. Any still-pending optimistic entry not present in the fetched
// history is dropped; a reload is authoritative.
func (s *messageStore) setHistory(convoID string, msgs []wire.Message) {
	s.byConvo[convoID] = msgs
}

// mergePreview installs a login-time preview (last message only). If live
// messages arrived before the fetch resolved, the preview is folded in by
// reconciliation instead of clobbering them.
func (s *messageStore) mergePreview(convoID string, msgs []wire.Message, localUser string) {
	if !s.loaded(convoID) {
		s.byConvo[convoID] = msgs
		return
	}
	for _, m := range msgs {
		s.apply(convoID, m, localUser)
	}
}

// markSeen records that userID has seen everything currently in the
// conversation: every message not authored by userID gains userID in its
// seenBy set.
func (s *messageStore) markSeen(convoID, userID string) {
	list := s.byConvo[convoID]
	for i := range list {
		if list[i].SenderID == userID {
			continue
		}
		if !contains(list[i].SeenBy, userID) {
			list[i].SeenBy = append(list[i].SeenBy, userID)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
