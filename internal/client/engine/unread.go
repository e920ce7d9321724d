package engine

import "github.com/seamchat/seam/internal/wire"

// recomputeUnread derives the unread counter map from the loaded message
// lists. Conversations with no loaded messages keep their prior value, so
// counts hydrated at login survive until history arrives. The active
// conversation is always forced to zero.
func recomputeUnread(prev map[string]int, msgs *messageStore, localUser, activeID string) map[string]int {
	next := make(map[string]int, len(prev))
	for id, n := range prev {
		next[id] = n
	}
	for convoID, list := range msgs.byConvo {
		if len(list) == 0 {
			continue
		}
		next[convoID] = countUnread(list, localUser)
	}
	if activeID != "" {
		next[activeID] = 0
	}
	return next
}

// countUnread counts messages sent by someone else that the local user has
// not seen.
func countUnread(list []wire.Message, localUser string) int {
	n := 0
	for i := range list {
		if list[i].SenderID != localUser && !contains(list[i].SeenBy, localUser) {
			n++
		}
	}
	return n
}
