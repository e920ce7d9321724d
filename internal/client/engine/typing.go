package engine

// typingTracker mirrors inbound typing signals per conversation. Receiver
// state has no timeout of its own: the sender broadcasts the stop signal when
// its own quiet window expires.
type typingTracker struct {
	byConvo map[string]map[string]bool
}

func newTypingTracker() *typingTracker {
	return &typingTracker{byConvo: make(map[string]map[string]bool)}
}

func (t *typingTracker) set(convoID, userID string, typing bool) {
	set := t.byConvo[convoID]
	if set == nil {
		if !typing {
			return
		}
		set = make(map[string]bool)
		t.byConvo[convoID] = set
	}
	if typing {
		set[userID] = true
	} else {
		delete(set, userID)
	}
}

// isTyping reports whether anyone other than localUser is typing in the
// conversation. The local user's own echoed signal never counts.
func (t *typingTracker) isTyping(convoID, localUser string) bool {
	for id := range t.byConvo[convoID] {
		if id != localUser {
			return true
		}
	}
	return false
}
