package engine

import "testing"

func TestOwnTypingSignalDoesNotCount(t *testing.T) {
	tr := newTypingTracker()
	tr.set("c1", "u1", true)
	if tr.isTyping("c1", "u1") {
		t.Error("Local user's own echoed signal counted as partner typing")
	}
	if !tr.isTyping("c1", "u2") {
		t.Error("u1 typing should be visible to u2")
	}
}

func TestTypingSetAndClear(t *testing.T) {
	tr := newTypingTracker()

	tr.set("c1", "u2", true)
	if !tr.isTyping("c1", "u1") {
		t.Fatal("Expected partner typing")
	}

	tr.set("c1", "u2", false)
	if tr.isTyping("c1", "u1") {
		t.Error("Typing should clear on stop signal")
	}

	// stop for an unknown conversation is a no-op
	tr.set("nope", "u2", false)
	if tr.isTyping("nope", "u1") {
		t.Error("Unknown conversation should not report typing")
	}
}
