package engine

import (
	"testing"
	"time"

	"github.com/seamchat/seam/internal/wire"
)

func optimistic(clientID, sender, text string, at time.Time) wire.Message {
	return wire.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           text,
		CreatedAt:      at,
		DeliveredTo:    []string{sender},
		SeenBy:         []string{},
	}
}

func confirmed(serverID, clientID, sender, text string, at time.Time) wire.Message {
	return wire.Message{
		ID:             serverID,
		ClientID:       clientID,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           text,
		CreatedAt:      at,
	}
}

func TestReconcileReplacesPendingInPlace(t *testing.T) {
	now := time.Now()
	list := []wire.Message{
		confirmed("m1", "", "u2", "hey", now.Add(-2*time.Minute)),
		optimistic("temp-1", "u1", "hi", now),
		confirmed("m2", "", "u2", "yo", now.Add(time.Second)),
	}

	echo := confirmed("m3", "temp-1", "u1", "hi", now)
	out, replaced := reconcile(list, echo, "u1")

	if !replaced {
		t.Fatal("Expected in-place replacement")
	}
	if len(out) != 3 {
		t.Fatalf("Expected length 3, got %d", len(out))
	}
	if out[1].ID != "m3" {
		t.Errorf("Expected position 1 to hold m3, got %q", out[1].ID)
	}
	if pending(out[1]) {
		t.Error("Replaced entry still pending")
	}
}

func TestReconcileAppendsUnknownClientID(t *testing.T) {
	now := time.Now()
	list := []wire.Message{confirmed("m1", "", "u2", "hey", now)}

	out, replaced := reconcile(list, confirmed("m2", "c-other", "u2", "yo", now), "u1")
	if replaced {
		t.Fatal("Expected append, not replacement")
	}
	if len(out) != 2 || out[1].ID != "m2" {
		t.Fatalf("Expected appended m2, got %+v", out)
	}
}

func TestReconcileDuplicateServerID(t *testing.T) {
	now := time.Now()
	msg := confirmed("m1", "temp-1", "u1", "hi", now)

	list, _ := reconcile(nil, msg, "u1")
	list, replaced := reconcile(list, msg, "u1")

	if !replaced {
		t.Fatal("Expected duplicate delivery to replace, not append")
	}
	if len(list) != 1 {
		t.Fatalf("Expected single entry, got %d", len(list))
	}
}

func TestReconcileHeuristicFallback(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name        string
		incoming    wire.Message
		wantReplace bool
	}{
		{
			name:        "same text within window",
			incoming:    confirmed("m1", "", "u1", "hi", now.Add(3*time.Second)),
			wantReplace: true,
		},
		{
			name:        "same text outside window",
			incoming:    confirmed("m1", "", "u1", "hi", now.Add(15*time.Second)),
			wantReplace: false,
		},
		{
			name:        "different text",
			incoming:    confirmed("m1", "", "u1", "bye", now),
			wantReplace: false,
		},
		{
			name:        "foreign sender",
			incoming:    confirmed("m1", "", "u2", "hi", now),
			wantReplace: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			list := []wire.Message{optimistic("temp-1", "u1", "hi", now)}
			out, replaced := reconcile(list, tc.incoming, "u1")
			if replaced != tc.wantReplace {
				t.Fatalf("replaced = %v, want %v", replaced, tc.wantReplace)
			}
			wantLen := 2
			if tc.wantReplace {
				wantLen = 1
			}
			if len(out) != wantLen {
				t.Errorf("Expected %d entries, got %d", wantLen, len(out))
			}
		})
	}
}

func TestReconcilePreservesArrivalOrder(t *testing.T) {
	now := time.Now()
	var list []wire.Message
	for _, id := range []string{"m1", "m2", "m3"} {
		list, _ = reconcile(list, confirmed(id, "c-"+id, "u2", "msg "+id, now), "u1")
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if list[i].ID != id {
			t.Fatalf("Expected %s at %d, got %s", id, i, list[i].ID)
		}
	}
}
