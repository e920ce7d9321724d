package engine

import "github.com/seamchat/seam/internal/wire"

// heuristicWindow bounds the creation-time delta used when matching a
// confirmed echo without a client id against a pending optimistic entry.
const heuristicWindow = 10 // seconds

// pending reports whether m is an optimistic entry that has not been
// overwritten by a server echo. Optimistic entries reuse their client id as a
// temporary server id until confirmation.
func pending(m wire.Message) bool {
	return m.ClientID != "" && m.ID == m.ClientID
}

// reconcile merges an inbound confirmed message into list and returns the new
// list plus whether an existing entry was replaced in place. Replacement
// preserves the entry's position so the display order never jumps.
//
// Match order:
//  1. an entry with the same server id (duplicate delivery)
//  2. an entry whose server id or client id equals the incoming client id
//  3. when the incoming message has no client id and was sent by the local
//     user: a pending entry with the same text created within ten seconds.
//     This is a compatibility shim for senders that do not echo client ids;
//     it can misreconcile rapid duplicate sends of identical text.
//
// No match appends.
func reconcile(list []wire.Message, incoming wire.Message, localUser string) ([]wire.Message, bool) {
	if incoming.ID != "" {
		for i := range list {
			if list[i].ID == incoming.ID && !pending(list[i]) {
				list[i] = incoming
				return list, true
			}
		}
	}

	if incoming.ClientID != "" {
		for i := range list {
			if list[i].ID == incoming.ClientID || list[i].ClientID == incoming.ClientID {
				list[i] = incoming
				return list, true
			}
		}
		return append(list, incoming), false
	}

	if incoming.SenderID != "" && incoming.SenderID == localUser {
		for i := range list {
			if !pending(list[i]) || list[i].SenderID != localUser || list[i].Text != incoming.Text {
				continue
			}
			delta := incoming.CreatedAt.Sub(list[i].CreatedAt).Seconds()
			if delta < 0 {
				delta = -delta
			}
			if delta < heuristicWindow {
				list[i] = incoming
				return list, true
			}
		}
	}

	return append(list, incoming), false
}
