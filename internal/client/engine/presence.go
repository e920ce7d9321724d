package engine

import (
	"sort"

	"github.com/seamchat/seam/internal/wire"
)

// presenceTracker holds the current online set and the cumulative user
// directory. The online set is replaced wholesale by every presence snapshot;
// the directory only ever grows.
type presenceTracker struct {
	online    map[string]string // userID -> username, current snapshot
	directory map[string]string // userID -> username, cumulative
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		online:    make(map[string]string),
		directory: make(map[string]string),
	}
}

// setSnapshot replaces the online set with the broadcast contents and merges
// every pair into the directory.
func (p *presenceTracker) setSnapshot(users []wire.PresenceUser) {
	p.online = make(map[string]string, len(users))
	for _, u := range users {
		p.online[u.UserID] = u.Username
		p.remember(u.UserID, u.Username)
	}
}

func (p *presenceTracker) isOnline(userID string) bool {
	_, ok := p.online[userID]
	return ok
}

// remember adds a directory entry. Empty usernames never overwrite a known
// one.
func (p *presenceTracker) remember(userID, username string) {
	if userID == "" || username == "" {
		return
	}
	p.directory[userID] = username
}

func (p *presenceTracker) username(userID string) string {
	return p.directory[userID]
}

// onlineList returns the online set minus the local user, sorted by username
// for stable rendering.
func (p *presenceTracker) onlineList(exceptUserID string) []wire.PresenceUser {
	out := make([]wire.PresenceUser, 0, len(p.online))
	for id, name := range p.online {
		if id == exceptUserID {
			continue
		}
		out = append(out, wire.PresenceUser{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
