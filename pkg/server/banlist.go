package server

import (
	"sync"
)

// BanDirectory holds the per-viewer sets of muted sender usernames.
//
// Entries are keyed by username, not session id: a ban survives the muted
// user's reconnect under the same name, and is consulted per recipient at
// broadcast time as a pure rendering filter. State is process-lifetime only.
type BanDirectory struct {
	mu       sync.RWMutex
	bannedBy map[string]map[string]struct{} // viewer -> muted senders
}

// NewBanDirectory creates an empty ban directory.
func NewBanDirectory() *BanDirectory {
	return &BanDirectory{
		bannedBy: make(map[string]map[string]struct{}),
	}
}

// Ban adds target to viewer's mute set. Idempotent.
func (b *BanDirectory) Ban(viewer, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.bannedBy[viewer]
	if !ok {
		set = make(map[string]struct{})
		b.bannedBy[viewer] = set
	}
	set[target] = struct{}{}
}

// Unban removes target from viewer's mute set. No-op if absent, never an error.
func (b *BanDirectory) Unban(viewer, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.bannedBy[viewer]
	if !ok {
		return
	}
	delete(set, target)
	if len(set) == 0 {
		delete(b.bannedBy, viewer)
	}
}

// IsBlocked reports whether viewer has muted sender. Unknown viewers block
// nothing.
func (b *BanDirectory) IsBlocked(viewer, sender string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.bannedBy[viewer]
	if !ok {
		return false
	}
	_, blocked := set[sender]
	return blocked
}

// BannedBy returns a copy of viewer's mute set.
func (b *BanDirectory) BannedBy(viewer string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.bannedBy[viewer]
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}
