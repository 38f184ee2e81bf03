// Package presence tracks who is viewing each document. State is process
// local and is rebuilt as clients rejoin after a restart.
package presence

import (
	"sort"
	"sync"
	"time"

	"marginalia/internal/store"
)

// Entry is one user present in a document room.
type Entry struct {
	store.Profile
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type room struct {
	mu      sync.Mutex
	members map[string]Entry
}

// Registry maps documents to their present users. Each document has its own
// lock; the outer lock only guards the room table.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*room{}, now: time.Now}
}

// lockRoom returns the room locked, creating it when create is set. The
// room table lock is held until the room lock is taken so a concurrent
// garbage collection cannot orphan it.
func (r *Registry) lockRoom(documentID string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[documentID]
	if !ok {
		if !create {
			return nil
		}
		rm = &room{members: map[string]Entry{}}
		r.rooms[documentID] = rm
	}
	rm.mu.Lock()
	return rm
}

// Add upserts the entry keyed by user id. A re-add keeps the original join
// time and takes the new connection id.
func (r *Registry) Add(documentID string, entry Entry) {
	rm := r.lockRoom(documentID, true)
	defer rm.mu.Unlock()

	if existing, ok := rm.members[entry.ID]; ok {
		entry.JoinedAt = existing.JoinedAt
	} else if entry.JoinedAt.IsZero() {
		entry.JoinedAt = r.now()
	}
	rm.members[entry.ID] = entry
}

// Remove drops the user from the document. A non-empty connectionID only
// removes the entry it still owns, so a stale connection cannot evict the
// user's newer one. It reports whether an entry was removed.
func (r *Registry) Remove(documentID, userID, connectionID string) bool {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return false
	}

	entry, ok := rm.members[userID]
	removed := ok && (connectionID == "" || entry.ConnectionID == connectionID)
	if removed {
		delete(rm.members, userID)
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.collect(documentID, rm)
	}
	return removed
}

func (r *Registry) collect(documentID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[documentID] != rm {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) == 0 {
		delete(r.rooms, documentID)
	}
}

// List returns a snapshot ordered by join time.
func (r *Registry) List(documentID string) []Entry {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return []Entry{}
	}
	entries := make([]Entry, 0, len(rm.members))
	for _, entry := range rm.members {
		entries = append(entries, entry)
	}
	rm.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Has reports whether the user is present in the document.
func (r *Registry) Has(documentID, userID string) bool {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	_, ok := rm.members[userID]
	return ok
}

func (r *Registry) Len(documentID string) int {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Documents lists documents with at least one present user.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
