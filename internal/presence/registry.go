// Package presence tracks which sessions are viewing which resource.
//
// The Registry owns its locking. Callers only go through Join, Leave,
// LeaveAll, Snapshot and the read helpers; the maps never escape.
package presence

import (
	"sort"
	"sync"

	"github.com/noton/realtime/internal/session"
)

// Registry maps resource id → session id → viewer, with a reverse index
// session id → set of resource ids so LeaveAll does not scan every room.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]session.Viewer
	sessions map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]session.Viewer),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to resourceID's room. Joining again overwrites the
// viewer record.
func (r *Registry) Join(resourceID, sessionID string, viewer session.Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[resourceID]
	if !ok {
		room = make(map[string]session.Viewer)
		r.rooms[resourceID] = room
	}
	room[sessionID] = viewer

	joined, ok := r.sessions[sessionID]
	if !ok {
		joined = make(map[string]struct{})
		r.sessions[sessionID] = joined
	}
	joined[resourceID] = struct{}{}
}

// Leave removes sessionID from resourceID's room. Removing a non-member is a
// no-op. The room is deleted once it is empty.
func (r *Registry) Leave(resourceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(resourceID, sessionID)
}

// LeaveAll removes sessionID from every room it belongs to and returns the
// affected resource ids, sorted.
func (r *Registry) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(joined))
	for resourceID := range joined {
		affected = append(affected, resourceID)
	}
	for _, resourceID := range affected {
		r.removeLocked(resourceID, sessionID)
	}
	sort.Strings(affected)
	return affected
}

func (r *Registry) removeLocked(resourceID, sessionID string) {
	if room, ok := r.rooms[resourceID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, resourceID)
		}
	}
	if joined, ok := r.sessions[sessionID]; ok {
		delete(joined, resourceID)
		if len(joined) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Snapshot returns a copy of the viewers in resourceID's room, ordered by
// user id and then email. The copy goes stale as soon as the lock is released.
func (r *Registry) Snapshot(resourceID string) []session.Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[resourceID]
	viewers := make([]session.Viewer, 0, len(room))
	for _, v := range room {
		viewers = append(viewers, v)
	}
	sort.Slice(viewers, func(i, j int) bool {
		if viewers[i].UserID != viewers[j].UserID {
			return viewers[i].UserID < viewers[j].UserID
		}
		return viewers[i].Email < viewers[j].Email
	})
	return viewers
}

// Sessions returns the session ids currently in resourceID's room.
func (r *Registry) Sessions(resourceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[resourceID]
	if len(room) == 0 {
		return nil
	}
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports the number of non-empty rooms and of distinct joined sessions.
func (r *Registry) Stats() (rooms, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.sessions)
}
