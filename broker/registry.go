package broker

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one live connection admitted into the registry. A session belongs
// to exactly one (bkid, clid); one clid may have any number of concurrent
// sessions (browser tabs).
type Session struct {
	Ref  SessionRef
	BkID string
	ClID string

	send chan<- []byte
}

// NewSession creates a session delivering into the given send queue.
func NewSession(ref SessionRef, bkid, clid string, send chan<- []byte) *Session {
	return &Session{Ref: ref, BkID: bkid, ClID: clid, send: send}
}

// Registry tracks live sessions grouped by clid, in join order. Mutations
// happen on the broker run loop only; the mutex guards concurrent reads from
// the status API.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string][]*Session
	byID  map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string][]*Session),
		byID:  make(map[uuid.UUID]*Session),
	}
}

// Join appends the session to the room of its clid. There is no upper bound on
// concurrent sessions per clid.
func (r *Registry) Join(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[s.ClID] = append(r.rooms[s.ClID], s)
	r.byID[s.Ref.SID] = s
}

// Leave removes the last occurrence of sid from the room of clid. It reports
// whether a session was removed; an absent sid is a no-op.
func (r *Registry) Leave(clid string, sid uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[clid]
	for i := len(room) - 1; i >= 0; i-- {
		if room[i].Ref.SID == sid {
			r.rooms[clid] = append(room[:i], room[i+1:]...)
			delete(r.byID, sid)
			return true
		}
	}
	return false
}

// SetUserID rewrites the user of a live session. Session refs are read
// concurrently by the status API, so the write must happen under the registry
// lock. An absent sid is a no-op.
func (r *Registry) SetUserID(sid uuid.UUID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.byID[sid]; s != nil {
		s.Ref.UserID = userID
	}
}

// Lookup returns the sessions of a clid in join order. The returned slice is a
// copy and safe to iterate while the registry changes.
func (r *Registry) Lookup(clid string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Session(nil), r.rooms[clid]...)
}

// Get returns the session with the given id, or nil if it vanished.
func (r *Registry) Get(sid uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[sid]
}

// Snapshot returns the registry content as refs per clid, for the status API.
func (r *Registry) Snapshot() map[string][]SessionRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]SessionRef, len(r.rooms))
	for clid, room := range r.rooms {
		refs := make([]SessionRef, 0, len(room))
		for _, s := range room {
			refs = append(refs, s.Ref)
		}
		out[clid] = refs
	}
	return out
}
