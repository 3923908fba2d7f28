package backend

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urho-eu/onoff/broker"
)

// UserTable records which sessions belong to which logical user. It is the
// backend-side grouping, distinct from the broker's clid rooms: one user may
// be connected from several tabs that all share a clid.
//
// Entries are additive: a user that once connected stays in the table with an
// empty session list after the last disconnect. The table doubles as a ledger
// of known users; fan-out over an empty list is a no-op, so the cost is one
// entry per user ever seen.
type UserTable struct {
	mu    sync.RWMutex
	users map[string][]uuid.UUID
	log   *logrus.Entry
}

// NewUserTable creates an empty table.
func NewUserTable(log *logrus.Entry) *UserTable {
	return &UserTable{users: make(map[string][]uuid.UUID), log: log}
}

// OnUserUpdate applies a session lifecycle notice. Connect and reconnect
// append the session id without deduplication; disconnect removes the last
// occurrence. Unknown actions are dropped with a diagnostic.
func (t *UserTable) OnUserUpdate(userID, action string, sid uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action {
	case broker.ActionConnect, broker.ActionReconnect:
		t.users[userID] = append(t.users[userID], sid)
		t.log.Debugf("connections of user %s: %d", userID, len(t.users[userID]))
	case broker.ActionDisconnect:
		sessions := t.users[userID]
		for i := len(sessions) - 1; i >= 0; i-- {
			if sessions[i] == sid {
				t.users[userID] = append(sessions[:i], sessions[i+1:]...)
				return
			}
		}
	default:
		t.log.Debugln("unknown user_update action:", action)
	}
}

// ActiveSessions returns the user's session ids in connect order. The slice
// is a copy.
func (t *UserTable) ActiveSessions(userID string) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]uuid.UUID(nil), t.users[userID]...)
}

// KnownUsers returns every user the table has ever seen, including those
// without active sessions.
func (t *UserTable) KnownUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for userID := range t.users {
		out = append(out, userID)
	}
	return out
}
