package broker

import (
	"sync"

	"github.com/urho-eu/onoff/core/logger"
)

// AllowanceWildcard as a member of an allowance set permits every clid.
const AllowanceWildcard = "all"

// AllowanceTable holds one allowance set per backend identity (bkid). A bkid
// that has no entry here accepts no connections at all. An empty entry means
// the backend has not declared its set yet; the backend itself may populate
// it on its own join (first write only).
type AllowanceTable struct {
	mu      sync.RWMutex
	allowed map[string][]string
}

// NewAllowanceTable creates a table from the configured sets. The map may be
// nil; backends can still not be added at runtime, only their sets can.
func NewAllowanceTable(allowed map[string][]string) *AllowanceTable {
	t := &AllowanceTable{allowed: make(map[string][]string)}
	for bkid, set := range allowed {
		t.allowed[bkid] = append([]string(nil), set...)
	}
	return t
}

// Authorize decides whether clid may attach to bkid. The caller-supplied
// requested set is adopted according to the rules below. The reason for a
// denial is never part of the result, clients might be fishing.
//
// A peer whose clid equals the bkid is the backend itself: it may populate an
// empty set once, and is always admitted. Any other peer that supplies a
// non-empty set overwrites the current one. This mirrors the behavior the
// deployed backends rely on; see DESIGN.md for why the overwrite is suspect.
func (t *AllowanceTable) Authorize(bkid, clid string, requested []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.allowed[bkid]
	if !ok {
		logger.Default().Debugln("bkid is not allowed:", bkid)
		return false
	}

	if clid == bkid {
		// the backend service itself
		if len(set) == 0 && len(requested) > 0 {
			t.allowed[bkid] = append([]string(nil), requested...)
		}
		return true
	}

	if len(requested) > 0 {
		logger.Default().Warnln("client", clid, "redefines allowance set of", bkid)
		set = append([]string(nil), requested...)
		t.allowed[bkid] = set
	}

	if len(set) == 0 {
		// all connections disabled to this backend
		return false
	}
	for _, member := range set {
		if member == AllowanceWildcard || member == clid {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all allowance sets, for the status API.
func (t *AllowanceTable) Snapshot() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]string, len(t.allowed))
	for bkid, set := range t.allowed {
		out[bkid] = append([]string(nil), set...)
	}
	return out
}
