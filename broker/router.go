package broker

import (
	"github.com/sirupsen/logrus"
)

// Kind selects the routing semantics of a send.
type Kind string

const (
	// KindBroadcast delivers to every session of a clid, in registry order.
	KindBroadcast Kind = "broadcast"
	// KindDirect delivers to exactly one session.
	KindDirect Kind = "direct"
)

// router delivers payloads to registered sessions. Delivery is best effort: a
// full send queue or a vanished target drops the payload without an error.
type router struct {
	registry *Registry
	log      *logrus.Entry
}

// send routes one payload. For broadcast, target is ignored and every session
// of clid receives one copy. For direct, clid is informational and the payload
// goes to the session identified by target. Any other kind is dropped.
func (r *router) send(kind Kind, bkid, clid string, target SessionRef, event string, payload []byte) {
	switch kind {
	case KindBroadcast:
		for i, s := range r.registry.Lookup(clid) {
			s.deliver(MustFrameRaw(event, payload))
			r.log.Debugf("%d. broadcast to %s, userId: %s", i+1, s.Ref.SID, s.Ref.UserID)
		}
	case KindDirect:
		s := r.registry.Get(target.SID)
		if s == nil {
			// target vanished, delivery is not acknowledged
			r.log.Debugln("no session available for direct send to", target.SID)
			return
		}
		s.deliver(MustFrameRaw(event, payload))
	default:
		r.log.Debugln("invalid send kind, abort sending:", kind)
	}
}

// deliver enqueues raw frame bytes without blocking. Slow consumers lose
// messages, consistent with the no-retry delivery model.
func (s *Session) deliver(frame []byte) {
	select {
	case s.send <- frame:
	default:
	}
}
