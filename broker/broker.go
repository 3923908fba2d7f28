package broker

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/urho-eu/onoff/core/logger"
)

// Sender is the broker surface the command dispatcher replies through.
type Sender interface {
	// Send routes a payload to sessions. KindBroadcast reaches every session
	// of clid, KindDirect reaches the single session named by target. Both
	// are best effort.
	Send(kind Kind, bkid, clid string, target SessionRef, payload []byte)
}

// DownlinkHandler receives everything that flows from the broker towards the
// backend: command envelopes, session lifecycle updates and device
// notifications from the gateway. Commands and device notifications are
// invoked on their own goroutine and must be safe for concurrent use; user
// updates are invoked on the run loop so they keep registry order.
type DownlinkHandler interface {
	HandleCommand(env CommandEnvelope)
	HandleUserUpdate(update UserUpdate)
	HandleDeviceNotification(topic string, payload []byte)
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Allowed maps each backend identity to its allowance set. Mandatory;
	// may be empty for a broker that denies everything.
	Allowed map[string][]string
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// BroadcastOnJoin announces joining clients to their clid room.
	BroadcastOnJoin bool
	// BroadcastOnLeave announces leaving clients to their clid room.
	BroadcastOnLeave bool
	// EventBuffer is the run loop queue size. Defaults to 256.
	EventBuffer int
}

// Broker authorizes and routes messages between browser sessions and the
// backend. Create one with MustNewBroker, attach the downlink handler, then
// call Run.
type Broker struct {
	allowances *AllowanceTable
	registry   *Registry
	router     *router
	events     chan event
	downlink   DownlinkHandler

	broadcastOnJoin  bool
	broadcastOnLeave bool

	log *logrus.Entry
}

// The closed set of events consumed by the run loop. Everything that mutates
// broker state arrives here and is processed one event at a time.
type event interface{ isEvent() }

type joinRequest struct {
	c      *conn
	params JoinParams
}

type clientMessage struct {
	c     *conn
	event string
	env   Envelope
}

type sessionUpdate struct {
	c      *conn
	update UserUpdate
}

type disconnectNotice struct {
	c        *conn
	graceful bool
}

type deviceNotification struct {
	topic   string
	payload []byte
}

type delivery struct {
	kind    Kind
	bkid    string
	clid    string
	target  SessionRef
	event   string
	payload []byte
}

func (joinRequest) isEvent()        {}
func (clientMessage) isEvent()      {}
func (sessionUpdate) isEvent()      {}
func (disconnectNotice) isEvent()   {}
func (deviceNotification) isEvent() {}
func (delivery) isEvent()           {}

// MustNewBroker returns a new broker and adds the websocket route /dmb and the
// read-only status routes to the router. The broker will not process anything
// until you call Run.
func MustNewBroker(bb *Builder) *Broker {
	if bb.Allowed == nil {
		panic("allowance sets are missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	buffer := bb.EventBuffer
	if buffer == 0 {
		buffer = 256
	}

	registry := NewRegistry()
	log := logger.Default()
	b := &Broker{
		allowances:       NewAllowanceTable(bb.Allowed),
		registry:         registry,
		router:           &router{registry: registry, log: log},
		events:           make(chan event, buffer),
		broadcastOnJoin:  bb.BroadcastOnJoin,
		broadcastOnLeave: bb.BroadcastOnLeave,
		log:              log,
	}
	b.handleRoutes(bb.Router)
	return b
}

// AttachDownlink connects the backend side. Must be called before Run.
func (b *Broker) AttachDownlink(h DownlinkHandler) {
	b.downlink = h
}

// Registry exposes the connection registry for read-only access.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Send implements Sender. The payload must be valid JSON. The delivery is
// queued onto the run loop, so it serializes with registry mutations.
func (b *Broker) Send(kind Kind, bkid, clid string, target SessionRef, payload []byte) {
	wireEvent := EventMessage
	if kind == KindBroadcast {
		wireEvent = EventBroadcast
	}
	b.events <- delivery{kind: kind, bkid: bkid, clid: clid, target: target, event: wireEvent, payload: payload}
}

// NotifyDevice hands a gateway notification to the run loop. It is the
// subscription callback used by the shadow gateway.
func (b *Broker) NotifyDevice(topic string, payload []byte) {
	b.events <- deviceNotification{topic: topic, payload: payload}
}

// Run processes events until the context is cancelled. It is blocking; run it
// on its own goroutine if you need to do anything else.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			switch ev := ev.(type) {
			case joinRequest:
				b.handleJoin(ev.c, ev.params)
			case clientMessage:
				b.handleMessage(ev.c, ev.event, ev.env)
			case sessionUpdate:
				b.handleUpdate(ev.c, ev.update)
			case disconnectNotice:
				b.handleDisconnect(ev.c, ev.graceful)
			case deviceNotification:
				if b.downlink != nil {
					go b.downlink.HandleDeviceNotification(ev.topic, ev.payload)
				}
			case delivery:
				b.router.send(ev.kind, ev.bkid, ev.clid, ev.target, ev.event, ev.payload)
			}
		}
	}
}

func (b *Broker) handleJoin(c *conn, params JoinParams) {
	if c.session != nil {
		b.log.Debugln("join on an already joined connection from", c.session.ClID)
		return
	}
	if params.ClID == "" {
		b.log.Debugln("join without clid")
		return
	}

	if !b.allowances.Authorize(params.BkID, params.ClID, params.Allowed) {
		// do not provide more info
		b.log.Debugln("access denied for client:", params.ClID)
		c.deliverDirect(MustFrame(EventMessage, "access denied for "+params.ClID))
		c.close()
		return
	}

	userID := params.UserID
	if userID == "" {
		userID = c.id.String()
	}
	session := NewSession(SessionRef{SID: c.id, UserID: userID}, params.BkID, params.ClID, c.send)
	c.session = session
	b.registry.Join(session)

	c.deliverDirect(MustFrame(EventJoined, JoinedParams{ClID: params.ClID}))
	b.log.Debugf("new client of %s, userId: %s, sid: %s", params.ClID, userID, c.id)

	if b.broadcastOnJoin {
		payload := MustRaw(Notice{Sender: params.BkID, Payload: MustRaw("new client joined")})
		b.router.send(KindBroadcast, params.BkID, params.ClID, SessionRef{}, EventBroadcast, payload)
	}

	// a private greeting
	greeting := MustRaw(Notice{
		Sender:  params.BkID,
		Payload: MustRaw("Hello from backend service: " + params.BkID + "!"),
	})
	b.router.send(KindDirect, params.BkID, params.ClID, session.Ref, EventMessage, greeting)
}

func (b *Broker) handleMessage(c *conn, wireEvent string, env Envelope) {
	session := c.session
	if session == nil {
		b.log.Debugln("message from a connection that has not joined")
		return
	}

	// back-fill identity from the session context
	if env.BkID == "" {
		env.BkID = session.BkID
	}
	if env.ClID == "" {
		env.ClID = session.ClID
	}
	if env.To == "" {
		env.To = session.BkID
	}

	if wireEvent == EventBroadcast {
		b.router.send(KindBroadcast, env.BkID, env.ClID, SessionRef{}, EventBroadcast, MustRaw(env))
		return
	}

	if env.BkID == env.ClID && env.Socket != nil {
		// the backend reaches out to one client directly
		b.router.send(KindDirect, env.BkID, env.To, *env.Socket, EventMessage, MustRaw(env))
	}

	if b.downlink == nil {
		return
	}
	go b.downlink.HandleCommand(CommandEnvelope{
		BkID:    env.BkID,
		ClID:    env.ClID,
		To:      env.To,
		Socket:  session.Ref,
		Payload: env.Payload,
	})
}

func (b *Broker) handleUpdate(c *conn, update UserUpdate) {
	if update.Type != UserUpdateType {
		b.log.Debugln("unknown update type:", update.Type)
		return
	}
	if c.session != nil && update.UserID != "" {
		// the ref is shared with the status API snapshot
		b.registry.SetUserID(c.session.Ref.SID, update.UserID)
	}
	var ref SessionRef
	if c.session != nil {
		ref = c.session.Ref
	} else {
		ref = SessionRef{SID: c.id, UserID: update.UserID}
	}
	update.Socket = &ref
	if b.downlink != nil {
		b.downlink.HandleUserUpdate(update)
	}
}

func (b *Broker) handleDisconnect(c *conn, graceful bool) {
	session := c.session
	if session == nil {
		c.close()
		return
	}

	if graceful {
		// a courtesy farewell before the connection goes away
		farewell := MustRaw(Notice{
			Sender:  session.BkID,
			Payload: MustRaw(session.ClID + " disconnected from " + session.BkID),
		})
		b.router.send(KindDirect, session.BkID, session.ClID, session.Ref, EventMessage, farewell)
	}

	if !b.registry.Leave(session.ClID, session.Ref.SID) {
		b.log.Debugf("no session available for %s with id: %s", session.ClID, session.Ref.SID)
		c.close()
		return
	}
	c.session = nil
	b.log.Debugf("client left: %s, sid: %s", session.ClID, session.Ref.SID)

	if b.broadcastOnLeave {
		payload := MustRaw(Notice{Sender: session.BkID, Payload: MustRaw("client " + session.ClID + " left")})
		b.router.send(KindBroadcast, session.BkID, session.ClID, SessionRef{}, EventBroadcast, payload)
	}

	if b.downlink != nil {
		ref := session.Ref
		b.downlink.HandleUserUpdate(UserUpdate{
			Type:   UserUpdateType,
			UserID: session.Ref.UserID,
			Action: ActionDisconnect,
			Socket: &ref,
		})
	}
	c.close()
}

// handleRoutes adds the websocket endpoint and the read-only status routes.
func (b *Broker) handleRoutes(router *mux.Router) {
	b.log.Infoln("broker: handle route /dmb websocket")
	b.log.Infoln("broker: handle route /healthz GET")
	b.log.Infoln("broker: handle route /sessions GET")
	b.log.Infoln("broker: handle route /allowances GET")

	router.HandleFunc("/dmb", b.serveWS)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	router.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("session snapshot requested")
		w.Header().Set("Content-Type", "application/json")
		jsonData, _ := json.MarshalIndent(b.registry.Snapshot(), "", " ")
		w.Write(jsonData)
	}).Methods(http.MethodGet)

	router.HandleFunc("/allowances", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("allowance snapshot requested")
		w.Header().Set("Content-Type", "application/json")
		jsonData, _ := json.MarshalIndent(b.allowances.Snapshot(), "", " ")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}

var _ Sender = (*Broker)(nil)
