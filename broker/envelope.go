package broker

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Wire events. Every frame on the websocket is {"event": E, "data": D}.
const (
	EventJoin       = "join"
	EventJoined     = "joined"
	EventMessage    = "message"
	EventBroadcast  = "broadcast"
	EventUpdate     = "update"
	EventDisconnect = "disconnect"
)

// Update actions for user_update notices.
const (
	ActionConnect    = "connect"
	ActionReconnect  = "reconnect"
	ActionDisconnect = "disconnect"
)

// Frame is the wire representation of a single websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MustFrame marshals a frame with the given data. Marshalling of our own types
// cannot fail, hence no error return.
func MustFrame(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	b, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		panic(err)
	}
	return b
}

// MustFrameRaw wraps already-marshalled data into a frame. The data must be
// valid JSON.
func MustFrameRaw(event string, data []byte) []byte {
	b, err := json.Marshal(Frame{Event: event, Data: json.RawMessage(data)})
	if err != nil {
		panic(err)
	}
	return b
}

// MustRaw marshals a value into a raw JSON payload.
func MustRaw(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// Notice is the payload shape delivered to clients: a sender tag, an opaque
// payload and an optional UI trigger.
type Notice struct {
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Trigger string          `json:"trigger,omitempty"`
}

// JoinParams is the payload of a join frame.
type JoinParams struct {
	BkID    string   `json:"bkid"`
	ClID    string   `json:"clid"`
	UserID  string   `json:"userId,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// JoinedParams is the payload of the joined reply.
type JoinedParams struct {
	ClID string `json:"clid"`
}

// SessionRef identifies one live session and its logical user.
type SessionRef struct {
	SID    uuid.UUID `json:"sid"`
	UserID string    `json:"userId,omitempty"`
}

// Envelope is the payload of message and broadcast frames. Missing identity
// fields are back-filled from the originating session's context.
type Envelope struct {
	Type    string          `json:"type,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	BkID    string          `json:"bkid,omitempty"`
	ClID    string          `json:"clid,omitempty"`
	To      string          `json:"to,omitempty"`
	Socket  *SessionRef     `json:"socket,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Trigger string          `json:"trigger,omitempty"`
}

// UserUpdate is the payload of an update frame and the session lifecycle
// notice relayed to the downlink handler.
type UserUpdate struct {
	Type   string      `json:"type"`
	UserID string      `json:"userId"`
	Action string      `json:"action"`
	Socket *SessionRef `json:"socket,omitempty"`
}

// UserUpdateType is the only update type the broker understands.
const UserUpdateType = "user_update"

// CommandEnvelope is what the broker forwards to the downlink handler for
// every client message. The identity fields are always filled in.
type CommandEnvelope struct {
	BkID    string          `json:"bkid"`
	ClID    string          `json:"clid"`
	To      string          `json:"to"`
	Socket  SessionRef      `json:"socket"`
	Payload json.RawMessage `json:"payload"`
}
