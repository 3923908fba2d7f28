package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/urho-eu/onoff/core/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the transport below this layer is trusted, no origin policy here
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one websocket connection. It posts events to the broker run loop and
// drains its send queue to the wire. The session pointer is owned by the run
// loop and must not be touched by the pumps. The log entry carries the request
// connection ID and the sid; it is set before the pumps start and never after.
type conn struct {
	id   uuid.UUID
	ws   *websocket.Conn
	send chan []byte
	log  *logrus.Entry

	session *Session

	closeOnce sync.Once
}

// serveWS upgrades the request and starts the connection pumps.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	clog := logger.FromContext(r.Context())
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		clog.Debugln("upgrade failed:", err)
		return
	}
	c := &conn{
		id:   uuid.New(),
		ws:   ws,
		send: make(chan []byte, 256),
	}
	c.log = clog.WithField("sid", c.id.String())
	go c.writePump()
	go c.readPump(b)
}

// deliverDirect enqueues frame bytes outside of the router, used for join
// replies and denials. Non-blocking like every delivery.
func (c *conn) deliverDirect(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// close shuts the send queue down, which in turn terminates the write pump
// after the queue has drained. Safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump decodes frames and posts them as events. It owns reading from the
// websocket. A read error of any kind ends the session.
func (c *conn) readPump(b *Broker) {
	clog := c.log
	defer func() {
		b.events <- disconnectNotice{c: c, graceful: false}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clog.Debugln("read:", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			clog.Debugln("malformed frame dropped:", err)
			continue
		}
		switch frame.Event {
		case EventJoin:
			var params JoinParams
			if err := json.Unmarshal(frame.Data, &params); err != nil {
				clog.Debugln("malformed join dropped:", err)
				continue
			}
			b.events <- joinRequest{c: c, params: params}
		case EventMessage, EventBroadcast:
			var env Envelope
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				clog.Debugln("malformed envelope dropped:", err)
				continue
			}
			b.events <- clientMessage{c: c, event: frame.Event, env: env}
		case EventUpdate:
			var update UserUpdate
			if err := json.Unmarshal(frame.Data, &update); err != nil {
				clog.Debugln("malformed update dropped:", err)
				continue
			}
			b.events <- sessionUpdate{c: c, update: update}
		case EventDisconnect:
			b.events <- disconnectNotice{c: c, graceful: true}
		default:
			clog.Debugln("unknown event dropped:", frame.Event)
		}
	}
}

// writePump owns writing to the websocket. It drains the send queue and keeps
// the connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
