package broker

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// downlinkRecorder captures what the broker forwards to the backend side.
type downlinkRecorder struct {
	mu       sync.Mutex
	commands []CommandEnvelope
	updates  []UserUpdate
}

func (r *downlinkRecorder) HandleCommand(env CommandEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, env)
}

func (r *downlinkRecorder) HandleUserUpdate(update UserUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *downlinkRecorder) HandleDeviceNotification(topic string, payload []byte) {}

func (r *downlinkRecorder) lastUpdate() (UserUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return UserUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

func (r *downlinkRecorder) commandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

type testBroker struct {
	broker   *Broker
	recorder *downlinkRecorder
	server   *httptest.Server
	cancel   context.CancelFunc
}

func newTestBroker(t *testing.T, allowed map[string][]string) *testBroker {
	t.Helper()
	router := mux.NewRouter()
	b := MustNewBroker(&Builder{Allowed: allowed, Router: router})
	recorder := &downlinkRecorder{}
	b.AttachDownlink(recorder)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	server := httptest.NewServer(router)

	tb := &testBroker{broker: b, recorder: recorder, server: server, cancel: cancel}
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return tb
}

func (tb *testBroker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(tb.server.URL, "http", "ws", 1) + "/dmb"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, MustFrame(event, data)); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal("read:", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	return frame
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no delivery, got %s", data)
	}
}

// join performs the handshake and consumes the joined reply and the greeting.
func join(t *testing.T, conn *websocket.Conn, params JoinParams) {
	t.Helper()
	sendFrame(t, conn, EventJoin, params)
	frame := readFrame(t, conn)
	if frame.Event != EventJoined {
		t.Fatalf("expected joined, got %s", frame.Event)
	}
	var joined JoinedParams
	if err := json.Unmarshal(frame.Data, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.ClID != params.ClID {
		t.Fatalf("expected clid %s, got %s", params.ClID, joined.ClID)
	}
	greeting := readFrame(t, conn)
	if greeting.Event != EventMessage {
		t.Fatalf("expected greeting message, got %s", greeting.Event)
	}
}

func TestBroker_JoinDenied(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"good"}})
	conn := tb.dial(t)

	sendFrame(t, conn, EventJoin, JoinParams{BkID: "bk", ClID: "evil"})

	frame := readFrame(t, conn)
	if frame.Event != EventMessage {
		t.Fatalf("expected denial message, got %s", frame.Event)
	}
	var text string
	if err := json.Unmarshal(frame.Data, &text); err != nil {
		t.Fatal(err)
	}
	if text != "access denied for evil" {
		t.Fatalf("unexpected denial text: %s", text)
	}

	// the broker closes the connection after the denial
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}

	if len(tb.broker.Registry().Snapshot()["evil"]) != 0 {
		t.Fatal("denied client must never appear in the registry")
	}
}

func TestBroker_JoinDeniedUnknownBackend(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{})
	conn := tb.dial(t)

	sendFrame(t, conn, EventJoin, JoinParams{BkID: "ghost", ClID: "good"})

	frame := readFrame(t, conn)
	if frame.Event != EventMessage {
		t.Fatalf("expected denial message, got %s", frame.Event)
	}
}

func TestBroker_JoinAndGreeting(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"good"}})
	conn := tb.dial(t)

	join(t, conn, JoinParams{BkID: "bk", ClID: "good", UserID: "u1"})

	snapshot := tb.broker.Registry().Snapshot()
	if len(snapshot["good"]) != 1 {
		t.Fatalf("expected 1 session, got %d", len(snapshot["good"]))
	}
	if snapshot["good"][0].UserID != "u1" {
		t.Fatal("session must carry the user id")
	}
}

func TestBroker_BroadcastWithinRoom(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"all"}})

	tab1 := tb.dial(t)
	tab2 := tb.dial(t)
	other := tb.dial(t)
	join(t, tab1, JoinParams{BkID: "bk", ClID: "room", UserID: "u1"})
	join(t, tab2, JoinParams{BkID: "bk", ClID: "room", UserID: "u1"})
	join(t, other, JoinParams{BkID: "bk", ClID: "elsewhere", UserID: "u2"})

	sendFrame(t, tab1, EventBroadcast, Envelope{Payload: MustRaw("hi all")})

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		frame := readFrame(t, conn)
		if frame.Event != EventBroadcast {
			t.Fatalf("expected broadcast, got %s", frame.Event)
		}
		var env Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			t.Fatal(err)
		}
		// identity fields are back-filled from the sender's session
		if env.BkID != "bk" || env.ClID != "room" {
			t.Fatalf("expected back-filled identity, got %s/%s", env.BkID, env.ClID)
		}
	}
	expectNothing(t, other)
}

func TestBroker_CommandForwarding(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"good"}})
	conn := tb.dial(t)
	join(t, conn, JoinParams{BkID: "bk", ClID: "good", UserID: "u1"})

	sendFrame(t, conn, EventMessage, Envelope{Payload: MustRaw(map[string]string{"command": "switchOn"})})

	deadline := time.Now().Add(2 * time.Second)
	for tb.recorder.commandCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the command envelope")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tb.recorder.mu.Lock()
	env := tb.recorder.commands[0]
	tb.recorder.mu.Unlock()
	if env.BkID != "bk" || env.ClID != "good" || env.To != "bk" {
		t.Fatalf("expected back-filled envelope, got %+v", env)
	}
	if env.Socket.UserID != "u1" {
		t.Fatal("envelope must carry the originating session")
	}
}

// exercises concurrent snapshot reads while user updates rewrite session refs
// on the run loop; fails under the race detector if the rewrite bypasses the
// registry lock.
func TestBroker_SnapshotDuringUserUpdates(t *testing.T) {
	router := mux.NewRouter()
	b := MustNewBroker(&Builder{Allowed: map[string][]string{"bk": {"good"}}, Router: router})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := &conn{id: uuid.New(), send: make(chan []byte, 8)}
	b.events <- joinRequest{c: c, params: JoinParams{BkID: "bk", ClID: "good", UserID: "u1"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Registry().Snapshot()
		}
	}()
	for i := 0; i < 500; i++ {
		b.events <- sessionUpdate{c: c, update: UserUpdate{
			Type:   UserUpdateType,
			UserID: "u2",
			Action: ActionReconnect,
		}}
	}
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for {
		room := b.Registry().Snapshot()["good"]
		if len(room) == 1 && room[0].UserID == "u2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the user id rewrite")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroker_BackendDirectMessage(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"browser"}})

	client := tb.dial(t)
	backend := tb.dial(t)
	join(t, client, JoinParams{BkID: "bk", ClID: "browser", UserID: "u1"})
	join(t, backend, JoinParams{BkID: "bk", ClID: "bk"})

	target := tb.broker.Registry().Snapshot()["browser"][0]
	sendFrame(t, backend, EventMessage, Envelope{
		To:      "browser",
		Socket:  &target,
		Payload: MustRaw("for your eyes only"),
	})

	frame := readFrame(t, client)
	if frame.Event != EventMessage {
		t.Fatalf("expected direct message, got %s", frame.Event)
	}
	var env Envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		t.Fatal(err)
	}
	if env.BkID != "bk" || env.ClID != "bk" {
		t.Fatalf("expected backend identity, got %s/%s", env.BkID, env.ClID)
	}
	// the backend itself receives nothing back
	expectNothing(t, backend)
}

func TestBroker_GracefulDisconnect(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"good"}})
	conn := tb.dial(t)
	join(t, conn, JoinParams{BkID: "bk", ClID: "good", UserID: "u1"})

	sendFrame(t, conn, EventUpdate, UserUpdate{Type: UserUpdateType, UserID: "u1", Action: ActionConnect})
	sendFrame(t, conn, EventDisconnect, nil)

	farewell := readFrame(t, conn)
	if farewell.Event != EventMessage {
		t.Fatalf("expected farewell message, got %s", farewell.Event)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if update, ok := tb.recorder.lastUpdate(); ok && update.Action == ActionDisconnect {
			if update.UserID != "u1" {
				t.Fatalf("expected disconnect of u1, got %s", update.UserID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the disconnect notice")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(tb.broker.Registry().Snapshot()["good"]) != 0 {
		t.Fatal("disconnected session must be gone from the registry")
	}
}

func TestBroker_UngracefulCloseCleansUp(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"good"}})
	conn := tb.dial(t)
	join(t, conn, JoinParams{BkID: "bk", ClID: "good", UserID: "u1"})

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(tb.broker.Registry().Snapshot()["good"]) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the registry cleanup")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if update, ok := tb.recorder.lastUpdate(); !ok || update.Action != ActionDisconnect {
		t.Fatal("ungraceful close must still produce a disconnect notice")
	}
}

func TestBroker_SecondTabSurvivesDisconnect(t *testing.T) {
	tb := newTestBroker(t, map[string][]string{"bk": {"all"}})

	tab1 := tb.dial(t)
	tab2 := tb.dial(t)
	join(t, tab1, JoinParams{BkID: "bk", ClID: "room", UserID: "u1"})
	join(t, tab2, JoinParams{BkID: "bk", ClID: "room", UserID: "u1"})

	tab1.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(tb.broker.Registry().Snapshot()["room"]) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the registry cleanup")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the surviving tab still receives broadcasts
	sendFrame(t, tab2, EventBroadcast, Envelope{Payload: MustRaw("still here")})
	frame := readFrame(t, tab2)
	if frame.Event != EventBroadcast {
		t.Fatalf("expected broadcast, got %s", frame.Event)
	}
}
