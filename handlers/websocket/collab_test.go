package websocket

import (
	"context"
	"docrelay/config"
	"docrelay/core"
	"docrelay/relay"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

type stubPeer struct {
	id string
}

func (p stubPeer) ID() string { return p.id }

func (p stubPeer) Send(event string, payload any) error { return nil }

func TestParseJoinArgs(t *testing.T) {
	testCases := []struct {
		name    string
		args    []any
		want    string
		wantErr bool
	}{
		{"Bare string", []any{"doc-1"}, "doc-1", false},
		{"Object form", []any{map[string]any{"documentId": "doc-2"}}, "doc-2", false},
		{"No args", nil, "", true},
		{"Empty string", []any{""}, "", true},
		{"Number", []any{float64(42)}, "", true},
		{"Object without id", []any{map[string]any{"title": "x"}}, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseJoinArgs(tc.args)
			assert.Equal(t, tc.wantErr, err != nil)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseUpdateArgs(t *testing.T) {
	event, err := parseUpdateArgs([]any{map[string]any{
		"documentId": "doc1",
		"title":      "T",
		"content":    "Hello",
	}})
	assert.Equal(t, nil, err)
	assert.Equal(t, core.UpdateEvent{DocumentID: "doc1", Title: "T", Content: "Hello"}, event)

	event, err = parseUpdateArgs([]any{map[string]any{"documentId": "doc1"}})
	assert.Equal(t, nil, err)
	assert.Equal(t, "", event.Title)

	_, err = parseUpdateArgs([]any{map[string]any{"title": "T"}})
	assert.Equal(t, true, errors.Is(err, errMissingDocumentID))

	_, err = parseUpdateArgs([]any{"doc1"})
	assert.Equal(t, true, errors.Is(err, errInvalidPayload))

	_, err = parseUpdateArgs([]any{map[string]any{"documentId": "doc1", "content": 7.0}})
	assert.Equal(t, true, errors.Is(err, errInvalidPayload))

	_, err = parseUpdateArgs(nil)
	assert.Equal(t, true, errors.Is(err, errInvalidPayload))
}

func TestExtractAck(t *testing.T) {
	var got []any
	ack, args := extractAck([]any{"doc-1", func(datas ...any) { got = datas }})
	assert.Equal(t, 1, len(args))
	assert.Equal(t, true, ack != nil)
	ack(map[string]any{"status": "ok"})
	assert.Equal(t, 1, len(got))
	assert.Equal(t, "ok", got[0].(map[string]any)["status"])

	var gotErr error
	var gotArgs []any
	ack, _ = extractAck([]any{func(a []any, err error) { gotArgs, gotErr = a, err }})
	ack(map[string]any{"status": "ok"})
	assert.Equal(t, nil, gotErr)
	assert.Equal(t, 1, len(gotArgs))

	var gotMap map[string]any
	ack, _ = extractAck([]any{func(m map[string]any) { gotMap = m }})
	ack(map[string]any{"members": 2})
	assert.Equal(t, 2, gotMap["members"])

	ack, args = extractAck([]any{"doc-1"})
	assert.Equal(t, true, ack == nil)
	assert.Equal(t, 1, len(args))

	ack, args = extractAck(nil)
	assert.Equal(t, true, ack == nil)
	assert.Equal(t, 0, len(args))
}

func TestSessionStateMachine(t *testing.T) {
	registry := relay.NewRegistry()
	sess := newSession(stubPeer{id: "a"}, nil)
	assert.Equal(t, stateConnected, sess.State())

	changed, err := sess.join(registry, "doc1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, changed)
	assert.Equal(t, stateJoined, sess.State())

	changed, err = sess.join(registry, "doc1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, changed)

	changed, _ = sess.join(registry, "doc2")
	assert.Equal(t, true, changed)
	assert.Equal(t, stateJoined, sess.State())
	assert.Equal(t, 0, len(registry.MembersOf("doc1")))

	assert.Equal(t, true, sess.disconnect(registry))
	assert.Equal(t, false, sess.disconnect(registry))
	assert.Equal(t, stateDisconnected, sess.State())
	assert.Equal(t, 0, len(registry.MembersOf("doc2")))

	_, err = sess.join(registry, "doc3")
	assert.Equal(t, errDisconnected, err)
	assert.Equal(t, 0, len(registry.Rooms()))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connected", stateConnected.String())
	assert.Equal(t, "joined", stateJoined.String())
	assert.Equal(t, "disconnected", stateDisconnected.String())
	assert.Equal(t, "sessionState(9)", sessionState(9).String())
}

func TestCorsFor(t *testing.T) {
	cfg := config.Default()
	cors := corsFor(cfg)
	assert.Equal(t, true, cors.Credentials)
	assert.Equal(t, []any{"http://localhost:3000"}, cors.Origin)

	cfg.AllowedOrigins = []string{"*"}
	cors = corsFor(cfg)
	assert.Equal(t, "*", cors.Origin)
	assert.Equal(t, false, cors.Credentials)
}

// Relay end-to-end tests speak Engine.IO v4 / Socket.IO v5 frames directly.

const frameTimeout = 5 * time.Second

type tokenVerifier struct{}

func (tokenVerifier) Verify(ctx context.Context, credential string) (*core.Identity, error) {
	if credential != "good-token" {
		return nil, core.ErrUnauthorized
	}
	return &core.Identity{Subject: "user-1"}, nil
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan string
	closed  chan struct{}
	nextAck int
}

func newRelay(t *testing.T, verifier core.IdentityVerifier) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"*"}
	srv := NewServer(cfg, verifier)

	r := chi.NewRouter()
	r.Handle("/socket.io/", srv.Handler())
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

func dialRaw(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan string, 64),
		closed: make(chan struct{}),
	}
	t.Cleanup(func() { conn.Close() })
	go c.readLoop()

	open := c.next()
	if !strings.HasPrefix(open, "0{") {
		t.Fatalf("expected engine.io open packet, got %q", open)
	}
	return c
}

// dial opens a socket and connects to the default namespace.
func dial(t *testing.T, url string, auth map[string]string) *testClient {
	t.Helper()
	c := dialRaw(t, url)
	frame := "40"
	if auth != nil {
		raw, _ := json.Marshal(auth)
		frame += string(raw)
	}
	c.write(frame)

	connected := c.next()
	if !strings.HasPrefix(connected, "40") {
		t.Fatalf("expected namespace connect ack, got %q", connected)
	}
	return c
}

func (c *testClient) readLoop() {
	defer close(c.closed)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame := string(msg)
		if frame == "2" {
			c.write("3")
			continue
		}
		c.frames <- frame
	}
}

func (c *testClient) write(frame string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Errors surface as a closed connection in readLoop.
	_ = c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *testClient) next() string {
	c.t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.closed:
		c.t.Fatal("connection closed while waiting for a frame")
	case <-time.After(frameTimeout):
		c.t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func (c *testClient) emit(event string, args ...any) {
	raw, err := json.Marshal(append([]any{event}, args...))
	if err != nil {
		c.t.Fatalf("marshal %s failed: %v", event, err)
	}
	c.write("42" + string(raw))
}

// emitWithAck sends event and waits for the server's ack payload.
func (c *testClient) emitWithAck(event string, args ...any) map[string]any {
	c.t.Helper()
	c.nextAck++
	id := c.nextAck
	raw, err := json.Marshal(append([]any{event}, args...))
	if err != nil {
		c.t.Fatalf("marshal %s failed: %v", event, err)
	}
	c.write(fmt.Sprintf("42%d%s", id, raw))

	prefix := fmt.Sprintf("43%d[", id)
	deadline := time.After(frameTimeout)
	for {
		select {
		case frame := <-c.frames:
			if !strings.HasPrefix(frame, prefix) {
				continue
			}
			var payload []map[string]any
			if err := json.Unmarshal([]byte(frame[len(prefix)-1:]), &payload); err != nil || len(payload) == 0 {
				c.t.Fatalf("bad ack frame %q: %v", frame, err)
			}
			return payload[0]
		case <-c.closed:
			c.t.Fatalf("connection closed while waiting for %s ack", event)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s ack", event)
		}
	}
}

// events drains frames for wait and returns the arguments of each named event.
func (c *testClient) events(name string, wait time.Duration) []json.RawMessage {
	var out []json.RawMessage
	deadline := time.After(wait)
	for {
		select {
		case frame := <-c.frames:
			if !strings.HasPrefix(frame, "42[") {
				continue
			}
			var parts []json.RawMessage
			if err := json.Unmarshal([]byte(frame[2:]), &parts); err != nil || len(parts) < 2 {
				continue
			}
			var event string
			if json.Unmarshal(parts[0], &event) == nil && event == name {
				out = append(out, parts[1])
			}
		case <-deadline:
			return out
		}
	}
}

func (c *testClient) expectUpdate(wait time.Duration) core.ReceivedUpdate {
	c.t.Helper()
	updates := c.events(relay.EventReceiveUpdate, wait)
	if len(updates) != 1 {
		c.t.Fatalf("expected exactly one %s, got %d", relay.EventReceiveUpdate, len(updates))
	}
	var update core.ReceivedUpdate
	if err := json.Unmarshal(updates[0], &update); err != nil {
		c.t.Fatalf("decode update: %v", err)
	}
	return update
}

func (c *testClient) join(documentID string) {
	c.t.Helper()
	ack := c.emitWithAck(EventJoinDocument, documentID)
	if ack["status"] != "ok" {
		c.t.Fatalf("join %s failed: %v", documentID, ack)
	}
}

func waitForUsers(t *testing.T, srv *Server, documentID string, want int) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		got := 0
		for _, room := range srv.ActiveRooms() {
			if room.ID == documentID {
				got = room.Users
			}
		}
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d users", documentID, want)
}

func TestRelay_SameRoomDelivery(t *testing.T) {
	_, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)

	a.join("doc1")
	b.join("doc1")

	ack := a.emitWithAck(EventDocumentUpdate, map[string]any{
		"documentId": "doc1",
		"title":      "T",
		"content":    "Hello",
	})
	assert.Equal(t, "ok", ack["status"])
	assert.Equal(t, float64(1), ack["delivered"])

	update := b.expectUpdate(time.Second)
	assert.Equal(t, core.ReceivedUpdate{Title: "T", Content: "Hello"}, update)
	assert.Equal(t, 0, len(a.events(relay.EventReceiveUpdate, 200*time.Millisecond)))
}

func TestRelay_RoomIsolation(t *testing.T) {
	_, url := newRelay(t, nil)
	a := dial(t, url, nil)
	c := dial(t, url, nil)

	a.join("doc1")
	c.join("doc2")

	a.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc1", "title": "T", "content": "x"})
	assert.Equal(t, 0, len(c.events(relay.EventReceiveUpdate, 300*time.Millisecond)))
}

func TestRelay_FanOut(t *testing.T) {
	_, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	c := dial(t, url, nil)
	for _, client := range []*testClient{a, b, c} {
		client.join("doc")
	}

	ack := a.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc", "title": "t", "content": "c"})
	assert.Equal(t, float64(2), ack["delivered"])

	b.expectUpdate(time.Second)
	c.expectUpdate(time.Second)
}

func TestRelay_DisconnectCleanup(t *testing.T) {
	srv, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)

	a.join("doc1")
	b.join("doc1")
	waitForUsers(t, srv, "doc1", 2)

	a.conn.Close()
	waitForUsers(t, srv, "doc1", 1)

	ack := b.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc1", "title": "T", "content": "after"})
	assert.Equal(t, float64(0), ack["delivered"])
}

func TestRelay_IdempotentJoin(t *testing.T) {
	_, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)

	a.join("doc1")
	b.join("doc1")
	ack := b.emitWithAck(EventJoinDocument, "doc1")
	assert.Equal(t, float64(2), ack["members"])

	a.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc1", "title": "T", "content": "once"})
	b.expectUpdate(300 * time.Millisecond)
}

func TestRelay_JoinMovesRoom(t *testing.T) {
	srv, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)

	a.join("doc1")
	a.join("doc2")
	b.join("doc1")
	waitForUsers(t, srv, "doc2", 1)

	b.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc1", "title": "T", "content": "x"})
	assert.Equal(t, 0, len(a.events(relay.EventReceiveUpdate, 300*time.Millisecond)))
}

func TestRelay_MalformedUpdateKeepsConnection(t *testing.T) {
	_, url := newRelay(t, nil)
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	a.join("doc1")
	b.join("doc1")

	ack := a.emitWithAck(EventDocumentUpdate, map[string]any{"title": "no id"})
	assert.Equal(t, "error", ack["status"])

	a.emit(EventDocumentUpdate, "not an object")
	a.emit(EventJoinDocument)

	ack = a.emitWithAck(EventDocumentUpdate, map[string]any{"documentId": "doc1", "title": "T", "content": "ok"})
	assert.Equal(t, "ok", ack["status"])
	b.expectUpdate(time.Second)
}

func TestRelay_RejectsInvalidToken(t *testing.T) {
	srv, url := newRelay(t, tokenVerifier{})
	c := dialRaw(t, url)
	c.write(`40{"token":"bad-token"}`)

	deadline := time.After(frameTimeout)
	for rejected := false; !rejected; {
		select {
		case frame := <-c.frames:
			rejected = strings.HasPrefix(frame, "41") || strings.HasPrefix(frame, "44") ||
				strings.Contains(frame, EventUnauthorized)
		case <-c.closed:
			rejected = true
		case <-deadline:
			t.Fatal("connection with a bad token was not rejected")
		}
	}
	assert.Equal(t, 0, len(srv.ActiveRooms()))
}

func TestRelay_AcceptsValidToken(t *testing.T) {
	srv, url := newRelay(t, tokenVerifier{})
	a := dial(t, url, map[string]string{"token": "good-token"})
	a.join("doc1")
	waitForUsers(t, srv, "doc1", 1)
}

func TestServerClose_ResetsRegistry(t *testing.T) {
	srv := NewServer(config.Default(), nil)
	srv.registry.Join(stubPeer{id: "a"}, "doc1")
	assert.Equal(t, 1, len(srv.ActiveRooms()))

	srv.Close()
	assert.Equal(t, 0, len(srv.ActiveRooms()))
}

func TestServerClose_NeverServed(t *testing.T) {
	srv := NewServer(config.Default(), nil)
	assert.Equal(t, true, srv.Handler() != nil)
	srv.Close()
}

func TestHandshakeToken(t *testing.T) {
	testCases := []struct {
		name string
		auth any
		want string
	}{
		{"Token present", map[string]any{"token": "abc"}, "abc"},
		{"No token key", map[string]any{"user": "x"}, ""},
		{"Token not a string", map[string]any{"token": 42.0}, ""},
		{"Nil auth", nil, ""},
		{"Not a map", "abc", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, handshakeToken(tc.auth))
		})
	}
}
