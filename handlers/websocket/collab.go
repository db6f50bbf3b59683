package websocket

import (
	"context"
	"docrelay/config"
	"docrelay/core"
	"docrelay/relay"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	EventJoinDocument   = "joinDocument"
	EventDocumentUpdate = "documentUpdate"
	EventUnauthorized   = "unauthorized"

	verifyTimeout = 5 * time.Second
)

var (
	errMissingDocumentID = errors.New("document id is required")
	errInvalidPayload    = errors.New("invalid update payload")
	errDisconnected      = errors.New("connection closed")
)

type ackInvoker func(payload map[string]any)

// socketPeer adapts a Socket.IO socket to relay.Peer.
type socketPeer struct {
	socket *socketio.Socket
}

func (p socketPeer) ID() string {
	return string(p.socket.Id())
}

func (p socketPeer) Send(event string, payload any) error {
	return p.socket.Emit(event, payload)
}

type sessionState int

const (
	stateConnected sessionState = iota
	stateJoined
	stateDisconnected
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateJoined:
		return "joined"
	case stateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("sessionState(%d)", int(s))
}

// session is the per-connection state machine:
// connected -> joined -> disconnected, with disconnected reachable from any state.
type session struct {
	mu       sync.Mutex
	peer     relay.Peer
	state    sessionState
	document string
	identity *core.Identity
}

func newSession(peer relay.Peer, identity *core.Identity) *session {
	return &session{peer: peer, state: stateConnected, identity: identity}
}

func (c *session) State() sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *session) join(registry *relay.Registry, documentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDisconnected {
		return false, errDisconnected
	}
	changed := registry.Join(c.peer, documentID)
	c.state = stateJoined
	c.document = documentID
	return changed, nil
}

func (c *session) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateDisconnected
}

// disconnect drops the peer from the registry the first time it is called.
func (c *session) disconnect(registry *relay.Registry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDisconnected {
		return false
	}
	c.state = stateDisconnected
	c.document = ""
	registry.DropConnection(c.peer)
	return true
}

func (c *session) fields() logrus.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := logrus.Fields{
		"socket_id": c.peer.ID(),
		"state":     c.state.String(),
	}
	if c.document != "" {
		f["document_id"] = c.document
	}
	if c.identity != nil {
		f["user_id"] = c.identity.Subject
	}
	return f
}

// Server relays document updates between Socket.IO connections.
type Server struct {
	io          *socketio.Server
	handler     http.Handler
	registry    *relay.Registry
	broadcaster *relay.Broadcaster
	verifier    core.IdentityVerifier
}

// NewServer builds the relay. A nil verifier leaves the relay open to any
// client; otherwise the handshake must carry auth.token.
func NewServer(cfg config.Config, verifier core.IdentityVerifier) *Server {
	registry := relay.NewRegistry()
	s := &Server{
		registry:    registry,
		broadcaster: relay.NewBroadcaster(registry),
		verifier:    verifier,
	}

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(cfg.MaxHTTPBufferSize)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(corsFor(cfg))
	s.io = socketio.NewServer(nil, opts)
	// ServeHandler creates the engine that Close shuts down, so build it now.
	s.handler = s.io.ServeHandler(nil)

	if verifier == nil {
		logrus.Warn("Relay running without identity verification; any client may join any document")
	}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	s.io.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		s.onConnection(socket)
	})

	return s
}

func corsFor(cfg config.Config) *types.Cors {
	if cfg.AllowsAnyOrigin() {
		return &types.Cors{
			Origin:  "*",
			Methods: []string{"GET", "POST", "PUT", "DELETE"},
		}
	}
	origins := make([]any, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins = append(origins, o)
	}
	return &types.Cors{
		Origin:      origins,
		Methods:     []string{"GET", "POST", "PUT", "DELETE"},
		Credentials: true,
	}
}

func (s *Server) onConnection(socket *socketio.Socket) {
	peer := socketPeer{socket: socket}
	log := logrus.WithField("socket_id", peer.ID())

	identity, err := s.authenticate(socket)
	if err != nil {
		log.WithError(err).Warn("Rejected relay connection")
		_ = socket.Emit(EventUnauthorized, map[string]any{"error": "Invalid token"})
		socket.Disconnect(true)
		return
	}

	sess := newSession(peer, identity)
	log.WithFields(sess.fields()).Info("A user connected")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventJoinDocument, func(datas ...any) {
		s.handleJoin(sess, datas)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(EventDocumentUpdate, func(datas ...any) {
		s.handleUpdate(sess, datas)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnect", func(datas ...any) {
		if sess.disconnect(s.registry) {
			reason := ""
			if len(datas) > 0 {
				reason = fmt.Sprint(datas[0])
			}
			logrus.WithFields(sess.fields()).WithField("reason", reason).Info("A user disconnected")
		}
	})
}

func (s *Server) authenticate(socket *socketio.Socket) (*core.Identity, error) {
	if s.verifier == nil {
		return nil, nil
	}
	var token string
	if hs := socket.Handshake(); hs != nil {
		token = handshakeToken(hs.Auth)
	}
	if token == "" {
		return nil, fmt.Errorf("missing handshake token: %w", core.ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	return s.verifier.Verify(ctx, token)
}

// handshakeToken reads auth.token from a Socket.IO handshake auth payload.
func handshakeToken(auth any) string {
	m, ok := auth.(map[string]any)
	if !ok {
		return ""
	}
	token, _ := m["token"].(string)
	return token
}

func (s *Server) handleJoin(sess *session, datas []any) {
	ack, args := extractAck(datas)
	documentID, err := parseJoinArgs(args)
	if err != nil {
		logrus.WithFields(sess.fields()).WithError(err).Warn("Dropping malformed joinDocument")
		respondWithAck(ack, errorAckPayload(err))
		return
	}

	changed, err := sess.join(s.registry, documentID)
	if err != nil {
		respondWithAck(ack, errorAckPayload(err))
		return
	}
	if changed {
		logrus.WithFields(sess.fields()).Info("User joined document")
	}

	respondWithAck(ack, map[string]any{
		"status":     "ok",
		"documentId": documentID,
		"members":    len(s.registry.MembersOf(documentID)),
	})
}

func (s *Server) handleUpdate(sess *session, datas []any) {
	ack, args := extractAck(datas)
	event, err := parseUpdateArgs(args)
	if err != nil {
		logrus.WithFields(sess.fields()).WithError(err).Warn("Dropping malformed documentUpdate")
		respondWithAck(ack, errorAckPayload(err))
		return
	}
	if !sess.active() {
		return
	}

	delivery := s.broadcaster.Broadcast(sess.peer, event)
	logrus.WithFields(sess.fields()).WithFields(logrus.Fields{
		"target_document": event.DocumentID,
		"delivered":       delivery.Delivered,
		"failed":          delivery.Failed,
	}).Debug("Relayed document update")

	respondWithAck(ack, map[string]any{
		"status":    "ok",
		"delivered": delivery.Delivered,
	})
}

// Handler serves the Socket.IO endpoint; mount it at /socket.io/.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ActiveRooms lists the rooms that currently have members.
func (s *Server) ActiveRooms() []relay.RoomInfo {
	return s.registry.Rooms()
}

// Close disconnects every client and clears the registry.
func (s *Server) Close() {
	s.io.Close(nil)
	s.registry.Reset()
}

func parseJoinArgs(args []any) (string, error) {
	if len(args) == 0 {
		return "", errMissingDocumentID
	}
	switch v := args[0].(type) {
	case string:
		if v == "" {
			return "", errMissingDocumentID
		}
		return v, nil
	case map[string]any:
		// Some clients send {documentId: "..."} instead of a bare string.
		if id, ok := v["documentId"].(string); ok && id != "" {
			return id, nil
		}
		return "", errMissingDocumentID
	}
	return "", fmt.Errorf("%w: document id must be a string", errMissingDocumentID)
}

func parseUpdateArgs(args []any) (core.UpdateEvent, error) {
	var event core.UpdateEvent
	if len(args) == 0 {
		return event, errInvalidPayload
	}
	data, ok := args[0].(map[string]any)
	if !ok {
		return event, fmt.Errorf("%w: expected an object", errInvalidPayload)
	}

	event.DocumentID, _ = data["documentId"].(string)
	if event.DocumentID == "" {
		return event, errMissingDocumentID
	}

	var err error
	if event.Title, err = optionalString(data, "title"); err != nil {
		return event, err
	}
	if event.Content, err = optionalString(data, "content"); err != nil {
		return event, err
	}
	return event, nil
}

func optionalString(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return "", nil
	}
	str, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", errInvalidPayload, key)
	}
	return str, nil
}

func errorAckPayload(err error) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
}

func respondWithAck(ack ackInvoker, payload map[string]any) {
	if ack != nil {
		ack(payload)
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	switch fn := candidate.(type) {
	case nil:
		return nil
	case func(...any):
		return func(payload map[string]any) { fn(payload) }
	case func([]any, error):
		return func(payload map[string]any) { fn([]any{payload}, nil) }
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(payload map[string]any) {
		value.Call(buildAckArgs(typ, payload))
	}
}

// buildAckArgs passes payload as the first argument and zero values for the rest.
func buildAckArgs(typ reflect.Type, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	if typ.IsVariadic() {
		numIn--
	}
	args := make([]reflect.Value, 0, numIn+1)

	for i := 0; i < numIn; i++ {
		var argValue any
		if i == 0 {
			argValue = payload
		}
		args = append(args, coerceValue(argValue, typ.In(i)))
	}
	if typ.IsVariadic() && numIn == 0 {
		args = append(args, coerceValue(payload, typ.In(0).Elem()))
	}
	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}
