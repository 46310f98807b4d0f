package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer terminates client connections and translates envelope
// frames into coordinator calls. Each connection gets a server-generated
// conn id; durable identity arrives with the first create-room or
// join-room request.
type WebSocketServer struct {
	coordinator ports.Coordinator
	broadcaster ports.Broadcaster
	metrics     ports.MetricsRecorder

	connections map[domain.ConnID]*wsSender
	identities  map[domain.UserID]domain.ConnID
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(coordinator ports.Coordinator, broadcaster ports.Broadcaster, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		coordinator:  coordinator,
		broadcaster:  broadcaster,
		metrics:      metrics,
		connections:  make(map[domain.ConnID]*wsSender),
		identities:   make(map[domain.UserID]domain.ConnID),
		pingInterval: 30 * time.Second, // Default ping interval
		pongTimeout:  60 * time.Second, // Default pong timeout
		readTimeout:  60 * time.Second, // Default read timeout
		writeTimeout: 10 * time.Second, // Default write timeout
		readLimit:    2 << 20,          // Envelope + 1 MiB document + slack
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
	s.readTimeout = timeout
}

// session tracks what the connection has told us about itself. Fields are
// only touched from the connection's processing loop.
type session struct {
	connID   domain.ConnID
	identity domain.UserID
	username string
	roomID   domain.RoomID
}

func (sess *session) caller() ports.Caller {
	return ports.Caller{
		ConnID:   sess.connID,
		Identity: sess.identity,
		Username: sess.username,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := &session{connID: domain.ConnID(uuid.NewString())}
	sender := newWSSender(conn, s.writeTimeout)

	s.mu.Lock()
	s.connections[sess.connID] = sender
	s.mu.Unlock()
	s.broadcaster.Register(sess.connID, sender)

	s.logger.Infow("client connected", "conn_id", sess.connID, "remote", r.RemoteAddr)

	conn.SetReadLimit(s.readLimit)
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan protocol.Envelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- env
		}
	}()

	for {
		select {
		case env := <-messageChan:
			s.dispatch(context.Background(), sess, sender, env)

		case <-pingTicker.C:
			if err := sender.ping(); err != nil {
				s.logger.Infow("error sending ping", "conn_id", sess.connID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from client", "conn_id", sess.connID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.connections, sess.connID)
	if sess.identity != "" && s.identities[sess.identity] == sess.connID {
		delete(s.identities, sess.identity)
	}
	s.mu.Unlock()

	s.broadcaster.Unregister(sess.connID)
	s.coordinator.Disconnect(context.Background(), sess.caller(), sess.roomID)

	s.logger.Infow("client disconnected", "conn_id", sess.connID, "room_id", sess.roomID)
}

func (s *WebSocketServer) dispatch(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	if env.Type == "" {
		s.replyError(sender, env.AckID, "message type is required")
		return
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration(env.Type, time.Since(start).Seconds())
	}()

	switch env.Type {
	case protocol.ReqCreateRoom:
		s.handleCreateRoom(ctx, sess, sender, env)
	case protocol.ReqJoinRoom:
		s.handleJoinRoom(ctx, sess, sender, env)
	case protocol.ReqValidateRoom:
		s.handleValidateRoom(ctx, sess, sender, env)
	case protocol.ReqToggleRoomPermission:
		s.handleToggleRoomPermission(ctx, sess, sender, env)
	case protocol.ReqSetUserPermission:
		s.handleSetUserPermission(ctx, sess, sender, env)
	case protocol.ReqRemoveUserPermission:
		s.handleRemoveUserPermission(ctx, sess, sender, env)
	case protocol.ReqRequestStudentList:
		s.handleRequestStudentList(ctx, sess, sender, env)
	case protocol.ReqRequestRoomState:
		s.handleRequestRoomState(ctx, sess, sender, env)
	case protocol.ReqCodeChange:
		s.handleCodeChange(ctx, sess, sender, env)
	case protocol.ReqLeaveRoom:
		s.handleLeaveRoom(ctx, sess, sender, env)
	default:
		s.replyError(sender, env.AckID, fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

func (s *WebSocketServer) handleCreateRoom(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.CreateRoomRequest
	if !s.decode(sender, env, &req) {
		return
	}

	ack := s.coordinator.CreateRoom(ctx, sess.caller(), req)

	sess.identity = domain.UserID(req.UserID)
	sess.username = ack.Username
	sess.roomID = domain.RoomID(ack.RoomID)
	s.adoptIdentity(sess)

	s.reply(sender, env.AckID, ack)
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.JoinRoomRequest
	if !s.decode(sender, env, &req) {
		return
	}

	ack := s.coordinator.JoinRoom(ctx, sess.caller(), req)
	if ack.Success {
		sess.identity = domain.UserID(req.UserID)
		sess.username = ack.Username
		sess.roomID = domain.RoomID(req.RoomID)
		s.adoptIdentity(sess)
	}

	s.reply(sender, env.AckID, ack)
}

func (s *WebSocketServer) handleValidateRoom(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.ValidateRoomRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.reply(sender, env.AckID, s.coordinator.ValidateRoom(ctx, req))
}

func (s *WebSocketServer) handleToggleRoomPermission(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.ToggleRoomPermissionRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.reply(sender, env.AckID, s.coordinator.ToggleRoomPermission(ctx, sess.caller(), req))
}

func (s *WebSocketServer) handleSetUserPermission(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.SetUserPermissionRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.reply(sender, env.AckID, s.coordinator.SetUserPermission(ctx, sess.caller(), req))
}

func (s *WebSocketServer) handleRemoveUserPermission(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.RemoveUserPermissionRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.reply(sender, env.AckID, s.coordinator.RemoveUserPermission(ctx, sess.caller(), req))
}

func (s *WebSocketServer) handleRequestStudentList(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.RequestStudentListRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.coordinator.RequestStudentList(ctx, sess.caller(), req)
	s.reply(sender, env.AckID, protocol.BasicAck{Success: true})
}

func (s *WebSocketServer) handleRequestRoomState(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.RequestRoomStateRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.reply(sender, env.AckID, s.coordinator.RequestRoomState(ctx, sess.caller(), req))
}

func (s *WebSocketServer) handleCodeChange(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.CodeChangeRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.coordinator.CodeChange(ctx, sess.caller(), req)
	s.reply(sender, env.AckID, protocol.BasicAck{Success: true})
}

func (s *WebSocketServer) handleLeaveRoom(ctx context.Context, sess *session, sender *wsSender, env protocol.Envelope) {
	var req protocol.LeaveRoomRequest
	if !s.decode(sender, env, &req) {
		return
	}
	s.coordinator.LeaveRoom(ctx, sess.caller(), domain.RoomID(req.RoomID))
	if sess.roomID == domain.RoomID(req.RoomID) {
		sess.roomID = ""
	}
	s.reply(sender, env.AckID, protocol.BasicAck{Success: true})
}

// adoptIdentity records the connection now serving the durable identity and
// closes a superseded socket. The old connection's leave runs against its
// stale conn id and is a no-op once the participant record points here.
func (s *WebSocketServer) adoptIdentity(sess *session) {
	s.mu.Lock()
	old, hadOld := s.identities[sess.identity]
	s.identities[sess.identity] = sess.connID
	var stale *wsSender
	if hadOld && old != sess.connID {
		stale = s.connections[old]
	}
	s.mu.Unlock()

	if stale != nil {
		s.logger.Infow("closing superseded connection", "user_id", sess.identity, "old_conn_id", old, "conn_id", sess.connID)
		stale.close()
	}
}

type validator interface {
	Validate() error
}

// decode unmarshals and validates a request payload, replying with an error
// ack on failure.
func (s *WebSocketServer) decode(sender *wsSender, env protocol.Envelope, req validator) bool {
	if err := json.Unmarshal(env.Payload, req); err != nil {
		s.replyError(sender, env.AckID, fmt.Sprintf("invalid %s payload", env.Type))
		return false
	}
	if err := req.Validate(); err != nil {
		s.replyError(sender, env.AckID, err.Error())
		return false
	}
	return true
}

func (s *WebSocketServer) reply(sender *wsSender, ackID uint64, payload interface{}) {
	if ackID == 0 {
		return
	}
	if err := sender.sendAck(ackID, payload); err != nil {
		s.logger.Infow("failed to send ack", "ack_id", ackID, "error", err)
	}
}

func (s *WebSocketServer) replyError(sender *wsSender, ackID uint64, message string) {
	if ackID == 0 {
		s.logger.Infow("dropping invalid request without ack id", "error", message)
		return
	}
	s.reply(sender, ackID, protocol.BasicAck{Success: false, Error: message})
}

// ConnectionCount backs the health endpoint.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// CloseAll closes every live connection. Called on shutdown after the HTTP
// listener stops accepting.
func (s *WebSocketServer) CloseAll() {
	s.mu.Lock()
	senders := make([]*wsSender, 0, len(s.connections))
	for _, sender := range s.connections {
		senders = append(senders, sender)
	}
	s.connections = make(map[domain.ConnID]*wsSender)
	s.identities = make(map[domain.UserID]domain.ConnID)
	s.mu.Unlock()

	for _, sender := range senders {
		sender.close()
	}
}

// wsSender serializes writes to one connection. Event pushes and ack replies
// share the same socket, so every write goes through the mutex.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newWSSender(conn *websocket.Conn, writeTimeout time.Duration) *wsSender {
	return &wsSender{conn: conn, writeTimeout: writeTimeout}
}

var _ ports.Sender = (*wsSender)(nil)

func (w *wsSender) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return w.write(protocol.Envelope{Type: event, Payload: data})
}

func (w *wsSender) sendAck(ackID uint64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ack payload: %w", err)
	}
	return w.write(protocol.Envelope{Type: protocol.EvtAck, AckID: ackID, Payload: data})
}

func (w *wsSender) write(env protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteJSON(env)
}

func (w *wsSender) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsSender) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	w.conn.Close()
}
