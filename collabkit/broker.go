package collabkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type BrokerSettings struct {
	// websocket endpoint path
	Path string

	RequireAuth        bool
	AllowAnonymous     bool
	AutoCreateRooms    bool
	SaveOnOperation    bool
	UseServerTimestamp bool

	// messages per second per connection
	RateLimit      float64
	MaxMessageSize ByteCount
	// idle window before the broker pings the connection
	MessageTimeout        time.Duration
	FunctionTimeout       time.Duration
	MaxConnectionsPerUser int

	WriteTimeout time.Duration
	// protocol violations tolerated before the connection is closed
	ViolationLimit int

	SendBufferSize int
}

func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{
		Path:                  "/ws",
		RequireAuth:           true,
		AllowAnonymous:        false,
		AutoCreateRooms:       true,
		SaveOnOperation:       false,
		UseServerTimestamp:    false,
		RateLimit:             100,
		MaxMessageSize:        MaxWireMessageSize,
		MessageTimeout:        60 * time.Second,
		FunctionTimeout:       30 * time.Second,
		MaxConnectionsPerUser: 10,
		WriteTimeout:          30 * time.Second,
		ViolationLimit:        5,
		SendBufferSize:        64,
	}
}

// Broker accepts websocket connections and runs the room protocol:
// authenticate, join, validate and rebroadcast operations, propagate
// presence, dispatch function calls, and relay signaling.
type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BrokerSettings

	auth        AuthProvider
	permissions PermissionManager
	storage     Storage

	rooms       *RoomManager
	presence    *PresenceManager
	authLimiter *AuthRateLimiter

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	// authenticated connection count per user id
	userConnections map[string]int
	// room id -> sharing user id
	screenSharers map[string]string
}

func NewBrokerWithDefaults(ctx context.Context, auth AuthProvider) *Broker {
	return NewBroker(ctx, auth, DefaultBrokerSettings())
}

func NewBroker(ctx context.Context, auth AuthProvider, settings *BrokerSettings) *Broker {
	cancelCtx, cancel := context.WithCancel(ctx)
	if auth == nil {
		auth = NewNoAuth()
	}
	broker := &Broker{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		auth:            auth,
		rooms:           NewRoomManager(),
		presence:        NewPresenceManagerWithDefaults(cancelCtx),
		authLimiter:     NewAuthRateLimiter(),
		userConnections: map[string]int{},
		screenSharers:   map[string]string{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	broker.rooms.SetPresenceManager(broker.presence)
	broker.presence.Start()
	return broker
}

func (self *Broker) Rooms() *RoomManager {
	return self.rooms
}

func (self *Broker) Presence() *PresenceManager {
	return self.presence
}

func (self *Broker) SetStorage(storage Storage) {
	self.storage = storage
}

func (self *Broker) SetPermissions(permissions PermissionManager) {
	self.permissions = permissions
}

// RegisterFunction exposes a function in every room.
func (self *Broker) RegisterFunction(fn *RegisteredFunction) {
	self.rooms.RegisterFunction(fn)
}

func (self *Broker) Close() {
	self.cancel()
	self.presence.Stop()
}

// AttachEndpoints registers the websocket endpoint on the mux.
func (self *Broker) AttachEndpoints(mux *http.ServeMux) {
	mux.HandleFunc(self.settings.Path, self.serveWs)
}

func (self *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.serveWs(w, r)
}

func (self *Broker) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[broker]upgrade error = %v\n", err)
		return
	}

	remoteAddr := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(remoteAddr); splitErr == nil {
		remoteAddr = host
	}

	session := newBrokerSession(self, conn, remoteAddr)
	go session.run()
}

func (self *Broker) roomStorageKey(roomId string) string {
	return fmt.Sprintf("room:%s", roomId)
}

// loadRoom restores a previously saved snapshot into a new room.
func (self *Broker) loadRoom(room *Room) {
	if self.storage == nil {
		return
	}
	blob, err := self.storage.Load(self.ctx, self.roomStorageKey(room.RoomId()))
	if err != nil {
		glog.Infof("[broker]load room %s error = %v\n", room.RoomId(), err)
		return
	}
	if blob == nil {
		return
	}
	snapshot, err := DecodeSnapshot(blob)
	if err != nil {
		glog.Infof("[broker]decode room %s snapshot error = %v\n", room.RoomId(), err)
		return
	}
	if err := room.RestoreSnapshot(snapshot); err != nil {
		glog.Infof("[broker]restore room %s error = %v\n", room.RoomId(), err)
	}
}

func (self *Broker) saveRoom(room *Room) {
	if self.storage == nil {
		return
	}
	blob, err := EncodeSnapshot(room.Snapshot())
	if err != nil {
		glog.Infof("[broker]encode room %s snapshot error = %v\n", room.RoomId(), err)
		return
	}
	if err := self.storage.Save(self.ctx, self.roomStorageKey(room.RoomId()), blob); err != nil {
		glog.Infof("[broker]save room %s error = %v\n", room.RoomId(), err)
	}
}

func (self *Broker) addUserConnection(userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.MaxConnectionsPerUser <= self.userConnections[userId] {
		return false
	}
	self.userConnections[userId] += 1
	return true
}

func (self *Broker) removeUserConnection(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if count := self.userConnections[userId]; count <= 1 {
		delete(self.userConnections, userId)
	} else {
		self.userConnections[userId] = count - 1
	}
}

func (self *Broker) screenSharer(roomId string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.screenSharers[roomId]
}

// claimScreenShare returns false when another user already shares in
// the room.
func (self *Broker) claimScreenShare(roomId string, userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	existing, ok := self.screenSharers[roomId]
	if ok && existing != userId {
		return false
	}
	self.screenSharers[roomId] = userId
	return true
}

func (self *Broker) releaseScreenShare(roomId string, userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.screenSharers[roomId] != userId {
		return false
	}
	delete(self.screenSharers, roomId)
	return true
}

// per-connection session state machine:
// accepted -> authenticated -> joined(rooms) -> closed
type brokerSession struct {
	broker *Broker
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	remoteAddr string
	limiter    *RateLimiter
	sendChan   chan []byte

	// unix nanos of the last inbound frame
	lastReceive atomic.Int64

	stateLock     sync.Mutex
	principal     *Principal
	authenticated bool
	joinedRooms   map[string]bool
	violations    int
}

func newBrokerSession(broker *Broker, conn *websocket.Conn, remoteAddr string) *brokerSession {
	cancelCtx, cancel := context.WithCancel(broker.ctx)
	return &brokerSession{
		broker:      broker,
		conn:        conn,
		ctx:         cancelCtx,
		cancel:      cancel,
		remoteAddr:  remoteAddr,
		limiter:     NewRateLimiter(broker.settings.RateLimit),
		sendChan:    make(chan []byte, broker.settings.SendBufferSize),
		joinedRooms: map[string]bool{},
	}
}

func (self *brokerSession) run() {
	defer self.cleanup()

	self.conn.SetReadLimit(int64(self.broker.settings.MaxMessageSize))
	self.lastReceive.Store(time.Now().UnixNano())

	go self.writeLoop()
	self.readLoop()
}

func (self *brokerSession) readLoop() {
	defer self.cancel()

	for {
		_, data, err := self.conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[session %s]read done = %v\n", self.remoteAddr, err)
			return
		}
		self.lastReceive.Store(time.Now().UnixNano())
		self.handleMessage(data)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

func (self *brokerSession) writeLoop() {
	defer func() {
		self.cancel()
		self.conn.Close()
	}()

	settings := self.broker.settings
	pingTicker := time.NewTicker(settings.MessageTimeout / 2)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case data := <-self.sendChan:
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.V(2).Infof("[session %s]write done = %v\n", self.remoteAddr, err)
				return
			}
		case <-pingTicker.C:
			idle := time.Duration(time.Now().UnixNano() - self.lastReceive.Load())
			if idle < settings.MessageTimeout {
				continue
			}
			// idle connection. ping, do not disconnect.
			data, err := EncodeMessage(&PingMessage{
				Timestamp: nowSeconds(),
			})
			if err != nil {
				continue
			}
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (self *brokerSession) send(message Message) {
	data, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[session %s]encode error = %v\n", self.remoteAddr, err)
		return
	}
	select {
	case self.sendChan <- data:
	case <-self.ctx.Done():
	default:
		// slow consumer. drop rather than block the room.
		glog.Infof("[session %s]send buffer full, dropped %s\n", self.remoteAddr, message.MessageType())
	}
}

func (self *brokerSession) sendError(code ErrorCode, roomId string, format string, args ...any) {
	self.send(&ErrorMessage{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		RoomId:  roomId,
	})
}

// violation escalates repeated protocol faults to a close.
func (self *brokerSession) violation() {
	self.stateLock.Lock()
	self.violations += 1
	exceeded := self.broker.settings.ViolationLimit <= self.violations
	self.stateLock.Unlock()

	if exceeded {
		glog.Infof("[session %s]violation limit reached, closing\n", self.remoteAddr)
		self.cancel()
	}
}

func (self *brokerSession) currentPrincipal() *Principal {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.principal
}

func (self *brokerSession) handleMessage(data []byte) {
	if err := CheckMessageSize(data); err != nil {
		self.sendError(ErrorCodeInvalidMessage, "", "message too large")
		self.violation()
		return
	}

	message, err := DecodeClientMessage(data)
	if err != nil {
		if errors.Is(err, ErrInvalidOperation) || errors.Is(err, ErrUnsupportedOp) {
			self.sendError(ErrorCodeInvalidOperation, "", "%v", err)
		} else {
			self.sendError(ErrorCodeInvalidMessage, "", "%v", err)
		}
		self.violation()
		return
	}

	// auth and ICE are exempt from the token bucket
	switch message.MessageType() {
	case MessageTypeAuth, MessageTypeRtcIceCandidate:
	default:
		if !self.limiter.CanSend() {
			self.sendError(ErrorCodeRateLimited, "", "rate limit exceeded")
			self.violation()
			return
		}
	}

	switch v := message.(type) {
	case *AuthMessage:
		self.handleAuth(v)
	case *PingMessage:
		self.send(&PongMessage{
			Timestamp: nowSeconds(),
		})
	case *JoinMessage:
		self.handleJoin(v)
	case *LeaveMessage:
		self.handleLeave(v)
	case *OperationMessage:
		self.handleOperation(v)
	case *SyncRequestMessage:
		self.handleSyncRequest(v)
	case *CallMessage:
		self.handleCall(v)
	case *PresenceMessage:
		self.handlePresence(v)
	case *ScreenShareStartMessage:
		self.handleScreenShareStart(v)
	case *ScreenShareStopMessage:
		self.handleScreenShareStop(v)
	case *RtcOfferMessage:
		self.relay(v.RoomId, v.TargetUserId, func(fromUserId string) Message {
			v.FromUserId = fromUserId
			return v
		})
	case *RtcAnswerMessage:
		self.relay(v.RoomId, v.TargetUserId, func(fromUserId string) Message {
			v.FromUserId = fromUserId
			return v
		})
	case *RtcIceCandidateMessage:
		self.relay(v.RoomId, v.TargetUserId, func(fromUserId string) Message {
			v.FromUserId = fromUserId
			return v
		})
	case *RemoteControlRequestMessage:
		self.relay(v.RoomId, v.TargetUserId, func(fromUserId string) Message {
			v.FromUserId = fromUserId
			return v
		})
	case *RemoteControlResponseMessage:
		self.relay(v.RoomId, v.TargetUserId, func(fromUserId string) Message {
			v.FromUserId = fromUserId
			return v
		})
	default:
		self.sendError(ErrorCodeInvalidMessage, "", "unhandled message type %s", message.MessageType())
	}
}

func (self *brokerSession) handleAuth(message *AuthMessage) {
	if self.broker.authLimiter.IsBlocked(self.remoteAddr) {
		self.sendError(ErrorCodeAuthenticationFailed, "", "too many failed attempts")
		// retrying into the lockout escalates to a close
		self.violation()
		return
	}

	principal, err := self.broker.auth.Authenticate(self.ctx, message.Token)
	if err != nil || principal == nil {
		self.broker.authLimiter.RecordFailure(self.remoteAddr)
		self.sendError(ErrorCodeAuthenticationFailed, "", "authentication failed")
		return
	}
	self.broker.authLimiter.Clear(self.remoteAddr)

	if !self.broker.addUserConnection(principal.UserId) {
		self.sendError(ErrorCodeAuthenticationFailed, "", "too many connections for user")
		self.cancel()
		return
	}

	self.stateLock.Lock()
	// replace a previous identity on re-auth
	previous := self.principal
	self.principal = principal
	self.authenticated = true
	self.stateLock.Unlock()

	if previous != nil {
		self.broker.removeUserConnection(previous.UserId)
	}

	glog.V(2).Infof("[session %s]authenticated as %s\n", self.remoteAddr, principal.UserId)
	self.send(&AuthenticatedMessage{
		UserId: principal.UserId,
	})
}

// sessionPrincipal resolves the caller identity, creating an
// anonymous one when the broker allows it.
func (self *brokerSession) sessionPrincipal() *Principal {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.principal != nil {
		return self.principal
	}

	settings := self.broker.settings
	if settings.RequireAuth || !settings.AllowAnonymous {
		return nil
	}

	anonId := fmt.Sprintf("anon-%s", uuid.NewString())
	self.principal = &Principal{
		UserId:   anonId,
		Name:     fmt.Sprintf("Anonymous %s", anonId[5:13]),
		Metadata: map[string]any{},
	}
	return self.principal
}

func (self *brokerSession) memberRoom(roomId string) *Room {
	self.stateLock.Lock()
	joined := self.joinedRooms[roomId]
	self.stateLock.Unlock()

	if !joined {
		return nil
	}
	return self.broker.rooms.GetRoom(roomId)
}

func (self *brokerSession) handleJoin(message *JoinMessage) {
	principal := self.sessionPrincipal()
	if principal == nil {
		self.sendError(ErrorCodeAuthenticationFailed, message.RoomId, "authentication required")
		return
	}

	broker := self.broker
	room := broker.rooms.GetRoom(message.RoomId)
	if room == nil {
		if !broker.settings.AutoCreateRooms {
			self.sendError(ErrorCodeRoomNotFound, message.RoomId, "room %s not found", message.RoomId)
			return
		}
		room = broker.rooms.CreateRoom(message.RoomId)
		broker.loadRoom(room)
	}

	if broker.permissions != nil {
		if !broker.permissions.Check(principal, message.RoomId, PermissionRead) {
			self.sendError(ErrorCodePermissionDenied, message.RoomId, "join denied")
			return
		}
	}

	user := principal.User()
	if message.UserInfo != nil {
		user.Metadata = message.UserInfo
	}

	snapshot, users := room.Join(user, self.send)

	self.stateLock.Lock()
	self.joinedRooms[message.RoomId] = true
	self.stateLock.Unlock()

	self.send(&JoinedMessage{
		RoomId: message.RoomId,
		UserId: principal.UserId,
		Users:  users,
		State:  snapshot,
	})
	room.Broadcast(&UserJoinedMessage{
		RoomId: message.RoomId,
		User:   user,
	}, principal.UserId)

	glog.V(2).Infof("[session %s]%s joined %s\n", self.remoteAddr, principal.UserId, message.RoomId)
}

func (self *brokerSession) handleLeave(message *LeaveMessage) {
	principal := self.currentPrincipal()
	if principal == nil {
		return
	}

	self.stateLock.Lock()
	joined := self.joinedRooms[message.RoomId]
	delete(self.joinedRooms, message.RoomId)
	self.stateLock.Unlock()

	if joined {
		self.leaveRoom(message.RoomId, principal.UserId)
	}
}

func (self *brokerSession) leaveRoom(roomId string, userId string) {
	broker := self.broker
	room := broker.rooms.GetRoom(roomId)
	if room == nil {
		return
	}

	if broker.releaseScreenShare(roomId, userId) {
		room.Broadcast(&ScreenShareStoppedBroadcast{
			RoomId: roomId,
			UserId: userId,
		}, userId)
	}

	if room.Leave(userId) != nil {
		room.Broadcast(&UserLeftMessage{
			RoomId: roomId,
			UserId: userId,
		}, userId)
	}

	// durability on departure: the snapshot is the only record of the
	// room when save_on_operation is off
	broker.saveRoom(room)
}

func (self *brokerSession) handleOperation(message *OperationMessage) {
	principal := self.currentPrincipal()
	room := self.memberRoom(message.RoomId)
	if principal == nil || room == nil {
		self.sendError(ErrorCodeRoomNotFound, message.RoomId, "not joined to room %s", message.RoomId)
		return
	}

	broker := self.broker
	if broker.permissions != nil {
		required := PermissionWrite
		if message.Operation.Kind == OpDelete {
			required = PermissionDelete
		}
		if !broker.permissions.CheckPath(principal, message.RoomId, message.Operation.Path, required) {
			self.sendError(ErrorCodePermissionDenied, message.RoomId, "operation denied at path")
			return
		}
	}

	canonical, applied, err := room.ApplyOperation(message.Operation, broker.settings.UseServerTimestamp)
	if err != nil {
		self.sendError(ErrorCodeInvalidOperation, message.RoomId, "%v", err)
		return
	}
	if !applied {
		glog.V(2).Infof("[session %s]duplicate op %s\n", self.remoteAddr, message.Operation.Id)
	}

	// rebroadcast to every member including the sender, duplicates
	// included. apply is idempotent on every replica.
	room.Broadcast(&OperationBroadcast{
		RoomId:    message.RoomId,
		UserId:    principal.UserId,
		Operation: canonical,
	}, "")

	if broker.settings.SaveOnOperation {
		broker.saveRoom(room)
	}
}

func (self *brokerSession) handleSyncRequest(message *SyncRequestMessage) {
	room := self.memberRoom(message.RoomId)
	if room == nil {
		self.sendError(ErrorCodeRoomNotFound, message.RoomId, "not joined to room %s", message.RoomId)
		return
	}

	self.send(&SyncMessage{
		RoomId:        message.RoomId,
		State:         room.Snapshot(),
		Operations:    room.OperationsSince(message.SinceTimestamp),
		VersionVector: room.VersionVector(),
	})
}

func (self *brokerSession) handleCall(message *CallMessage) {
	principal := self.currentPrincipal()
	room := self.memberRoom(message.RoomId)
	if principal == nil || room == nil {
		self.sendError(ErrorCodeRoomNotFound, message.RoomId, "not joined to room %s", message.RoomId)
		return
	}

	fn := room.GetFunction(message.FunctionName)
	if fn == nil {
		self.send(&CallResultMessage{
			CallId:  message.CallId,
			Success: false,
			Error:   fmt.Sprintf("function %s not found", message.FunctionName),
		})
		return
	}

	self.stateLock.Lock()
	authenticated := self.authenticated
	self.stateLock.Unlock()

	if fn.RequiresAuth && !authenticated {
		self.sendError(ErrorCodePermissionDenied, message.RoomId, "function %s requires authentication", message.FunctionName)
		return
	}
	if self.broker.permissions != nil {
		for _, required := range fn.RequiredPermissions {
			if !self.broker.permissions.Check(principal, message.RoomId, required) {
				self.sendError(ErrorCodePermissionDenied, message.RoomId, "function %s denied", message.FunctionName)
				return
			}
		}
	}

	// run off the session loop so a slow handler cannot stall reads
	go func() {
		result, err := room.Call(self.ctx, message.FunctionName, principal, message.Args, message.Kwargs, self.broker.settings.FunctionTimeout)
		response := &CallResultMessage{
			CallId:  message.CallId,
			Success: err == nil,
			Result:  result,
		}
		if err != nil {
			response.Error = err.Error()
		}
		self.send(response)
	}()
}

func (self *brokerSession) handlePresence(message *PresenceMessage) {
	principal := self.currentPrincipal()
	room := self.memberRoom(message.RoomId)
	if principal == nil || room == nil {
		self.sendError(ErrorCodeRoomNotFound, message.RoomId, "not joined to room %s", message.RoomId)
		return
	}

	room.UpdatePresence(principal.UserId, message.Data)
	room.Broadcast(&PresenceBroadcast{
		RoomId: message.RoomId,
		UserId: principal.UserId,
		Data:   message.Data,
	}, "")
}

func (self *brokerSession) handleScreenShareStart(message *ScreenShareStartMessage) {
	principal := self.currentPrincipal()
	room := self.memberRoom(message.RoomId)
	if principal == nil || room == nil {
		self.sendError(ErrorCodeRoomNotFound, message.RoomId, "not joined to room %s", message.RoomId)
		return
	}

	if !self.broker.claimScreenShare(message.RoomId, principal.UserId) {
		self.sendError(ErrorCodePermissionDenied, message.RoomId, "another user is already sharing")
		return
	}

	// echoed to the sharer too; offer creation waits for this echo
	room.Broadcast(&ScreenShareStartedBroadcast{
		RoomId:    message.RoomId,
		UserId:    principal.UserId,
		ShareName: message.ShareName,
	}, "")
}

func (self *brokerSession) handleScreenShareStop(message *ScreenShareStopMessage) {
	principal := self.currentPrincipal()
	room := self.memberRoom(message.RoomId)
	if principal == nil || room == nil {
		return
	}

	if self.broker.releaseScreenShare(message.RoomId, principal.UserId) {
		room.Broadcast(&ScreenShareStoppedBroadcast{
			RoomId: message.RoomId,
			UserId: principal.UserId,
		}, "")
	}
}

// relay forwards an opaque signaling payload to one member. The
// payload is never inspected.
func (self *brokerSession) relay(roomId string, targetUserId string, stamp func(fromUserId string) Message) {
	principal := self.currentPrincipal()
	room := self.memberRoom(roomId)
	if principal == nil || room == nil {
		self.sendError(ErrorCodeRoomNotFound, roomId, "not joined to room %s", roomId)
		return
	}

	message := stamp(principal.UserId)
	if !room.SendTo(targetUserId, message) {
		glog.V(2).Infof("[session %s]relay target %s not in room %s\n", self.remoteAddr, targetUserId, roomId)
	}
}

func (self *brokerSession) cleanup() {
	self.cancel()
	self.conn.Close()

	principal := self.currentPrincipal()

	self.stateLock.Lock()
	joinedRooms := maps.Keys(self.joinedRooms)
	self.joinedRooms = map[string]bool{}
	authenticated := self.authenticated
	self.stateLock.Unlock()

	if principal != nil {
		for _, roomId := range joinedRooms {
			self.leaveRoom(roomId, principal.UserId)
		}
		if authenticated {
			self.broker.removeUserConnection(principal.UserId)
		}
	}
	glog.V(2).Infof("[session %s]closed\n", self.remoteAddr)
}
