package collabkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateFailed       ConnectionState = "failed"
)

var ErrNotConnected = errors.New("not connected")
var ErrCallTimeout = errors.New("call timed out")
var ErrCallRejected = errors.New("call rejected")
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

type ClientSettings struct {
	// websocket url, e.g. ws://host:port/ws
	Url string
	// called on every connect; the token is never placed in the url
	TokenFunc func() (string, error)
	// optional descriptor advertised on join
	UserInfo map[string]any

	// offline queue persistence. nil storage keeps the queue in memory.
	Storage   Storage
	Namespace string

	PingInterval time.Duration
	CallTimeout  time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		PingInterval:         30 * time.Second,
		CallTimeout:          30 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		ConnectTimeout:       15 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// ClientRoom is the client's replica of one room: local CRDT mirror,
// member list, presence, and listener sets. Obtained from
// Client.Join; reference counted, so nested joins are cheap.
type ClientRoom struct {
	client *Client
	roomId string

	stateLock sync.Mutex
	refCount  int
	joined    bool
	state     *LWWMap
	members   []*User
	presence  map[string]map[string]any

	stateCallbacks     CallbackList[func(value map[string]any)]
	presenceCallbacks  CallbackList[func(userId string, data map[string]any)]
	operationCallbacks CallbackList[func(op *Operation)]
}

func newClientRoom(client *Client, roomId string) *ClientRoom {
	return &ClientRoom{
		client:   client,
		roomId:   roomId,
		state:    NewLWWMap(client.origin),
		presence: map[string]map[string]any{},
	}
}

func (self *ClientRoom) RoomId() string {
	return self.roomId
}

func (self *ClientRoom) Value() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Value()
}

func (self *ClientRoom) Members() []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]*User, len(self.members))
	copy(out, self.members)
	return out
}

func (self *ClientRoom) Presence() map[string]map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[string]map[string]any{}
	for userId, data := range self.presence {
		out[userId] = maps.Clone(data)
	}
	return out
}

func (self *ClientRoom) AddStateCallback(callback func(value map[string]any)) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *ClientRoom) AddPresenceCallback(callback func(userId string, data map[string]any)) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *ClientRoom) AddOperationCallback(callback func(op *Operation)) func() {
	return self.operationCallbacks.Add(callback)
}

// a listener panic must not interrupt dispatch to the others
func (self *ClientRoom) notifyState() {
	self.stateLock.Lock()
	value := self.state.Value()
	self.stateLock.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		safeCall("state", func() {
			callback(value)
		})
	}
}

func (self *ClientRoom) notifyPresence(userId string, data map[string]any) {
	for _, callback := range self.presenceCallbacks.Get() {
		callback := callback
		safeCall("presence", func() {
			callback(userId, data)
		})
	}
}

func (self *ClientRoom) notifyOperation(op *Operation) {
	for _, callback := range self.operationCallbacks.Get() {
		callback := callback
		safeCall("operation", func() {
			callback(op)
		})
	}
}

// applyRemote applies a broker-delivered operation to the local
// mirror and fires listeners.
func (self *ClientRoom) applyRemote(op *Operation) {
	self.stateLock.Lock()
	applied, err := self.state.Apply(op)
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[room %s]apply error = %v\n", self.roomId, err)
		return
	}
	if !applied {
		return
	}
	self.notifyState()
	self.notifyOperation(op)
}

func (self *ClientRoom) applySnapshot(snapshot *MapSnapshot) {
	remote, err := MapFromSnapshot(self.client.origin, snapshot)
	if err != nil {
		glog.Infof("[room %s]snapshot error = %v\n", self.roomId, err)
		return
	}

	self.stateLock.Lock()
	err = self.state.Merge(remote)
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[room %s]merge error = %v\n", self.roomId, err)
		return
	}
	self.notifyState()
}

// Client is the session engine: connection lifecycle with
// exponential-backoff reconnect, per-room CRDT mirrors, the offline
// queue, presence, and function-call correlation.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings
	origin   string
	offline  *OfflineQueue

	stateLock        sync.Mutex
	conn             *websocket.Conn
	connCancel       context.CancelFunc
	connected        bool
	intentionalClose bool
	reconnecting     bool
	userId           string
	rooms            map[string]*ClientRoom
	pendingCalls     map[string]chan *CallResultMessage

	writeLock sync.Mutex

	connectionCallbacks CallbackList[func(state ConnectionState)]
	errorCallbacks      CallbackList[func(err error)]
	messageCallbacks    CallbackList[func(message Message)]
}

func NewClientWithDefaults(ctx context.Context, url string, tokenFunc func() (string, error)) *Client {
	settings := DefaultClientSettings()
	settings.Url = url
	settings.TokenFunc = tokenFunc
	return NewClient(ctx, settings)
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	origin := uuid.NewString()
	namespace := settings.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		origin:       origin,
		offline:      NewOfflineQueue(cancelCtx, settings.Storage, namespace),
		rooms:        map[string]*ClientRoom{},
		pendingCalls: map[string]chan *CallResultMessage{},
	}
}

func (self *Client) Origin() string {
	return self.origin
}

func (self *Client) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userId
}

func (self *Client) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *Client) OfflineQueue() *OfflineQueue {
	return self.offline
}

func (self *Client) AddConnectionCallback(callback func(state ConnectionState)) func() {
	return self.connectionCallbacks.Add(callback)
}

func (self *Client) AddErrorCallback(callback func(err error)) func() {
	return self.errorCallbacks.Add(callback)
}

// AddMessageCallback observes every decoded server message. Used by
// the screen-share coordinator for signaling.
func (self *Client) AddMessageCallback(callback func(message Message)) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *Client) notifyConnection(state ConnectionState) {
	for _, callback := range self.connectionCallbacks.Get() {
		callback := callback
		safeCall("connection", func() {
			callback(state)
		})
	}
}

func (self *Client) notifyError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		callback := callback
		safeCall("error", func() {
			callback(err)
		})
	}
}

// Connect opens the transport and authenticates. On later transport
// failure the client reconnects on its own with exponential backoff.
func (self *Client) Connect() error {
	self.stateLock.Lock()
	self.intentionalClose = false
	self.stateLock.Unlock()

	return self.connectOnce()
}

func (self *Client) connectOnce() error {
	token := ""
	if self.settings.TokenFunc != nil {
		var err error
		token, err = self.settings.TokenFunc()
		if err != nil {
			return err
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: self.settings.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.settings.Url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(int64(MaxWireMessageSize))

	connCtx, connCancel := context.WithCancel(self.ctx)

	self.stateLock.Lock()
	self.conn = conn
	self.connCancel = connCancel
	self.connected = true
	roomIds := maps.Keys(self.rooms)
	self.stateLock.Unlock()

	go self.readLoop(connCtx, conn)
	go self.pingLoop(connCtx)

	// token travels in the first frame, never in the url
	if err := self.sendMessage(&AuthMessage{
		Token: token,
	}); err != nil {
		return err
	}

	// restore the registry, then replay what accumulated offline
	for _, roomId := range roomIds {
		if err := self.sendMessage(&JoinMessage{
			RoomId:   roomId,
			UserInfo: self.settings.UserInfo,
		}); err != nil {
			return err
		}
	}
	self.drainOffline()

	self.notifyConnection(ConnectionStateConnected)
	return nil
}

// Disconnect closes the transport without scheduling a reconnect.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	self.intentionalClose = true
	conn := self.conn
	connCancel := self.connCancel
	self.conn = nil
	self.connected = false
	self.stateLock.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.Close()
	}
	self.rejectPendingCalls("disconnected")
	self.notifyConnection(ConnectionStateDisconnected)
}

func (self *Client) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		message, decodeErr := DecodeServerMessage(data)
		if decodeErr != nil {
			glog.Infof("[client %s]decode error = %v\n", self.origin, decodeErr)
			continue
		}
		self.dispatch(message)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	// transport gone
	self.stateLock.Lock()
	intentional := self.intentionalClose
	if self.conn == conn {
		self.conn = nil
		self.connected = false
	}
	self.stateLock.Unlock()

	self.rejectPendingCalls("disconnected")

	if !intentional {
		self.notifyConnection(ConnectionStateDisconnected)
		go self.reconnectLoop()
	}
}

func (self *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self.sendMessage(&PingMessage{
				Timestamp: nowSeconds(),
			})
		}
	}
}

// reconnectLoop retries with min(2^attempt * base, max) delays and
// gives up after the attempt cap, surfacing the failure.
func (self *Client) reconnectLoop() {
	self.stateLock.Lock()
	if self.reconnecting {
		self.stateLock.Unlock()
		return
	}
	self.reconnecting = true
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.reconnecting = false
		self.stateLock.Unlock()
	}()

	settings := self.settings
	for attempt := 0; attempt < settings.MaxReconnectAttempts; attempt += 1 {
		delay := settings.ReconnectBaseDelay << attempt
		if settings.ReconnectMaxDelay < delay {
			delay = settings.ReconnectMaxDelay
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}

		self.stateLock.Lock()
		intentional := self.intentionalClose
		self.stateLock.Unlock()
		if intentional {
			return
		}

		self.notifyConnection(ConnectionStateReconnecting)
		if err := self.connectOnce(); err == nil {
			return
		} else {
			glog.Infof("[client %s]reconnect attempt %d error = %v\n", self.origin, attempt+1, err)
		}
	}

	self.notifyConnection(ConnectionStateFailed)
	self.notifyError(ErrReconnectFailed)
}

func (self *Client) sendMessage(message Message) error {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Join registers interest in a room. Only the first join sends the
// wire message; later joins share the same replica.
func (self *Client) Join(roomId string) (*ClientRoom, error) {
	self.stateLock.Lock()
	room := self.rooms[roomId]
	first := room == nil
	if first {
		room = newClientRoom(self, roomId)
		self.rooms[roomId] = room
	}
	connected := self.connected
	self.stateLock.Unlock()

	room.stateLock.Lock()
	room.refCount += 1
	room.stateLock.Unlock()

	if first && connected {
		if err := self.sendMessage(&JoinMessage{
			RoomId:   roomId,
			UserInfo: self.settings.UserInfo,
		}); err != nil {
			return room, err
		}
	}
	return room, nil
}

// Leave drops one reference; only the last leave sends the wire
// message and discards the replica.
func (self *Client) Leave(roomId string) error {
	self.stateLock.Lock()
	room := self.rooms[roomId]
	self.stateLock.Unlock()

	if room == nil {
		return nil
	}

	room.stateLock.Lock()
	room.refCount -= 1
	last := room.refCount <= 0
	room.stateLock.Unlock()

	if !last {
		return nil
	}

	self.stateLock.Lock()
	delete(self.rooms, roomId)
	connected := self.connected
	self.stateLock.Unlock()

	if connected {
		return self.sendMessage(&LeaveMessage{
			RoomId: roomId,
		})
	}
	return nil
}

func (self *Client) room(roomId string) *ClientRoom {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.rooms[roomId]
}

// SetAt writes locally first, so the caller observes the new state
// synchronously, then forwards or enqueues the operation.
func (self *Client) SetAt(roomId string, path []string, value any) (*Operation, error) {
	room := self.room(roomId)
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomId)
	}

	room.stateLock.Lock()
	op, err := room.state.Set(path, value)
	room.stateLock.Unlock()
	if err != nil {
		return nil, err
	}
	room.notifyState()

	self.forwardOrEnqueue(roomId, op)
	return op, nil
}

func (self *Client) DeleteAt(roomId string, path []string) (*Operation, error) {
	room := self.room(roomId)
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomId)
	}

	room.stateLock.Lock()
	op, err := room.state.Delete(path)
	room.stateLock.Unlock()
	if err != nil {
		return nil, err
	}
	room.notifyState()

	self.forwardOrEnqueue(roomId, op)
	return op, nil
}

func (self *Client) GetAt(roomId string, path []string) any {
	room := self.room(roomId)
	if room == nil {
		return nil
	}

	room.stateLock.Lock()
	defer room.stateLock.Unlock()

	return room.state.Get(path)
}

func (self *Client) forwardOrEnqueue(roomId string, op *Operation) {
	if self.IsConnected() {
		err := self.sendMessage(&OperationMessage{
			RoomId:    roomId,
			Operation: op,
		})
		if err == nil {
			return
		}
		glog.Infof("[client %s]send op error = %v, queueing\n", self.origin, err)
	}
	self.offline.Enqueue(roomId, op)
}

// drainOffline replays queued operations in enqueue order.
// At-most-once application follows from op-id idempotency.
func (self *Client) drainOffline() {
	for _, entry := range self.offline.DrainAll() {
		err := self.sendMessage(&OperationMessage{
			RoomId:    entry.RoomId,
			Operation: entry.Operation,
		})
		if err != nil {
			// transport failed mid-drain. requeue.
			self.offline.Enqueue(entry.RoomId, entry.Operation)
		}
	}
}

// UpdatePresence stores the data locally, notifies listeners, and
// forwards it. Presence is never queued offline.
func (self *Client) UpdatePresence(roomId string, data map[string]any) error {
	room := self.room(roomId)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomId)
	}
	if err := CheckValueWithMaxSize(data, MaxPresenceDataSize); err != nil {
		return err
	}

	userId := self.UserId()
	room.stateLock.Lock()
	merged := room.presence[userId]
	if merged == nil {
		merged = map[string]any{}
		room.presence[userId] = merged
	}
	for key, value := range data {
		merged[key] = value
	}
	room.stateLock.Unlock()

	room.notifyPresence(userId, data)
	return self.sendMessage(&PresenceMessage{
		RoomId: roomId,
		Data:   data,
	})
}

// Call invokes a server function and waits for the correlated
// result. Pending calls are rejected on disconnect.
func (self *Client) Call(ctx context.Context, roomId string, functionName string, args []any, kwargs map[string]any) (any, error) {
	callId := NewId().String()
	resultChan := make(chan *CallResultMessage, 1)

	self.stateLock.Lock()
	self.pendingCalls[callId] = resultChan
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pendingCalls, callId)
		self.stateLock.Unlock()
	}()

	err := self.sendMessage(&CallMessage{
		RoomId:       roomId,
		CallId:       callId,
		FunctionName: functionName,
		Args:         args,
		Kwargs:       kwargs,
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(self.settings.CallTimeout):
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, functionName)
	case result := <-resultChan:
		if result == nil {
			return nil, ErrCallRejected
		}
		if !result.Success {
			return nil, fmt.Errorf("%w: %s", ErrCallRejected, result.Error)
		}
		return result.Result, nil
	}
}

func (self *Client) rejectPendingCalls(reason string) {
	self.stateLock.Lock()
	pending := self.pendingCalls
	self.pendingCalls = map[string]chan *CallResultMessage{}
	self.stateLock.Unlock()

	for _, resultChan := range pending {
		select {
		case resultChan <- nil:
		default:
		}
	}
	if 0 < len(pending) {
		glog.V(2).Infof("[client %s]rejected %d pending calls (%s)\n", self.origin, len(pending), reason)
	}
}

func (self *Client) dispatch(message Message) {
	switch v := message.(type) {
	case *AuthenticatedMessage:
		self.stateLock.Lock()
		self.userId = v.UserId
		self.stateLock.Unlock()

	case *JoinedMessage:
		room := self.room(v.RoomId)
		if room == nil {
			break
		}
		room.stateLock.Lock()
		room.joined = true
		room.members = v.Users
		room.stateLock.Unlock()
		room.applySnapshot(v.State)

	case *OperationBroadcast:
		// own operations come back in the broadcast; the local
		// replica already applied them
		if v.UserId == self.UserId() {
			break
		}
		room := self.room(v.RoomId)
		if room == nil {
			break
		}
		room.applyRemote(v.Operation)

	case *SyncMessage:
		room := self.room(v.RoomId)
		if room == nil {
			break
		}
		room.applySnapshot(v.State)
		for _, op := range v.Operations {
			room.applyRemote(op)
		}

	case *CallResultMessage:
		self.stateLock.Lock()
		resultChan := self.pendingCalls[v.CallId]
		self.stateLock.Unlock()
		if resultChan != nil {
			select {
			case resultChan <- v:
			default:
			}
		}

	case *PresenceBroadcast:
		room := self.room(v.RoomId)
		if room == nil || v.UserId == self.UserId() {
			break
		}
		room.stateLock.Lock()
		merged := room.presence[v.UserId]
		if merged == nil {
			merged = map[string]any{}
			room.presence[v.UserId] = merged
		}
		for key, value := range v.Data {
			merged[key] = value
		}
		room.stateLock.Unlock()
		room.notifyPresence(v.UserId, v.Data)

	case *UserJoinedMessage:
		room := self.room(v.RoomId)
		if room == nil {
			break
		}
		room.stateLock.Lock()
		exists := false
		for _, member := range room.members {
			if member.Id == v.User.Id {
				exists = true
				break
			}
		}
		if !exists {
			room.members = append(room.members, v.User)
		}
		room.stateLock.Unlock()

	case *UserLeftMessage:
		room := self.room(v.RoomId)
		if room == nil {
			break
		}
		room.stateLock.Lock()
		members := []*User{}
		for _, member := range room.members {
			if member.Id != v.UserId {
				members = append(members, member)
			}
		}
		room.members = members
		delete(room.presence, v.UserId)
		room.stateLock.Unlock()

	case *ErrorMessage:
		self.notifyError(fmt.Errorf("%s: %s", v.Code, v.Message))

	case *PongMessage, *PingMessage:
		// liveness only
	}

	// raw observers (signaling) see every message, after state updates
	for _, callback := range self.messageCallbacks.Get() {
		callback := callback
		safeCall("message", func() {
			callback(message)
		})
	}
}
