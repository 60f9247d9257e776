package collabkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrRoomNotFound = errors.New("room not found")
var ErrFunctionNotFound = errors.New("function not found")
var ErrFunctionTimeout = errors.New("function timed out")
var ErrPermissionDenied = errors.New("permission denied")

// ServerFunction is a handler clients can invoke by name.
type ServerFunction func(ctx context.Context, room *Room, principal *Principal, args []any, kwargs map[string]any) (any, error)

type RegisteredFunction struct {
	Name                string
	Fn                  ServerFunction
	RequiresAuth        bool
	RequiredPermissions []Permission
}

// SendFunc delivers a message to one member's connection.
type SendFunc func(message Message)

type roomMember struct {
	user *User
	send SendFunc
}

// Room owns the authoritative CRDT for one collaboration space, its
// membership, presence, and registered functions. All mutations are
// serialized behind the room lock.
type Room struct {
	roomId string
	origin string

	stateLock sync.Mutex
	state     *LWWMap
	// join order preserved
	members   []*roomMember
	functions map[string]*RegisteredFunction
	metadata  map[string]any
	createdAt float64
	updatedAt float64

	presence *RoomPresence
}

func NewRoom(roomId string) *Room {
	now := nowSeconds()
	return &Room{
		roomId:    roomId,
		origin:    fmt.Sprintf("server-%s", roomId),
		state:     NewLWWMap(fmt.Sprintf("server-%s", roomId)),
		members:   []*roomMember{},
		functions: map[string]*RegisteredFunction{},
		metadata:  map[string]any{},
		createdAt: now,
		updatedAt: now,
		presence:  NewRoomPresence(roomId),
	}
}

func (self *Room) RoomId() string {
	return self.roomId
}

func (self *Room) Presence() *RoomPresence {
	return self.presence
}

func (self *Room) Value() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Value()
}

func (self *Room) Snapshot() *MapSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Snapshot()
}

// RestoreSnapshot replaces the room state, typically at broker start.
func (self *Room) RestoreSnapshot(snapshot *MapSnapshot) error {
	state, err := MapFromSnapshot(self.origin, snapshot)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = state
	self.updatedAt = nowSeconds()
	return nil
}

func (self *Room) OperationsSince(timestamp float64) []*Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.OperationsSince(timestamp)
}

func (self *Room) VersionVector() map[string]float64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Versions().ToMap()
}

// ApplyOperation validates and applies one operation. When
// useServerTimestamp is set, the broker clock replaces the emitter's.
// Returns the canonical op for rebroadcast and whether it was newly
// applied; a duplicate returns (op, false, nil).
func (self *Room) ApplyOperation(op *Operation, useServerTimestamp bool) (*Operation, bool, error) {
	if err := op.Validate(); err != nil {
		return nil, false, err
	}
	if useServerTimestamp {
		op = op.WithTimestamp(nowSeconds())
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	applied, err := self.state.Apply(op)
	if err != nil {
		return nil, false, err
	}
	self.updatedAt = nowSeconds()
	return op, applied, nil
}

// Join adds the user, deduping by user id, and returns the snapshot
// and member list for the joined response.
func (self *Room) Join(user *User, send SendFunc) (*MapSnapshot, []*User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.members, func(member *roomMember) bool {
		return member.user.Id == user.Id
	})
	if 0 <= i {
		// reconnect. replace the transport.
		self.members[i] = &roomMember{
			user: user,
			send: send,
		}
	} else {
		self.members = append(self.members, &roomMember{
			user: user,
			send: send,
		})
	}

	self.presence.AddUser(user, nil)
	return self.state.Snapshot(), self.usersLocked()
}

func (self *Room) Leave(userId string) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.members, func(member *roomMember) bool {
		return member.user.Id == userId
	})
	if i < 0 {
		return nil
	}
	user := self.members[i].user
	self.members = slices.Delete(self.members, i, i+1)
	self.presence.RemoveUser(userId)
	return user
}

func (self *Room) HasUser(userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 <= slices.IndexFunc(self.members, func(member *roomMember) bool {
		return member.user.Id == userId
	})
}

func (self *Room) Users() []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.usersLocked()
}

func (self *Room) usersLocked() []*User {
	users := make([]*User, len(self.members))
	for i, member := range self.members {
		users[i] = member.user
	}
	return users
}

func (self *Room) UserCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.members)
}

func (self *Room) IsEmpty() bool {
	return self.UserCount() == 0
}

// UpdatePresence shallow-merges data into the user's presence entry.
func (self *Room) UpdatePresence(userId string, data map[string]any) bool {
	return self.presence.Update(userId, data)
}

func (self *Room) SetMetadata(key string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metadata[key] = value
	self.updatedAt = nowSeconds()
}

func (self *Room) Metadata() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.metadata)
}

func (self *Room) RegisterFunction(fn *RegisteredFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.functions[fn.Name] = fn
}

func (self *Room) GetFunction(name string) *RegisteredFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.functions[name]
}

// Call invokes a registered function under the timeout. The handler
// runs outside the room lock so it can mutate room state itself. A
// panicking handler is reported as a function error, not a crash.
func (self *Room) Call(ctx context.Context, name string, principal *Principal, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	fn := self.GetFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		result any
		err    error
	}
	out := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- callResult{
					err: fmt.Errorf("function %s panicked: %v", name, r),
				}
			}
		}()
		result, err := fn.Fn(callCtx, self, principal, args, kwargs)
		out <- callResult{
			result: result,
			err:    err,
		}
	}()

	select {
	case <-callCtx.Done():
		// abandon the handler
		return nil, fmt.Errorf("%w: %s after %s", ErrFunctionTimeout, name, timeout)
	case r := <-out:
		return r.result, r.err
	}
}

// Broadcast sends a message to every member except excludeUserId
// (empty string excludes nobody).
func (self *Room) Broadcast(message Message, excludeUserId string) {
	self.stateLock.Lock()
	members := slices.Clone(self.members)
	self.stateLock.Unlock()

	for _, member := range members {
		if member.user.Id == excludeUserId {
			continue
		}
		member.send(message)
	}
}

func (self *Room) SendTo(userId string, message Message) bool {
	self.stateLock.Lock()
	var send SendFunc
	for _, member := range self.members {
		if member.user.Id == userId {
			send = member.send
			break
		}
	}
	self.stateLock.Unlock()

	if send == nil {
		return false
	}
	send(message)
	return true
}

// RoomManager creates, looks up, and retires rooms, and carries the
// function registry shared by all rooms.
type RoomManager struct {
	stateLock sync.Mutex

	rooms           map[string]*Room
	globalFunctions map[string]*RegisteredFunction
	presence        *PresenceManager

	roomCreatedCallbacks CallbackList[func(room *Room)]
	roomDeletedCallbacks CallbackList[func(roomId string)]
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:           map[string]*Room{},
		globalFunctions: map[string]*RegisteredFunction{},
	}
}

// SetPresenceManager routes room presence through the manager so the
// stale sweep covers live rooms. Call before creating rooms.
func (self *RoomManager) SetPresenceManager(presence *PresenceManager) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.presence = presence
}

func (self *RoomManager) CreateRoom(roomId string) *Room {
	if roomId == "" {
		roomId = uuid.NewString()
	}

	self.stateLock.Lock()
	room := self.rooms[roomId]
	if room != nil {
		self.stateLock.Unlock()
		return room
	}
	room = NewRoom(roomId)
	if self.presence != nil {
		room.presence = self.presence.Room(roomId)
	}
	for _, fn := range self.globalFunctions {
		room.RegisterFunction(fn)
	}
	self.rooms[roomId] = room
	self.stateLock.Unlock()

	for _, callback := range self.roomCreatedCallbacks.Get() {
		callback := callback
		safeCall("room_created", func() {
			callback(room)
		})
	}
	glog.V(2).Infof("[room]created %s\n", roomId)
	return room
}

func (self *RoomManager) GetRoom(roomId string) *Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.rooms[roomId]
}

func (self *RoomManager) GetOrCreateRoom(roomId string) *Room {
	if room := self.GetRoom(roomId); room != nil {
		return room
	}
	return self.CreateRoom(roomId)
}

func (self *RoomManager) HasRoom(roomId string) bool {
	return self.GetRoom(roomId) != nil
}

func (self *RoomManager) DeleteRoom(roomId string) bool {
	self.stateLock.Lock()
	_, ok := self.rooms[roomId]
	if ok {
		delete(self.rooms, roomId)
	}
	presence := self.presence
	self.stateLock.Unlock()

	if !ok {
		return false
	}
	if presence != nil {
		presence.RemoveRoom(roomId)
	}
	for _, callback := range self.roomDeletedCallbacks.Get() {
		callback := callback
		safeCall("room_deleted", func() {
			callback(roomId)
		})
	}
	glog.V(2).Infof("[room]deleted %s\n", roomId)
	return true
}

func (self *RoomManager) RoomIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	roomIds := maps.Keys(self.rooms)
	slices.Sort(roomIds)
	return roomIds
}

func (self *RoomManager) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.rooms)
}

// RegisterFunction makes a function callable in every room, existing
// and future.
func (self *RoomManager) RegisterFunction(fn *RegisteredFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.globalFunctions[fn.Name] = fn
	for _, room := range self.rooms {
		room.RegisterFunction(fn)
	}
}

func (self *RoomManager) AddRoomCreatedCallback(callback func(room *Room)) func() {
	return self.roomCreatedCallbacks.Add(callback)
}

func (self *RoomManager) AddRoomDeletedCallback(callback func(roomId string)) func() {
	return self.roomDeletedCallbacks.Add(callback)
}

// CleanupEmptyRooms retires rooms with no members. Returns the number
// removed.
func (self *RoomManager) CleanupEmptyRooms() int {
	removed := 0
	for _, roomId := range self.RoomIds() {
		room := self.GetRoom(roomId)
		if room != nil && room.IsEmpty() {
			if self.DeleteRoom(roomId) {
				removed += 1
			}
		}
	}
	return removed
}
