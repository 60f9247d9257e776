package collabkit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// PresenceEntry is one user's transient presence in a room. Never
// persisted; dropped on departure.
type PresenceEntry struct {
	User        *User
	Data        map[string]any
	LastUpdated float64
}

// RoomPresence tracks presence for all users in a single room.
type RoomPresence struct {
	roomId string

	stateLock sync.Mutex
	users     map[string]*PresenceEntry
}

func NewRoomPresence(roomId string) *RoomPresence {
	return &RoomPresence{
		roomId: roomId,
		users:  map[string]*PresenceEntry{},
	}
}

func (self *RoomPresence) AddUser(user *User, initialData map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if initialData == nil {
		initialData = map[string]any{}
	}
	self.users[user.Id] = &PresenceEntry{
		User:        user,
		Data:        initialData,
		LastUpdated: nowSeconds(),
	}
}

func (self *RoomPresence) RemoveUser(userId string) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.users[userId]
	if entry == nil {
		return nil
	}
	delete(self.users, userId)
	return entry.User
}

// Update shallow-merges data into the user's presence.
func (self *RoomPresence) Update(userId string, data map[string]any) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.users[userId]
	if entry == nil {
		return false
	}
	for key, value := range data {
		entry.Data[key] = value
	}
	entry.LastUpdated = nowSeconds()
	return true
}

func (self *RoomPresence) Get(userId string) *PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.users[userId]
}

func (self *RoomPresence) HasUser(userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.users[userId]
	return ok
}

func (self *RoomPresence) IsEmpty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.users) == 0
}

func (self *RoomPresence) All() map[string]*PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.users)
}

func (self *RoomPresence) pruneStale(cutoff float64) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pruned := []string{}
	for userId, entry := range self.users {
		if entry.LastUpdated < cutoff {
			delete(self.users, userId)
			pruned = append(pruned, userId)
		}
	}
	return pruned
}

type PresenceManagerSettings struct {
	StaleTimeout    time.Duration
	CleanupInterval time.Duration
}

func DefaultPresenceManagerSettings() *PresenceManagerSettings {
	return &PresenceManagerSettings{
		StaleTimeout:    60 * time.Second,
		CleanupInterval: 30 * time.Second,
	}
}

// PresenceManager tracks presence across rooms and sweeps stale
// entries in the background.
type PresenceManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PresenceManagerSettings

	stateLock sync.Mutex
	rooms     map[string]*RoomPresence
}

func NewPresenceManagerWithDefaults(ctx context.Context) *PresenceManager {
	return NewPresenceManager(ctx, DefaultPresenceManagerSettings())
}

func NewPresenceManager(ctx context.Context, settings *PresenceManagerSettings) *PresenceManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PresenceManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rooms:    map[string]*RoomPresence{},
	}
}

func (self *PresenceManager) Room(roomId string) *RoomPresence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room := self.rooms[roomId]
	if room == nil {
		room = NewRoomPresence(roomId)
		self.rooms[roomId] = room
	}
	return room
}

func (self *PresenceManager) RemoveRoom(roomId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.rooms, roomId)
}

func (self *PresenceManager) Start() {
	go self.cleanupLoop()
}

func (self *PresenceManager) Stop() {
	self.cancel()
}

func (self *PresenceManager) cleanupLoop() {
	ticker := time.NewTicker(self.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.sweep()
		}
	}
}

func (self *PresenceManager) sweep() {
	cutoff := nowSeconds() - self.settings.StaleTimeout.Seconds()

	self.stateLock.Lock()
	rooms := maps.Values(self.rooms)
	self.stateLock.Unlock()

	for _, room := range rooms {
		if pruned := room.pruneStale(cutoff); 0 < len(pruned) {
			glog.V(2).Infof("[presence]pruned %d stale entries in room %s\n", len(pruned), room.roomId)
		}
	}
}
