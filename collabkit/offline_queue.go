package collabkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const MaxOfflineQueueSize = 1000
const MaxOfflineEntryAge = 24 * time.Hour

// QueueEntry is one pending operation awaiting replay.
type QueueEntry struct {
	RoomId    string     `json:"room_id"`
	Operation *Operation `json:"operation"`
	QueuedAt  float64    `json:"queued_at"`
}

// OfflineQueue is a durable FIFO of operations emitted while
// disconnected, persisted per namespace. Storage faults are logged
// and the queue degrades to memory only.
type OfflineQueue struct {
	ctx context.Context

	storage   Storage
	namespace string

	stateLock sync.Mutex
	entries   []*QueueEntry
}

func NewOfflineQueue(ctx context.Context, storage Storage, namespace string) *OfflineQueue {
	queue := &OfflineQueue{
		ctx:       ctx,
		storage:   storage,
		namespace: namespace,
	}
	queue.load()
	return queue
}

func (self *OfflineQueue) storageKey() string {
	return fmt.Sprintf("offline_queue:%s", self.namespace)
}

// load restores persisted entries, discarding anything corrupted or
// older than the age bound. The store is rewritten when entries were
// dropped, so tampered data does not survive a restart.
func (self *OfflineQueue) load() {
	if self.storage == nil {
		return
	}

	blob, err := self.storage.Load(self.ctx, self.storageKey())
	if err != nil {
		glog.Infof("[queue %s]load error = %v\n", self.namespace, err)
		return
	}
	if blob == nil {
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		glog.Infof("[queue %s]corrupted store, discarding = %v\n", self.namespace, err)
		self.persist()
		return
	}

	cutoff := nowSeconds() - MaxOfflineEntryAge.Seconds()
	entries := []*QueueEntry{}
	dropped := 0
	for _, item := range raw {
		entry, err := decodeQueueEntry(item)
		if err != nil {
			glog.Infof("[queue %s]dropped entry = %v\n", self.namespace, err)
			dropped += 1
			continue
		}
		if entry.QueuedAt < cutoff {
			dropped += 1
			continue
		}
		entries = append(entries, entry)
	}

	self.stateLock.Lock()
	self.entries = entries
	self.stateLock.Unlock()

	if 0 < dropped {
		self.persist()
	}
}

func decodeQueueEntry(data []byte) (*QueueEntry, error) {
	var entry QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if entry.RoomId == "" {
		return nil, fmt.Errorf("missing room id")
	}
	if entry.Operation == nil {
		return nil, fmt.Errorf("missing operation")
	}
	if err := entry.Operation.Validate(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (self *OfflineQueue) persist() {
	if self.storage == nil {
		return
	}

	self.stateLock.Lock()
	entries := slices.Clone(self.entries)
	self.stateLock.Unlock()

	blob, err := json.Marshal(entries)
	if err != nil {
		glog.Infof("[queue %s]encode error = %v\n", self.namespace, err)
		return
	}
	if err := self.storage.Save(self.ctx, self.storageKey(), blob); err != nil {
		glog.Infof("[queue %s]save error = %v\n", self.namespace, err)
	}
}

// Enqueue appends an operation, dropping the oldest entry when the
// queue is full.
func (self *OfflineQueue) Enqueue(roomId string, op *Operation) {
	self.stateLock.Lock()
	self.entries = append(self.entries, &QueueEntry{
		RoomId:    roomId,
		Operation: op,
		QueuedAt:  nowSeconds(),
	})
	if MaxOfflineQueueSize < len(self.entries) {
		self.entries = self.entries[len(self.entries)-MaxOfflineQueueSize:]
	}
	self.stateLock.Unlock()

	self.persist()
}

func (self *OfflineQueue) Peek(roomId string) []*QueueEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []*QueueEntry{}
	for _, entry := range self.entries {
		if entry.RoomId == roomId {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (self *OfflineQueue) PeekAll() []*QueueEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.entries)
}

// Drain removes and returns the room's entries in enqueue order.
func (self *OfflineQueue) Drain(roomId string) []*QueueEntry {
	self.stateLock.Lock()
	drained := []*QueueEntry{}
	remaining := []*QueueEntry{}
	for _, entry := range self.entries {
		if entry.RoomId == roomId {
			drained = append(drained, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}
	self.entries = remaining
	self.stateLock.Unlock()

	if 0 < len(drained) {
		self.persist()
	}
	return drained
}

func (self *OfflineQueue) DrainAll() []*QueueEntry {
	self.stateLock.Lock()
	drained := self.entries
	self.entries = nil
	self.stateLock.Unlock()

	if 0 < len(drained) {
		self.persist()
	}
	return drained
}

func (self *OfflineQueue) Clear(roomId string) {
	self.Drain(roomId)
}

func (self *OfflineQueue) ClearAll() {
	self.DrainAll()
}

func (self *OfflineQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *OfflineQueue) SizeForRoom(roomId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	size := 0
	for _, entry := range self.entries {
		if entry.RoomId == roomId {
			size += 1
		}
	}
	return size
}

func (self *OfflineQueue) IsEmpty() bool {
	return self.Size() == 0
}

// PruneOld removes entries older than maxAge. Returns the number
// removed.
func (self *OfflineQueue) PruneOld(maxAge time.Duration) int {
	cutoff := nowSeconds() - maxAge.Seconds()

	self.stateLock.Lock()
	remaining := []*QueueEntry{}
	for _, entry := range self.entries {
		if cutoff <= entry.QueuedAt {
			remaining = append(remaining, entry)
		}
	}
	pruned := len(self.entries) - len(remaining)
	self.entries = remaining
	self.stateLock.Unlock()

	if 0 < pruned {
		self.persist()
	}
	return pruned
}
