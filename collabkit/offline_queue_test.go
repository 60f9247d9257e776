package collabkit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestOfflineQueueFifo(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(ctx, nil, "test")

	for i := 0; i < 5; i += 1 {
		op, err := NewOperation("n", []string{"k"}, OpSet, i)
		assert.Equal(t, err, nil)
		queue.Enqueue("room-1", op)
	}
	op, err := NewOperation("n", []string{"k"}, OpSet, "other")
	assert.Equal(t, err, nil)
	queue.Enqueue("room-2", op)

	assert.Equal(t, queue.Size(), 6)
	assert.Equal(t, queue.SizeForRoom("room-1"), 5)

	drained := queue.Drain("room-1")
	assert.Equal(t, len(drained), 5)
	for i, entry := range drained {
		assert.Equal(t, entry.Operation.Value, i)
	}
	assert.Equal(t, queue.Size(), 1)
	assert.Equal(t, queue.IsEmpty(), false)

	queue.ClearAll()
	assert.Equal(t, queue.IsEmpty(), true)
}

func TestOfflineQueueOverflow(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(ctx, nil, "test")

	for i := 0; i < MaxOfflineQueueSize+1; i += 1 {
		op, err := NewOperation("n", []string{"k"}, OpSet, i)
		assert.Equal(t, err, nil)
		queue.Enqueue("room-1", op)
	}

	// the oldest entry was dropped
	assert.Equal(t, queue.Size(), MaxOfflineQueueSize)
	entries := queue.PeekAll()
	assert.Equal(t, entries[0].Operation.Value, 1)
	assert.Equal(t, entries[len(entries)-1].Operation.Value, MaxOfflineQueueSize)
}

func TestOfflineQueuePersistence(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	queue := NewOfflineQueue(ctx, storage, "ns")
	op, err := NewOperation("n", []string{"k"}, OpSet, "v")
	assert.Equal(t, err, nil)
	queue.Enqueue("room-1", op)

	// a fresh queue over the same storage restores the entries
	restored := NewOfflineQueue(ctx, storage, "ns")
	assert.Equal(t, restored.Size(), 1)
	entries := restored.PeekAll()
	assert.Equal(t, entries[0].RoomId, "room-1")
	assert.Equal(t, entries[0].Operation.Id, op.Id)

	// namespaces are isolated
	other := NewOfflineQueue(ctx, storage, "other")
	assert.Equal(t, other.IsEmpty(), true)
}

func TestOfflineQueueTamperedStore(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	queue := NewOfflineQueue(ctx, storage, "ns")
	op, err := NewOperation("n", []string{"k"}, OpSet, "good")
	assert.Equal(t, err, nil)
	queue.Enqueue("room-1", op)

	// splice a dangerous entry into the persisted blob
	blob, err := storage.Load(ctx, "offline_queue:ns")
	assert.Equal(t, err, nil)
	var raw []json.RawMessage
	err = json.Unmarshal(blob, &raw)
	assert.Equal(t, err, nil)
	evil := fmt.Sprintf(
		`{"room_id":"room-1","queued_at":%f,"operation":{"id":"%s","timestamp":100,"node_id":"n","path":["__proto__"],"op_type":"set","value":1}}`,
		nowSeconds(), NewId().String())
	raw = append(raw, json.RawMessage(evil))
	blob, err = json.Marshal(raw)
	assert.Equal(t, err, nil)
	err = storage.Save(ctx, "offline_queue:ns", blob)
	assert.Equal(t, err, nil)

	// the tampered entry is dropped on load and the store rewritten
	restored := NewOfflineQueue(ctx, storage, "ns")
	assert.Equal(t, restored.Size(), 1)
	assert.Equal(t, restored.PeekAll()[0].Operation.Id, op.Id)

	blob, err = storage.Load(ctx, "offline_queue:ns")
	assert.Equal(t, err, nil)
	err = json.Unmarshal(blob, &raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(raw), 1)

	// a fully corrupt blob resets the store
	err = storage.Save(ctx, "offline_queue:ns", []byte("not json"))
	assert.Equal(t, err, nil)
	restored = NewOfflineQueue(ctx, storage, "ns")
	assert.Equal(t, restored.IsEmpty(), true)
}

func TestOfflineQueuePrune(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(ctx, nil, "test")

	op, err := NewOperation("n", []string{"k"}, OpSet, "old")
	assert.Equal(t, err, nil)
	queue.Enqueue("room-1", op)
	queue.PeekAll()[0].QueuedAt = nowSeconds() - (25 * time.Hour).Seconds()

	op, err = NewOperation("n", []string{"k"}, OpSet, "fresh")
	assert.Equal(t, err, nil)
	queue.Enqueue("room-1", op)

	pruned := queue.PruneOld(MaxOfflineEntryAge)
	assert.Equal(t, pruned, 1)
	assert.Equal(t, queue.Size(), 1)
	assert.Equal(t, queue.PeekAll()[0].Operation.Value, "fresh")
}
