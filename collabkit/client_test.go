package collabkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestClientRoomRefCounting(t *testing.T) {
	client := NewClientWithDefaults(context.Background(), "ws://unused/ws", nil)
	defer client.Close()

	roomA, err := client.Join("room-1")
	assert.Equal(t, err, nil)
	roomB, err := client.Join("room-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, roomA, roomB)

	// the replica survives until the last leave
	err = client.Leave("room-1")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, client.room("room-1"), nil)

	err = client.Leave("room-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, client.room("room-1") == nil, true)

	// leaving an unknown room is a no-op
	assert.Equal(t, client.Leave("missing"), nil)
}

func TestClientOfflineEdits(t *testing.T) {
	client := NewClientWithDefaults(context.Background(), "ws://unused/ws", nil)
	defer client.Close()

	// edits require a joined room
	_, err := client.SetAt("room-1", []string{"k"}, "v")
	assert.Equal(t, errors.Is(err, ErrRoomNotFound), true)

	room, err := client.Join("room-1")
	assert.Equal(t, err, nil)

	var lock sync.Mutex
	var lastValue map[string]any
	room.AddStateCallback(func(value map[string]any) {
		lock.Lock()
		lastValue = value
		lock.Unlock()
	})

	// local apply is synchronous, the op is queued
	_, err = client.SetAt("room-1", []string{"k"}, "v")
	assert.Equal(t, err, nil)
	assert.Equal(t, client.GetAt("room-1", []string{"k"}), "v")
	assert.Equal(t, client.OfflineQueue().Size(), 1)

	lock.Lock()
	assert.Equal(t, lastValue, map[string]any{"k": "v"})
	lock.Unlock()

	// dangerous paths are rejected before they touch the queue
	_, err = client.SetAt("room-1", []string{"__proto__"}, 1)
	assert.Equal(t, errors.Is(err, ErrDangerousKey), true)
	assert.Equal(t, client.OfflineQueue().Size(), 1)
}

func TestClientCallNotConnected(t *testing.T) {
	client := NewClientWithDefaults(context.Background(), "ws://unused/ws", nil)
	defer client.Close()

	_, err := client.Call(context.Background(), "room-1", "fn", nil, nil)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
}

func TestClientReconnect(t *testing.T) {
	_, url := newTestBroker(t, nil)

	settings := DefaultClientSettings()
	settings.Url = url
	settings.TokenFunc = func() (string, error) {
		return "alice", nil
	}
	settings.ReconnectBaseDelay = 20 * time.Millisecond
	client := NewClient(context.Background(), settings)
	defer client.Close()

	var lock sync.Mutex
	states := []ConnectionState{}
	client.AddConnectionCallback(func(state ConnectionState) {
		lock.Lock()
		states = append(states, state)
		lock.Unlock()
	})

	err := client.Connect()
	assert.Equal(t, err, nil)
	waitFor(t, "authenticated", func() bool {
		return client.UserId() != ""
	})
	room, err := client.Join("room-1")
	assert.Equal(t, err, nil)
	waitFor(t, "joined", func() bool {
		return 0 < len(room.Members())
	})

	// drop the transport under the client
	client.stateLock.Lock()
	conn := client.conn
	client.stateLock.Unlock()
	conn.Close()

	// the client reconnects and rejoins on its own
	waitFor(t, "reconnected", func() bool {
		lock.Lock()
		defer lock.Unlock()
		reconnecting := false
		for _, state := range states {
			if state == ConnectionStateReconnecting {
				reconnecting = true
			}
		}
		return reconnecting && client.IsConnected()
	})
	waitFor(t, "rejoined", func() bool {
		return 0 < len(room.Members())
	})

	// the registry and replica survived the drop
	assert.Equal(t, client.room("room-1") != nil, true)
}

func TestClientIntentionalDisconnect(t *testing.T) {
	_, url := newTestBroker(t, nil)

	client := newTestClient(t, url, "alice")
	err := client.Connect()
	assert.Equal(t, err, nil)
	waitFor(t, "authenticated", func() bool {
		return client.UserId() != ""
	})

	client.Disconnect()
	assert.Equal(t, client.IsConnected(), false)

	// no reconnect after an intentional close
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, client.IsConnected(), false)
}
