package collabkit

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRoomPresence(t *testing.T) {
	presence := NewRoomPresence("room-1")
	assert.Equal(t, presence.IsEmpty(), true)

	presence.AddUser(&User{Id: "alice", Name: "Alice"}, map[string]any{
		"status": "active",
	})
	assert.Equal(t, presence.HasUser("alice"), true)
	assert.Equal(t, presence.Get("alice").Data["status"], "active")

	// shallow merge keeps untouched keys
	ok := presence.Update("alice", map[string]any{
		"cursor": map[string]any{"x": 1, "y": 2},
	})
	assert.Equal(t, ok, true)
	entry := presence.Get("alice")
	assert.Equal(t, entry.Data["status"], "active")
	assert.Equal(t, entry.Data["cursor"], map[string]any{"x": 1, "y": 2})

	// update for an absent user is rejected
	assert.Equal(t, presence.Update("bob", map[string]any{"a": 1}), false)

	removed := presence.RemoveUser("alice")
	assert.Equal(t, removed.Name, "Alice")
	assert.Equal(t, presence.IsEmpty(), true)
	assert.Equal(t, presence.RemoveUser("alice") == nil, true)
}

func TestRoomPresencePruneStale(t *testing.T) {
	presence := NewRoomPresence("room-1")
	presence.AddUser(&User{Id: "fresh", Name: "Fresh"}, nil)
	presence.AddUser(&User{Id: "stale", Name: "Stale"}, nil)
	presence.Get("stale").LastUpdated = nowSeconds() - 120

	pruned := presence.pruneStale(nowSeconds() - 60)
	assert.Equal(t, pruned, []string{"stale"})
	assert.Equal(t, presence.HasUser("fresh"), true)
	assert.Equal(t, presence.HasUser("stale"), false)
}

func TestPresenceManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewPresenceManager(ctx, &PresenceManagerSettings{
		StaleTimeout:    time.Minute,
		CleanupInterval: time.Minute,
	})
	defer manager.Stop()

	// lazily created, then stable
	room := manager.Room("room-1")
	assert.Equal(t, manager.Room("room-1"), room)

	room.AddUser(&User{Id: "alice", Name: "Alice"}, nil)
	room.Get("alice").LastUpdated = nowSeconds() - 3600

	manager.sweep()
	assert.Equal(t, room.HasUser("alice"), false)

	manager.RemoveRoom("room-1")
	assert.Equal(t, manager.Room("room-1") != room, true)
}
