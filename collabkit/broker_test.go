package collabkit

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func newTestBroker(t *testing.T, settings *BrokerSettings) (*Broker, string) {
	t.Helper()
	if settings == nil {
		settings = DefaultBrokerSettings()
	}
	broker := NewBroker(context.Background(), NewNoAuth(), settings)
	server := httptest.NewServer(broker)
	t.Cleanup(func() {
		server.Close()
		broker.Close()
	})
	return broker, "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestClient(t *testing.T, url string, token string) *Client {
	t.Helper()
	client := NewClientWithDefaults(context.Background(), url, func() (string, error) {
		return token, nil
	})
	t.Cleanup(client.Close)
	return client
}

func connectAndJoin(t *testing.T, client *Client, roomId string) *ClientRoom {
	t.Helper()
	err := client.Connect()
	assert.Equal(t, err, nil)
	waitFor(t, "authenticated", func() bool {
		return client.UserId() != ""
	})
	room, err := client.Join(roomId)
	assert.Equal(t, err, nil)
	waitFor(t, "joined", func() bool {
		return 0 < len(room.Members())
	})
	return room
}

func TestBrokerTwoClientSync(t *testing.T) {
	_, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	bob := newTestClient(t, url, "bob")

	aliceRoom := connectAndJoin(t, alice, "room-1")
	bobRoom := connectAndJoin(t, bob, "room-1")

	// both see both members
	waitFor(t, "alice sees bob", func() bool {
		return len(aliceRoom.Members()) == 2
	})
	assert.Equal(t, len(bobRoom.Members()), 2)

	// alice writes, bob converges
	_, err := alice.SetAt("room-1", []string{"doc", "title"}, "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, alice.GetAt("room-1", []string{"doc", "title"}), "hello")

	waitFor(t, "bob converges", func() bool {
		return bob.GetAt("room-1", []string{"doc", "title"}) == "hello"
	})

	// bob deletes, alice converges
	_, err = bob.DeleteAt("room-1", []string{"doc", "title"})
	assert.Equal(t, err, nil)
	waitFor(t, "alice sees delete", func() bool {
		return alice.GetAt("room-1", []string{"doc", "title"}) == nil
	})
}

func TestBrokerLateJoinerSnapshot(t *testing.T) {
	_, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	connectAndJoin(t, alice, "room-1")
	_, err := alice.SetAt("room-1", []string{"k"}, "v")
	assert.Equal(t, err, nil)

	waitFor(t, "broker applied", func() bool {
		return alice.GetAt("room-1", []string{"k"}) == "v"
	})

	// the joined snapshot carries existing state
	bob := newTestClient(t, url, "bob")
	bobRoom := connectAndJoin(t, bob, "room-1")
	waitFor(t, "bob has snapshot", func() bool {
		return bob.GetAt("room-1", []string{"k"}) == "v"
	})
	assert.Equal(t, bobRoom.Value(), map[string]any{"k": "v"})
}

func TestBrokerOfflineReplay(t *testing.T) {
	broker, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")

	// edits before connecting accumulate in the offline queue
	_, err := alice.Join("room-1")
	assert.Equal(t, err, nil)
	_, err = alice.SetAt("room-1", []string{"a"}, 1)
	assert.Equal(t, err, nil)
	_, err = alice.SetAt("room-1", []string{"b"}, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, alice.OfflineQueue().Size(), 2)

	// the local mirror already reflects the edits
	assert.Equal(t, alice.GetAt("room-1", []string{"a"}), 1)

	err = alice.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, alice.OfflineQueue().Size(), 0)

	waitFor(t, "broker converged", func() bool {
		room := broker.Rooms().GetRoom("room-1")
		if room == nil {
			return false
		}
		value := room.Value()
		return value["a"] == float64(1) && value["b"] == float64(2)
	})
}

func TestBrokerCall(t *testing.T) {
	broker, url := newTestBroker(t, nil)

	broker.RegisterFunction(&RegisteredFunction{
		Name: "sum",
		Fn: func(ctx context.Context, room *Room, principal *Principal, args []any, kwargs map[string]any) (any, error) {
			total := 0.0
			for _, arg := range args {
				total += arg.(float64)
			}
			return total, nil
		},
	})

	alice := newTestClient(t, url, "alice")
	connectAndJoin(t, alice, "room-1")

	ctx := context.Background()
	result, err := alice.Call(ctx, "room-1", "sum", []any{1, 2, 3}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, float64(6))

	// unknown function resolves the call, it does not hang
	_, err = alice.Call(ctx, "room-1", "missing", nil, nil)
	assert.Equal(t, errors.Is(err, ErrCallRejected), true)
}

func TestBrokerCallTimeout(t *testing.T) {
	settings := DefaultBrokerSettings()
	settings.FunctionTimeout = 100 * time.Millisecond
	broker, url := newTestBroker(t, settings)

	broker.RegisterFunction(&RegisteredFunction{
		Name: "slow",
		Fn: func(ctx context.Context, room *Room, principal *Principal, args []any, kwargs map[string]any) (any, error) {
			select {
			case <-time.After(time.Minute):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	alice := newTestClient(t, url, "alice")
	connectAndJoin(t, alice, "room-1")

	// the broker rejects the call when the handler exceeds its budget
	start := time.Now()
	_, err := alice.Call(context.Background(), "room-1", "slow", nil, nil)
	assert.Equal(t, errors.Is(err, ErrCallRejected), true)
	assert.Equal(t, time.Since(start) < 5*time.Second, true)
}

func TestBrokerPresence(t *testing.T) {
	broker, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	bob := newTestClient(t, url, "bob")
	connectAndJoin(t, alice, "room-1")
	bobRoom := connectAndJoin(t, bob, "room-1")

	waitFor(t, "bob sees alice", func() bool {
		return len(bobRoom.Members()) == 2
	})

	var lock sync.Mutex
	updates := map[string]map[string]any{}
	bobRoom.AddPresenceCallback(func(userId string, data map[string]any) {
		lock.Lock()
		updates[userId] = data
		lock.Unlock()
	})

	err := alice.UpdatePresence("room-1", map[string]any{
		"cursor": map[string]any{"x": 0.5},
	})
	assert.Equal(t, err, nil)

	waitFor(t, "presence propagated", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return updates["alice"] != nil
	})
	assert.Equal(t, bobRoom.Presence()["alice"]["cursor"], map[string]any{"x": 0.5})

	// the stale sweep covers the live room's presence
	managed := broker.Presence().Room("room-1")
	assert.Equal(t, managed.HasUser("alice"), true)
	managed.Get("alice").LastUpdated = nowSeconds() - 3600
	broker.Presence().sweep()
	assert.Equal(t, broker.Rooms().GetRoom("room-1").Presence().HasUser("alice"), false)
}

func TestBrokerUserLeft(t *testing.T) {
	_, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	bob := newTestClient(t, url, "bob")
	aliceRoom := connectAndJoin(t, alice, "room-1")
	connectAndJoin(t, bob, "room-1")

	waitFor(t, "alice sees bob", func() bool {
		return len(aliceRoom.Members()) == 2
	})

	err := bob.Leave("room-1")
	assert.Equal(t, err, nil)

	waitFor(t, "bob removed", func() bool {
		return len(aliceRoom.Members()) == 1
	})
}

func TestBrokerRoomPersistence(t *testing.T) {
	storage := NewMemoryStorage()

	settings := DefaultBrokerSettings()
	broker, url := newTestBroker(t, settings)
	broker.SetStorage(storage)

	alice := newTestClient(t, url, "alice")
	connectAndJoin(t, alice, "room-1")
	_, err := alice.SetAt("room-1", []string{"k"}, "v")
	assert.Equal(t, err, nil)
	waitFor(t, "broker applied", func() bool {
		room := broker.Rooms().GetRoom("room-1")
		return room != nil && room.Value()["k"] == "v"
	})

	// departure persists the snapshot
	err = alice.Leave("room-1")
	assert.Equal(t, err, nil)
	waitFor(t, "room saved", func() bool {
		exists, _ := storage.Exists(context.Background(), "room:room-1")
		return exists
	})

	// a second broker over the same storage restores the room
	broker2, url2 := newTestBroker(t, DefaultBrokerSettings())
	broker2.SetStorage(storage)

	bob := newTestClient(t, url2, "bob")
	connectAndJoin(t, bob, "room-1")
	waitFor(t, "state restored", func() bool {
		return bob.GetAt("room-1", []string{"k"}) == "v"
	})
}

func TestBrokerRoomNotFound(t *testing.T) {
	settings := DefaultBrokerSettings()
	settings.AutoCreateRooms = false
	_, url := newTestBroker(t, settings)

	alice := newTestClient(t, url, "alice")
	err := alice.Connect()
	assert.Equal(t, err, nil)
	waitFor(t, "authenticated", func() bool {
		return alice.UserId() != ""
	})

	var lock sync.Mutex
	var lastErr error
	alice.AddErrorCallback(func(err error) {
		lock.Lock()
		lastErr = err
		lock.Unlock()
	})

	_, err = alice.Join("missing")
	assert.Equal(t, err, nil)

	waitFor(t, "room_not_found error", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return lastErr != nil && strings.Contains(lastErr.Error(), string(ErrorCodeRoomNotFound))
	})
}

func TestBrokerScreenShareClaim(t *testing.T) {
	broker, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	bob := newTestClient(t, url, "bob")
	connectAndJoin(t, alice, "room-1")
	connectAndJoin(t, bob, "room-1")

	var lock sync.Mutex
	var aliceStarted *ScreenShareStartedBroadcast
	var bobStarted *ScreenShareStartedBroadcast
	var bobErr *ErrorMessage
	alice.AddMessageCallback(func(message Message) {
		lock.Lock()
		defer lock.Unlock()
		if v, ok := message.(*ScreenShareStartedBroadcast); ok {
			aliceStarted = v
		}
	})
	bob.AddMessageCallback(func(message Message) {
		lock.Lock()
		defer lock.Unlock()
		switch v := message.(type) {
		case *ScreenShareStartedBroadcast:
			bobStarted = v
		case *ErrorMessage:
			bobErr = v
		}
	})

	err := alice.sendMessage(&ScreenShareStartMessage{
		RoomId:    "room-1",
		ShareName: "deck",
	})
	assert.Equal(t, err, nil)

	// the echo reaches the sharer and the viewer
	waitFor(t, "started broadcast", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return aliceStarted != nil && bobStarted != nil
	})
	assert.Equal(t, aliceStarted.UserId, "alice")
	assert.Equal(t, broker.screenSharer("room-1"), "alice")

	// a second sharer is refused
	err = bob.sendMessage(&ScreenShareStartMessage{
		RoomId: "room-1",
	})
	assert.Equal(t, err, nil)
	waitFor(t, "claim refused", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return bobErr != nil && bobErr.Code == ErrorCodePermissionDenied
	})

	// the sharer leaving releases the claim and notifies viewers
	err = alice.Leave("room-1")
	assert.Equal(t, err, nil)
	waitFor(t, "claim released", func() bool {
		return broker.screenSharer("room-1") == ""
	})
}

func TestBrokerSignalingRelay(t *testing.T) {
	_, url := newTestBroker(t, nil)

	alice := newTestClient(t, url, "alice")
	bob := newTestClient(t, url, "bob")
	connectAndJoin(t, alice, "room-1")
	connectAndJoin(t, bob, "room-1")

	var lock sync.Mutex
	var offer *RtcOfferMessage
	bob.AddMessageCallback(func(message Message) {
		if v, ok := message.(*RtcOfferMessage); ok {
			lock.Lock()
			offer = v
			lock.Unlock()
		}
	})

	err := alice.sendMessage(&RtcOfferMessage{
		RoomId:       "room-1",
		TargetUserId: "bob",
		Sdp:          "v=0 test",
	})
	assert.Equal(t, err, nil)

	// relayed only to the target, stamped with the sender
	waitFor(t, "offer relayed", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return offer != nil
	})
	assert.Equal(t, offer.FromUserId, "alice")
	assert.Equal(t, offer.Sdp, "v=0 test")
}

func TestBrokerPermissions(t *testing.T) {
	broker, url := newTestBroker(t, nil)

	checker := NewPermissionCheckerWithDefaults()
	checker.DefaultRole = "viewer"
	broker.SetPermissions(checker)

	alice := newTestClient(t, url, "alice")
	aliceRoom := connectAndJoin(t, alice, "room-1")

	var lock sync.Mutex
	var lastErr error
	alice.AddErrorCallback(func(err error) {
		lock.Lock()
		lastErr = err
		lock.Unlock()
	})

	// a viewer can join and read but not write
	_, err := alice.SetAt("room-1", []string{"k"}, "v")
	assert.Equal(t, err, nil)

	waitFor(t, "write denied", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return lastErr != nil && strings.Contains(lastErr.Error(), string(ErrorCodePermissionDenied))
	})
	// the broker state never changed
	assert.Equal(t, broker.Rooms().GetRoom("room-1").Value(), map[string]any{})
	_ = aliceRoom
}

func TestBrokerAuthLockoutEscalation(t *testing.T) {
	broker := NewBroker(context.Background(), NewJwtAuthProvider("secret"), DefaultBrokerSettings())
	defer broker.Close()

	session := newBrokerSession(broker, nil, "203.0.113.9")
	for i := 0; i < authFailureLimit; i += 1 {
		session.handleAuth(&AuthMessage{Token: "bad"})
	}
	assert.Equal(t, broker.authLimiter.IsBlocked("203.0.113.9"), true)

	// retrying into the lockout counts as violations until the close
	for i := 0; i < broker.settings.ViolationLimit; i += 1 {
		session.handleAuth(&AuthMessage{Token: "bad"})
	}
	select {
	case <-session.ctx.Done():
	default:
		t.Fatal("session not closed")
	}
}
