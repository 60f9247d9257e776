package collabkit

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func setOp(origin string, timestamp float64, path []string, value any) *Operation {
	return &Operation{
		Id:        NewId(),
		Timestamp: timestamp,
		Origin:    origin,
		Path:      path,
		Kind:      OpSet,
		Value:     value,
	}
}

func deleteOp(origin string, timestamp float64, path []string) *Operation {
	return &Operation{
		Id:        NewId(),
		Timestamp: timestamp,
		Origin:    origin,
		Path:      path,
		Kind:      OpDelete,
	}
}

func TestLWWMapConcurrentScalarSet(t *testing.T) {
	// equal timestamps resolve by origin, higher wins
	a := NewLWWMap("a")
	b := NewLWWMap("b")

	opA := setOp("a", 100, []string{"x"}, 1)
	opB := setOp("b", 100, []string{"x"}, 2)

	a.Apply(opA)
	a.Apply(opB)
	b.Apply(opB)
	b.Apply(opA)

	assert.Equal(t, a.Get([]string{"x"}), 2)
	assert.Equal(t, b.Get([]string{"x"}), 2)
	assert.Equal(t, a.Value(), map[string]any{"x": 2})
	assert.Equal(t, b.Value(), map[string]any{"x": 2})
}

func TestLWWMapNestedFlatten(t *testing.T) {
	m := NewLWWMap("a")

	_, err := m.Set([]string{"u"}, map[string]any{
		"name": "Alice",
		"age":  30,
	})
	assert.Equal(t, err, nil)

	// a later leaf write refines without clobbering siblings
	_, err = m.Set([]string{"u", "name"}, "Bob")
	assert.Equal(t, err, nil)

	assert.Equal(t, m.Get([]string{"u", "name"}), "Bob")
	assert.Equal(t, m.Get([]string{"u", "age"}), 30)
	assert.Equal(t, m.Value(), map[string]any{
		"u": map[string]any{
			"name": "Bob",
			"age":  30,
		},
	})
}

func TestLWWMapTombstone(t *testing.T) {
	m := NewLWWMap("a")

	m.Apply(setOp("a", 100, []string{"x"}, 1))
	m.Apply(deleteOp("b", 200, []string{"x"}))
	assert.Equal(t, m.Get([]string{"x"}), nil)
	assert.Equal(t, m.Has("x"), false)

	// a set below the tombstone stays dead
	m.Apply(setOp("a", 150, []string{"x"}, 2))
	assert.Equal(t, m.Get([]string{"x"}), nil)

	// a set above the tombstone resurrects
	m.Apply(setOp("a", 300, []string{"x"}, 3))
	assert.Equal(t, m.Get([]string{"x"}), 3)
	assert.Equal(t, m.Has("x"), true)
}

func TestLWWMapTombstoneOriginTie(t *testing.T) {
	// tombstone and entry at the same timestamp resolve by origin
	m := NewLWWMap("a")
	m.Apply(setOp("b", 100, []string{"x"}, 1))
	m.Apply(deleteOp("a", 100, []string{"x"}))
	// "b" > "a", entry survives
	assert.Equal(t, m.Get([]string{"x"}), 1)

	n := NewLWWMap("a")
	n.Apply(setOp("a", 100, []string{"x"}, 1))
	n.Apply(deleteOp("b", 100, []string{"x"}))
	assert.Equal(t, n.Get([]string{"x"}), nil)
}

func TestLWWMapBlockedKeys(t *testing.T) {
	m := NewLWWMap("a")

	_, err := m.Set([]string{"__proto__"}, 1)
	assert.NotEqual(t, err, nil)

	_, err = m.Set([]string{"ok"}, map[string]any{
		"constructor": "x",
	})
	assert.NotEqual(t, err, nil)

	_, err = m.Set([]string{"ok"}, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, m.Value(), map[string]any{"ok": 1})
}

func TestLWWMapIdempotent(t *testing.T) {
	m := NewLWWMap("a")
	op := setOp("a", 100, []string{"x"}, 1)

	applied, err := m.Apply(op)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)

	applied, err = m.Apply(op)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)
	assert.Equal(t, len(m.AllOperations()), 1)
}

func TestLWWMapShuffleConvergence(t *testing.T) {
	// any delivery order produces the same state
	ops := []*Operation{}
	for i := 0; i < 50; i += 1 {
		origin := string(rune('a' + i%3))
		path := []string{string(rune('k' + i%5))}
		if i%7 == 0 {
			ops = append(ops, deleteOp(origin, float64(i), path))
		} else {
			ops = append(ops, setOp(origin, float64(i), path, i))
		}
	}

	reference := NewLWWMap("ref")
	for _, op := range ops {
		reference.Apply(op)
	}

	for trial := 0; trial < 10; trial += 1 {
		shuffled := make([]*Operation, len(ops))
		copy(shuffled, ops)
		mathrand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		m := NewLWWMap("trial")
		for _, op := range shuffled {
			m.Apply(op)
		}
		assert.Equal(t, m.Value(), reference.Value())
	}
}

func TestLWWMapDescendantsWin(t *testing.T) {
	m := NewLWWMap("a")
	m.Apply(setOp("a", 100, []string{"u"}, "scalar"))
	m.Apply(setOp("a", 100, []string{"u", "name"}, "Alice"))

	assert.Equal(t, m.Value(), map[string]any{
		"u": map[string]any{
			"name": "Alice",
		},
	})
}

func TestLWWMapKeys(t *testing.T) {
	m := NewLWWMap("a")
	m.Set([]string{"b"}, 1)
	m.Set([]string{"a", "x"}, 2)
	m.Set([]string{"c"}, 3)
	m.Delete([]string{"c"})

	assert.Equal(t, m.Keys(), []string{"a", "b"})
	assert.Equal(t, m.Has("a"), true)
	assert.Equal(t, m.Has("c"), false)
}

func TestLWWMapSnapshotRoundTrip(t *testing.T) {
	m := NewLWWMap("a")
	m.Set([]string{"u", "name"}, "Alice")
	m.Set([]string{"count"}, 7)
	m.Set([]string{"gone"}, 1)
	m.Delete([]string{"gone"})

	data, err := EncodeSnapshot(m.Snapshot())
	assert.Equal(t, err, nil)

	snapshot, err := DecodeSnapshot(data)
	assert.Equal(t, err, nil)

	restored, err := MapFromSnapshot("b", snapshot)
	assert.Equal(t, err, nil)

	assert.Equal(t, restored.Get([]string{"u", "name"}), "Alice")
	assert.Equal(t, restored.Get([]string{"gone"}), nil)
	assert.Equal(t, len(restored.AllOperations()), len(m.AllOperations()))

	// the restored log dedups against replayed operations
	for _, op := range m.AllOperations() {
		applied, err := restored.Apply(op)
		assert.Equal(t, err, nil)
		assert.Equal(t, applied, false)
	}
}

func TestLWWMapSnapshotRejectsDangerousPaths(t *testing.T) {
	snapshot := &MapSnapshot{
		Entries: map[string]SnapshotEntry{
			"__proto__.polluted": {
				Value:     true,
				Timestamp: 100,
				Origin:    "evil",
			},
		},
	}
	_, err := MapFromSnapshot("a", snapshot)
	assert.NotEqual(t, err, nil)
}

func TestLWWMapInitialValue(t *testing.T) {
	m, err := NewLWWMapWithValue("a", map[string]any{
		"title": "untitled",
		"meta": map[string]any{
			"rev": 0,
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, m.Get([]string{"title"}), "untitled")

	// seeds are at timestamp zero, any real write beats them
	m.Apply(setOp("b", 1, []string{"title"}, "doc"))
	assert.Equal(t, m.Get([]string{"title"}), "doc")
}

func TestLWWRegister(t *testing.T) {
	a := NewLWWRegister("a")
	b := NewLWWRegister("b")

	opA := setOp("a", 100, []string{}, "first")
	opB := setOp("b", 100, []string{}, "second")

	a.Apply(opA)
	a.Apply(opB)
	b.Apply(opB)
	b.Apply(opA)

	assert.Equal(t, a.Value(), "second")
	assert.Equal(t, b.Value(), "second")

	// register rejects non-set kinds
	_, err := a.Apply(deleteOp("a", 200, []string{}))
	assert.NotEqual(t, err, nil)

	c := NewLWWRegister("c")
	err = c.Merge(a)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Value(), "second")
}

func TestLWWMapOperationsSince(t *testing.T) {
	m := NewLWWMap("a")
	m.Apply(setOp("a", 10, []string{"x"}, 1))
	m.Apply(setOp("a", 20, []string{"y"}, 2))
	m.Apply(setOp("b", 30, []string{"z"}, 3))

	since := m.OperationsSince(15)
	assert.Equal(t, len(since), 2)
	assert.Equal(t, m.Versions().Get("a"), float64(20))
	assert.Equal(t, m.Versions().Get("b"), float64(30))
}
