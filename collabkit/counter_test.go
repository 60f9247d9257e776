package collabkit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGCounter(t *testing.T) {
	a := NewGCounter("a")
	b := NewGCounter("b")

	a.Increment(5)
	a.Increment(3)
	b.Increment(2)

	assert.Equal(t, a.Value(), int64(8))
	assert.Equal(t, b.Value(), int64(2))

	err := a.Merge(b)
	assert.Equal(t, err, nil)
	err = b.Merge(a)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Value(), int64(10))
	assert.Equal(t, b.Value(), int64(10))

	// merging again changes nothing
	err = a.Merge(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Value(), int64(10))

	_, err = a.Increment(-1)
	assert.Equal(t, err, ErrNegativeAmount)
}

func TestGCounterRejectsOtherKinds(t *testing.T) {
	a := NewGCounter("a")
	_, err := a.Apply(setOp("a", 100, []string{}, 1))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, a.Value(), int64(0))
}

func TestPNCounter(t *testing.T) {
	a := NewPNCounter("a")
	b := NewPNCounter("b")

	a.Increment(10)
	a.Decrement(4)
	b.Decrement(2)

	err := a.Merge(b)
	assert.Equal(t, err, nil)
	err = b.Merge(a)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Value(), int64(4))
	assert.Equal(t, b.Value(), int64(4))

	_, err = a.Decrement(-1)
	assert.Equal(t, err, ErrNegativeAmount)
}

func TestCounterJsonAmounts(t *testing.T) {
	// amounts decoded from the wire arrive as float64
	a := NewGCounter("a")
	op := &Operation{
		Id:        NewId(),
		Timestamp: 100,
		Origin:    "b",
		Path:      []string{},
		Kind:      OpIncrement,
		Value:     float64(7),
	}
	applied, err := a.Apply(op)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)
	assert.Equal(t, a.Value(), int64(7))
}
