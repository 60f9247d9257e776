package collabkit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestORSetAddRemove(t *testing.T) {
	s := NewORSet("a")

	s.Add("x")
	s.Add("y")
	assert.Equal(t, s.Contains("x"), true)
	assert.Equal(t, s.Len(), 2)

	s.Remove("x")
	assert.Equal(t, s.Contains("x"), false)
	assert.Equal(t, s.Len(), 1)

	// re-add after remove is a fresh tag
	s.Add("x")
	assert.Equal(t, s.Contains("x"), true)
}

func TestORSetAddWins(t *testing.T) {
	a := NewORSet("a")
	b := NewORSet("b")

	addOp, err := a.Add("x")
	assert.Equal(t, err, nil)
	b.Apply(addOp)

	// concurrent: a removes the observed tag, b adds again
	removeOp, err := a.Remove("x")
	assert.Equal(t, err, nil)
	concurrentAdd, err := b.Add("x")
	assert.Equal(t, err, nil)

	a.Apply(concurrentAdd)
	b.Apply(removeOp)

	// the unobserved add survives on both replicas
	assert.Equal(t, a.Contains("x"), true)
	assert.Equal(t, b.Contains("x"), true)
}

func TestORSetMergeConvergence(t *testing.T) {
	a := NewORSet("a")
	b := NewORSet("b")

	a.Add(map[string]any{"id": 1})
	a.Add("shared")
	b.Add("shared")
	b.Remove("shared")

	err := a.Merge(b)
	assert.Equal(t, err, nil)
	err = b.Merge(a)
	assert.Equal(t, err, nil)

	// a's "shared" tag was never observed by b's remove
	assert.Equal(t, a.Contains("shared"), true)
	assert.Equal(t, b.Contains("shared"), true)
	assert.Equal(t, a.Values(), b.Values())
}

func TestORSetRejectsOtherKinds(t *testing.T) {
	s := NewORSet("a")
	_, err := s.Apply(setOp("a", 100, []string{}, 1))
	assert.NotEqual(t, err, nil)
}
