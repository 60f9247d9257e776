package collabkit

import (
	"fmt"
)

// LWWRegister is a single-cell last-writer-wins CRDT. The stored
// triple is always the maximum under the (timestamp, origin) order.
type LWWRegister struct {
	crdtBase

	value     any
	timestamp float64
	valOrigin string
	hasValue  bool
}

func NewLWWRegister(origin string) *LWWRegister {
	return &LWWRegister{
		crdtBase: newCrdtBase(origin),
	}
}

func (self *LWWRegister) Set(value any) (*Operation, error) {
	op, err := NewOperation(self.origin, []string{}, OpSet, value)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Apply returns false when the operation was already seen.
// The op is recorded even when it loses the ordering test.
func (self *LWWRegister) Apply(op *Operation) (bool, error) {
	if self.hasSeen(op) {
		return false, nil
	}
	if op.Kind != OpSet {
		return false, fmt.Errorf("%w: register supports %q, got %q", ErrUnsupportedOp, OpSet, op.Kind)
	}

	if !self.hasValue || ordBeats(op.Timestamp, op.Origin, self.timestamp, self.valOrigin) {
		self.value = op.Value
		self.timestamp = op.Timestamp
		self.valOrigin = op.Origin
		self.hasValue = true
	}

	self.record(op)
	return true, nil
}

func (self *LWWRegister) Value() any {
	return self.value
}

func (self *LWWRegister) Merge(other *LWWRegister) error {
	for _, op := range other.AllOperations() {
		if _, err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}
