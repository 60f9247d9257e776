package collabkit

import (
	"errors"
	"fmt"
)

var ErrNegativeAmount = errors.New("counter amounts must be non-negative")

// GCounter is a grow-only counter. Each origin accumulates its own
// count; the value is the sum across origins.
type GCounter struct {
	crdtBase

	counts map[string]int64
}

func NewGCounter(origin string) *GCounter {
	return &GCounter{
		crdtBase: newCrdtBase(origin),
		counts:   map[string]int64{},
	}
}

func (self *GCounter) Increment(amount int64) (*Operation, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	op, err := NewOperation(self.origin, []string{}, OpIncrement, amount)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *GCounter) Apply(op *Operation) (bool, error) {
	if self.hasSeen(op) {
		return false, nil
	}
	if op.Kind != OpIncrement {
		return false, fmt.Errorf("%w: counter supports %q, got %q", ErrUnsupportedOp, OpIncrement, op.Kind)
	}
	amount, err := opAmount(op.Value)
	if err != nil {
		return false, err
	}

	self.counts[op.Origin] += amount
	self.record(op)
	return true, nil
}

func (self *GCounter) Merge(other *GCounter) error {
	for _, op := range other.AllOperations() {
		if _, err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (self *GCounter) Value() int64 {
	var total int64
	for _, count := range self.counts {
		total += count
	}
	return total
}

// PNCounter combines a positive and a negative tally per origin.
type PNCounter struct {
	crdtBase

	positive map[string]int64
	negative map[string]int64
}

func NewPNCounter(origin string) *PNCounter {
	return &PNCounter{
		crdtBase: newCrdtBase(origin),
		positive: map[string]int64{},
		negative: map[string]int64{},
	}
}

func (self *PNCounter) Increment(amount int64) (*Operation, error) {
	return self.adjust(OpIncrement, amount)
}

func (self *PNCounter) Decrement(amount int64) (*Operation, error) {
	return self.adjust(OpDecrement, amount)
}

func (self *PNCounter) adjust(kind OpKind, amount int64) (*Operation, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	op, err := NewOperation(self.origin, []string{}, kind, amount)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *PNCounter) Apply(op *Operation) (bool, error) {
	if self.hasSeen(op) {
		return false, nil
	}

	amount, err := opAmount(op.Value)
	if err != nil {
		return false, err
	}

	switch op.Kind {
	case OpIncrement:
		self.positive[op.Origin] += amount
	case OpDecrement:
		self.negative[op.Origin] += amount
	default:
		return false, fmt.Errorf("%w: counter supports %q and %q, got %q", ErrUnsupportedOp, OpIncrement, OpDecrement, op.Kind)
	}

	self.record(op)
	return true, nil
}

func (self *PNCounter) Merge(other *PNCounter) error {
	for _, op := range other.AllOperations() {
		if _, err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (self *PNCounter) Value() int64 {
	var total int64
	for _, count := range self.positive {
		total += count
	}
	for _, count := range self.negative {
		total -= count
	}
	return total
}

// amounts arrive as json numbers (float64) after decode
func opAmount(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: bad counter amount %T", ErrInvalidOperation, value)
	}
}
