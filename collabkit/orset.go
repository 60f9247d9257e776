package collabkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ORSet is an observed-remove (add-wins) set. Every add carries a
// unique tag (the op id); a remove only covers tags observed at the
// emitter, so a concurrent add survives.
type ORSet struct {
	crdtBase

	// value hash -> tag -> value
	elements    map[string]map[string]any
	removedTags map[string]bool
}

func NewORSet(origin string) *ORSet {
	return &ORSet{
		crdtBase:    newCrdtBase(origin),
		elements:    map[string]map[string]any{},
		removedTags: map[string]bool{},
	}
}

func hashValue(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func (self *ORSet) Add(value any) (*Operation, error) {
	op, err := NewOperation(self.origin, []string{}, OpAdd, value)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Remove covers only the tags observed locally at call time.
func (self *ORSet) Remove(value any) (*Operation, error) {
	valueHash, err := hashValue(value)
	if err != nil {
		return nil, err
	}

	observedTags := []string{}
	for tag := range self.elements[valueHash] {
		if !self.removedTags[tag] {
			observedTags = append(observedTags, tag)
		}
	}
	slices.Sort(observedTags)

	removal := map[string]any{
		"element": value,
		"tags":    anySlice(observedTags),
	}
	op, err := NewOperation(self.origin, []string{}, OpRemove, removal)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *ORSet) Apply(op *Operation) (bool, error) {
	if self.hasSeen(op) {
		return false, nil
	}

	switch op.Kind {
	case OpAdd:
		if err := self.applyAdd(op); err != nil {
			return false, err
		}
	case OpRemove:
		if err := self.applyRemove(op); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: set supports %q and %q, got %q", ErrUnsupportedOp, OpAdd, OpRemove, op.Kind)
	}

	self.record(op)
	return true, nil
}

func (self *ORSet) applyAdd(op *Operation) error {
	valueHash, err := hashValue(op.Value)
	if err != nil {
		return err
	}
	tagged := self.elements[valueHash]
	if tagged == nil {
		tagged = map[string]any{}
		self.elements[valueHash] = tagged
	}
	tagged[op.Id.String()] = op.Value
	return nil
}

func (self *ORSet) applyRemove(op *Operation) error {
	removal, ok := op.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: bad remove payload %T", ErrInvalidOperation, op.Value)
	}
	tags, ok := removal["tags"].([]any)
	if !ok {
		return fmt.Errorf("%w: remove payload missing tags", ErrInvalidOperation)
	}
	for _, tag := range tags {
		if tagStr, ok := tag.(string); ok {
			self.removedTags[tagStr] = true
		}
	}
	return nil
}

func (self *ORSet) Merge(other *ORSet) error {
	for _, op := range other.AllOperations() {
		if _, err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Values returns one surviving instance per distinct value, sorted by
// value hash for a stable order.
func (self *ORSet) Values() []any {
	hashes := maps.Keys(self.elements)
	slices.Sort(hashes)

	out := []any{}
	for _, valueHash := range hashes {
		for tag, value := range self.elements[valueHash] {
			if !self.removedTags[tag] {
				out = append(out, value)
				break
			}
		}
	}
	return out
}

func (self *ORSet) Contains(value any) bool {
	valueHash, err := hashValue(value)
	if err != nil {
		return false
	}
	for tag := range self.elements[valueHash] {
		if !self.removedTags[tag] {
			return true
		}
	}
	return false
}

func (self *ORSet) Len() int {
	return len(self.Values())
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = value
	}
	return out
}
