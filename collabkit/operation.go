package collabkit

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type OpKind string

const (
	OpSet       OpKind = "set"
	OpDelete    OpKind = "delete"
	OpIncrement OpKind = "increment"
	OpDecrement OpKind = "decrement"
	OpAdd       OpKind = "add"
	OpRemove    OpKind = "remove"
)

var opKinds = map[OpKind]bool{
	OpSet:       true,
	OpDelete:    true,
	OpIncrement: true,
	OpDecrement: true,
	OpAdd:       true,
	OpRemove:    true,
}

var ErrUnsupportedOp = errors.New("unsupported operation kind")
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is one immutable CRDT mutation. Identity is the `Id`;
// applying the same id twice is a no-op. Timestamps are advisory
// wall-clock seconds from the emitter; origin breaks ties.
type Operation struct {
	Id        Id       `json:"id"`
	Timestamp float64  `json:"timestamp"`
	Origin    string   `json:"node_id"`
	Path      []string `json:"path"`
	Kind      OpKind   `json:"op_type"`
	Value     any      `json:"value,omitempty"`
}

func NewOperation(origin string, path []string, kind OpKind, value any) (*Operation, error) {
	op := &Operation{
		Id:        NewId(),
		Timestamp: nowSeconds(),
		Origin:    origin,
		Path:      slices.Clone(path),
		Kind:      kind,
		Value:     value,
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *Operation) Validate() error {
	if self.Id.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if self.Origin == "" {
		return fmt.Errorf("%w: missing origin", ErrInvalidOperation)
	}
	if !opKinds[self.Kind] {
		return fmt.Errorf("%w: %q", ErrUnsupportedOp, self.Kind)
	}
	if err := CheckPath(self.Path); err != nil {
		return err
	}
	if self.Value != nil {
		if err := CheckValue(self.Value); err != nil {
			return err
		}
	}
	return nil
}

// WithTimestamp returns a copy with the timestamp replaced.
// Used for server-timestamp mode; the id and origin are unchanged,
// so the strict total order on (timestamp, origin) is preserved.
func (self *Operation) WithTimestamp(timestamp float64) *Operation {
	out := *self
	out.Timestamp = timestamp
	out.Path = slices.Clone(self.Path)
	return &out
}

func (self *Operation) Encode() ([]byte, error) {
	return json.Marshal(self)
}

// DecodeOperation parses and validates the wire form. A malformed or
// dangerous operation is rejected before it can reach any log.
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

// (t1, o1) strictly beats (t2, o2)
func ordBeats(t1 float64, o1 string, t2 float64, o2 string) bool {
	if t1 != t2 {
		return t1 > t2
	}
	return o1 > o2
}

// VersionVector tracks the highest timestamp observed per origin.
// Used for partial sync. Monotonic per origin; no other invariants.
type VersionVector struct {
	timestamps map[string]float64
}

func NewVersionVector() *VersionVector {
	return &VersionVector{
		timestamps: map[string]float64{},
	}
}

func (self *VersionVector) Update(origin string, timestamp float64) {
	if current, ok := self.timestamps[origin]; !ok || current < timestamp {
		self.timestamps[origin] = timestamp
	}
}

func (self *VersionVector) Get(origin string) float64 {
	return self.timestamps[origin]
}

func (self *VersionVector) Merge(other *VersionVector) {
	for origin, timestamp := range other.timestamps {
		self.Update(origin, timestamp)
	}
}

func (self *VersionVector) ToMap() map[string]float64 {
	return maps.Clone(self.timestamps)
}

func VersionVectorFromMap(timestamps map[string]float64) *VersionVector {
	v := NewVersionVector()
	for origin, timestamp := range timestamps {
		v.timestamps[origin] = timestamp
	}
	return v
}

// shared log/bookkeeping for the CRDT types. The log is append-only,
// deduped by operation id.
type crdtBase struct {
	origin     string
	operations []*Operation
	seen       map[Id]bool
	versions   *VersionVector
}

func newCrdtBase(origin string) crdtBase {
	return crdtBase{
		origin:     origin,
		operations: []*Operation{},
		seen:       map[Id]bool{},
		versions:   NewVersionVector(),
	}
}

func (self *crdtBase) Origin() string {
	return self.origin
}

func (self *crdtBase) hasSeen(op *Operation) bool {
	return self.seen[op.Id]
}

func (self *crdtBase) record(op *Operation) {
	self.operations = append(self.operations, op)
	self.seen[op.Id] = true
	self.versions.Update(op.Origin, op.Timestamp)
}

func (self *crdtBase) AllOperations() []*Operation {
	return slices.Clone(self.operations)
}

func (self *crdtBase) OperationsSince(timestamp float64) []*Operation {
	out := []*Operation{}
	for _, op := range self.operations {
		if timestamp < op.Timestamp {
			out = append(out, op)
		}
	}
	return out
}

func (self *crdtBase) Versions() *VersionVector {
	return self.versions
}
