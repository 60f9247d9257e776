package collabkit

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// internal key separator. Not valid inside a segment on the snapshot
// wire form anyway (snapshot keys are dot-joined), so this never
// collides in practice.
const pathSep = "\x1f"

func joinPath(path []string) string {
	return strings.Join(path, pathSep)
}

func splitPath(key string) []string {
	if key == "" {
		return []string{}
	}
	return strings.Split(key, pathSep)
}

type mapEntry struct {
	path      []string
	value     any
	timestamp float64
	origin    string
}

type mapTombstone struct {
	path      []string
	timestamp float64
	origin    string
}

// LWWMap is a nested, path-addressed last-writer-wins CRDT with
// tombstones. Each leaf path is independently an LWW cell. Object
// values are flattened into leaf entries on set; arrays and scalars
// are stored whole.
type LWWMap struct {
	crdtBase

	entries    map[string]*mapEntry
	tombstones map[string]*mapTombstone
}

func NewLWWMap(origin string) *LWWMap {
	return &LWWMap{
		crdtBase:   newCrdtBase(origin),
		entries:    map[string]*mapEntry{},
		tombstones: map[string]*mapTombstone{},
	}
}

// NewLWWMapWithValue seeds initial leaves at timestamp zero, so any
// real operation beats them.
func NewLWWMapWithValue(origin string, initialValue map[string]any) (*LWWMap, error) {
	m := NewLWWMap(origin)
	if err := CheckValue(initialValue); err != nil {
		return nil, err
	}
	m.flattenSet([]string{}, initialValue, 0, origin)
	return m, nil
}

func (self *LWWMap) Set(path []string, value any) (*Operation, error) {
	op, err := NewOperation(self.origin, path, OpSet, value)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *LWWMap) Delete(path []string) (*Operation, error) {
	op, err := NewOperation(self.origin, path, OpDelete, nil)
	if err != nil {
		return nil, err
	}
	if _, err := self.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Apply is idempotent by op id. Returns false when the op was
// already seen. The ordering test runs per leaf.
func (self *LWWMap) Apply(op *Operation) (bool, error) {
	if self.hasSeen(op) {
		return false, nil
	}

	switch op.Kind {
	case OpSet:
		self.applySet(op.Path, op.Value, op.Timestamp, op.Origin)
	case OpDelete:
		self.applyDelete(op.Path, op.Timestamp, op.Origin)
	default:
		return false, fmt.Errorf("%w: map supports %q and %q, got %q", ErrUnsupportedOp, OpSet, OpDelete, op.Kind)
	}

	self.record(op)
	return true, nil
}

func (self *LWWMap) applySet(path []string, value any, timestamp float64, origin string) {
	if obj, ok := value.(map[string]any); ok {
		self.flattenSet(path, obj, timestamp, origin)
		return
	}
	self.setLeaf(path, value, timestamp, origin)
}

func (self *LWWMap) flattenSet(path []string, value map[string]any, timestamp float64, origin string) {
	for key, item := range value {
		if IsBlockedKey(key) {
			// validated upstream. skip rather than corrupt.
			continue
		}
		childPath := append(slices.Clone(path), key)
		if obj, ok := item.(map[string]any); ok {
			self.flattenSet(childPath, obj, timestamp, origin)
		} else {
			self.setLeaf(childPath, item, timestamp, origin)
		}
	}
}

func (self *LWWMap) setLeaf(path []string, value any, timestamp float64, origin string) {
	key := joinPath(path)
	existing := self.entries[key]
	if existing == nil || ordBeats(timestamp, origin, existing.timestamp, existing.origin) {
		self.entries[key] = &mapEntry{
			path:      slices.Clone(path),
			value:     value,
			timestamp: timestamp,
			origin:    origin,
		}
	}
}

func (self *LWWMap) applyDelete(path []string, timestamp float64, origin string) {
	key := joinPath(path)
	existing := self.tombstones[key]
	if existing == nil || ordBeats(timestamp, origin, existing.timestamp, existing.origin) {
		self.tombstones[key] = &mapTombstone{
			path:      slices.Clone(path),
			timestamp: timestamp,
			origin:    origin,
		}
	}
}

// an entry is visible iff no tombstone at the same path beats it
func (self *LWWMap) visible(key string, entry *mapEntry) bool {
	tombstone := self.tombstones[key]
	if tombstone == nil {
		return true
	}
	return !ordBeats(tombstone.timestamp, tombstone.origin, entry.timestamp, entry.origin)
}

// Get returns the leaf at the path, or reconstructs a nested object
// from visible strict descendants, or nil.
func (self *LWWMap) Get(path []string) any {
	key := joinPath(path)
	if entry := self.entries[key]; entry != nil && self.visible(key, entry) {
		return entry.value
	}
	return self.getNested(path)
}

func (self *LWWMap) getNested(path []string) any {
	prefix := joinPath(path)
	if prefix != "" {
		prefix += pathSep
	}

	result := map[string]any{}
	for key, entry := range self.entries {
		if !strings.HasPrefix(key, prefix) || key == prefix {
			continue
		}
		if !self.visible(key, entry) {
			continue
		}
		placeLeaf(result, entry.path[len(path):], entry.value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Value materializes the full nested object. Descendants win over a
// scalar entry at an ancestor path, independent of iteration order.
func (self *LWWMap) Value() map[string]any {
	result := map[string]any{}
	for key, entry := range self.entries {
		if len(entry.path) == 0 {
			// root-level scalar, nothing to key it under
			continue
		}
		if !self.visible(key, entry) {
			continue
		}
		if pathHasBlockedKey(entry.path) {
			continue
		}
		placeLeaf(result, entry.path, entry.value)
	}
	return result
}

// descends into `result` creating objects as needed. An existing
// scalar at an interior slot is replaced by an object; a leaf is
// skipped when an object already claimed its slot. Both directions of
// the same conflict resolve to the descendants.
func placeLeaf(result map[string]any, path []string, value any) {
	current := result
	for _, key := range path[:len(path)-1] {
		child, ok := current[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			current[key] = child
		}
		current = child
	}
	last := path[len(path)-1]
	if _, ok := current[last].(map[string]any); ok {
		return
	}
	current[last] = value
}

func pathHasBlockedKey(path []string) bool {
	for _, segment := range path {
		if IsBlockedKey(segment) {
			return true
		}
	}
	return false
}

func (self *LWWMap) Merge(other *LWWMap) error {
	for _, op := range other.AllOperations() {
		if _, err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the top-level keys with at least one visible entry.
func (self *LWWMap) Keys() []string {
	seen := map[string]bool{}
	out := []string{}
	for key, entry := range self.entries {
		if len(entry.path) == 0 || !self.visible(key, entry) {
			continue
		}
		top := entry.path[0]
		if !seen[top] {
			seen[top] = true
			out = append(out, top)
		}
	}
	slices.Sort(out)
	return out
}

func (self *LWWMap) Has(topLevelKey string) bool {
	for key, entry := range self.entries {
		if 0 < len(entry.path) && entry.path[0] == topLevelKey && self.visible(key, entry) {
			return true
		}
	}
	return false
}

type SnapshotEntry struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
	Origin    string  `json:"node_id"`
}

type SnapshotTombstone struct {
	Timestamp float64 `json:"timestamp"`
	Origin    string  `json:"node_id"`
}

// MapSnapshot is the wire form of a full map state. Snapshot keys are
// dot-joined paths; a segment containing a literal "." is not
// reconstructable, which is a known wire limitation.
type MapSnapshot struct {
	Entries    map[string]SnapshotEntry     `json:"entries"`
	Tombstones map[string]SnapshotTombstone `json:"tombstones"`
	Operations []*Operation                 `json:"operations"`
}

func (self *LWWMap) Snapshot() *MapSnapshot {
	snapshot := &MapSnapshot{
		Entries:    map[string]SnapshotEntry{},
		Tombstones: map[string]SnapshotTombstone{},
		Operations: self.AllOperations(),
	}
	for _, entry := range self.entries {
		snapshot.Entries[strings.Join(entry.path, ".")] = SnapshotEntry{
			Value:     entry.value,
			Timestamp: entry.timestamp,
			Origin:    entry.origin,
		}
	}
	for _, tombstone := range self.tombstones {
		snapshot.Tombstones[strings.Join(tombstone.path, ".")] = SnapshotTombstone{
			Timestamp: tombstone.timestamp,
			Origin:    tombstone.origin,
		}
	}
	return snapshot
}

func MapFromSnapshot(origin string, snapshot *MapSnapshot) (*LWWMap, error) {
	m := NewLWWMap(origin)
	if snapshot == nil {
		return m, nil
	}

	for dotted, entry := range snapshot.Entries {
		path := splitDotted(dotted)
		if err := CheckPath(path); err != nil {
			return nil, err
		}
		if entry.Value != nil {
			if err := CheckValue(entry.Value); err != nil {
				return nil, err
			}
		}
		m.entries[joinPath(path)] = &mapEntry{
			path:      path,
			value:     entry.Value,
			timestamp: entry.Timestamp,
			origin:    entry.Origin,
		}
	}
	for dotted, tombstone := range snapshot.Tombstones {
		path := splitDotted(dotted)
		if err := CheckPath(path); err != nil {
			return nil, err
		}
		m.tombstones[joinPath(path)] = &mapTombstone{
			path:      path,
			timestamp: tombstone.Timestamp,
			origin:    tombstone.Origin,
		}
	}
	for _, op := range snapshot.Operations {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		m.record(op)
	}
	return m, nil
}

func EncodeSnapshot(snapshot *MapSnapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

func DecodeSnapshot(data []byte) (*MapSnapshot, error) {
	var snapshot MapSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func splitDotted(dotted string) []string {
	if dotted == "" {
		return []string{}
	}
	return strings.Split(dotted, ".")
}
