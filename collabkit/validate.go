package collabkit

import (
	"encoding/json"
	"errors"
	"fmt"
)

const MaxValueDepth = 5
const MaxIdLength = 256
const MaxNameLength = 512

var MaxValueSize = kib(100)
var MaxWireMessageSize = mib(1)
var MaxPresenceDataSize = kib(10)

// keys that could corrupt object prototypes or impersonate reserved
// attributes in a dynamic host runtime. uniformly rejected everywhere,
// in paths and inside values.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"__class__":   true,
}

var ErrDangerousKey = errors.New("dangerous key")
var ErrValueTooDeep = errors.New("value nesting too deep")
var ErrValueTooLarge = errors.New("value too large")
var ErrMessageTooLarge = errors.New("message too large")

func IsBlockedKey(key string) bool {
	return blockedKeys[key]
}

// CheckPath rejects any path containing a blocked segment.
func CheckPath(path []string) error {
	for _, segment := range path {
		if blockedKeys[segment] {
			return fmt.Errorf("%w: path segment %q", ErrDangerousKey, segment)
		}
	}
	return nil
}

// CheckValue recursively rejects blocked object keys, bounds the nesting
// depth, and bounds the serialized size of the whole value.
func CheckValue(value any) error {
	return CheckValueWithMaxSize(value, MaxValueSize)
}

func CheckValueWithMaxSize(value any, maxSize ByteCount) error {
	if 0 < maxSize {
		size, err := estimateSize(value)
		if err != nil {
			return err
		}
		if maxSize < size {
			return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, size, maxSize)
		}
	}
	return checkValueDepth(value, 0)
}

func checkValueDepth(value any, depth int) error {
	if MaxValueDepth < depth {
		return fmt.Errorf("%w: max %d", ErrValueTooDeep, MaxValueDepth)
	}

	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			if blockedKeys[key] {
				return fmt.Errorf("%w: object key %q", ErrDangerousKey, key)
			}
			if err := checkValueDepth(item, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := checkValueDepth(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func CheckMessageSize(data []byte) error {
	if MaxWireMessageSize < ByteCount(len(data)) {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(data), MaxWireMessageSize)
	}
	return nil
}

func estimateSize(value any) (ByteCount, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return ByteCount(len(data)), nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}
