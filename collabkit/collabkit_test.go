package collabkit

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdCodec(t *testing.T) {
	a := NewId()
	assert.Equal(t, a.IsZero(), false)

	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	var zero Id
	assert.Equal(t, zero.IsZero(), true)
}

func TestOrdBeats(t *testing.T) {
	// strict total order on (timestamp, origin)
	assert.Equal(t, ordBeats(2, "a", 1, "z"), true)
	assert.Equal(t, ordBeats(1, "z", 2, "a"), false)
	assert.Equal(t, ordBeats(1, "b", 1, "a"), true)
	assert.Equal(t, ordBeats(1, "a", 1, "b"), false)
	// never beats itself
	assert.Equal(t, ordBeats(1, "a", 1, "a"), false)
}

func TestVersionVector(t *testing.T) {
	v := NewVersionVector()
	assert.Equal(t, v.Get("a"), float64(0))

	v.Update("a", 10)
	v.Update("a", 5)
	assert.Equal(t, v.Get("a"), float64(10))

	w := NewVersionVector()
	w.Update("a", 20)
	w.Update("b", 3)
	v.Merge(w)
	assert.Equal(t, v.Get("a"), float64(20))
	assert.Equal(t, v.Get("b"), float64(3))

	out := VersionVectorFromMap(v.ToMap())
	assert.Equal(t, out.Get("a"), float64(20))
	assert.Equal(t, out.Get("b"), float64(3))
}

func TestSizeBounds(t *testing.T) {
	assert.Equal(t, MaxValueSize, ByteCount(100*1024))
	assert.Equal(t, MaxWireMessageSize, ByteCount(1024*1024))
	assert.Equal(t, MaxPresenceDataSize, ByteCount(10*1024))
	assert.Equal(t, CheckMessageSize(make([]byte, MaxWireMessageSize+1)) != nil, true)
}
