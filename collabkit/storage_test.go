package collabkit

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testStorage(t *testing.T, storage Storage) {
	ctx := context.Background()

	// missing key loads nil, not an error
	blob, err := storage.Load(ctx, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, blob == nil, true)

	exists, err := storage.Exists(ctx, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, false)

	err = storage.Save(ctx, "room:alpha", []byte("a"))
	assert.Equal(t, err, nil)
	err = storage.Save(ctx, "room:beta", []byte("b"))
	assert.Equal(t, err, nil)
	err = storage.Save(ctx, "other", []byte("c"))
	assert.Equal(t, err, nil)

	blob, err = storage.Load(ctx, "room:alpha")
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, []byte("a"))

	// overwrite
	err = storage.Save(ctx, "room:alpha", []byte("a2"))
	assert.Equal(t, err, nil)
	blob, err = storage.Load(ctx, "room:alpha")
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, []byte("a2"))

	keys, err := storage.ListKeys(ctx, "room:")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(keys), 2)

	err = storage.Delete(ctx, "room:alpha")
	assert.Equal(t, err, nil)
	exists, err = storage.Exists(ctx, "room:alpha")
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, false)

	// delete of a missing key is not an error
	err = storage.Delete(ctx, "room:alpha")
	assert.Equal(t, err, nil)
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())
}

func TestMemoryStorageIsolation(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	blob := []byte("original")
	err := storage.Save(ctx, "k", blob)
	assert.Equal(t, err, nil)

	// mutating the caller's slice does not reach the store
	blob[0] = 'X'
	loaded, err := storage.Load(ctx, "k")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, []byte("original"))
}

func TestFileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)
	testStorage(t, storage)
}

func TestFileStorageKeyEscaping(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)

	// keys with separators must not escape the root dir
	err = storage.Save(ctx, "room:../../etc/passwd", []byte("x"))
	assert.Equal(t, err, nil)
	blob, err := storage.Load(ctx, "room:../../etc/passwd")
	assert.Equal(t, err, nil)
	assert.Equal(t, blob, []byte("x"))
}
