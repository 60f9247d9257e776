package collabkit

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Storage persists opaque blobs under string keys. Used for room
// snapshots on the broker and the offline queue on the client.
type Storage interface {
	Save(ctx context.Context, key string, blob []byte) error
	// Load returns (nil, nil) when the key does not exist.
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

type MemoryStorage struct {
	stateLock sync.Mutex
	blobs     map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blobs: map[string][]byte{},
	}
}

func (self *MemoryStorage) Save(ctx context.Context, key string, blob []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.blobs[key] = slices.Clone(blob)
	return nil
}

func (self *MemoryStorage) Load(ctx context.Context, key string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	blob, ok := self.blobs[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(blob), nil
}

func (self *MemoryStorage) Delete(ctx context.Context, key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.blobs, key)
	return nil
}

func (self *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.blobs[key]
	return ok, nil
}

func (self *MemoryStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := []string{}
	for _, key := range maps.Keys(self.blobs) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// FileStorage keeps one file per key under a root directory. Keys are
// percent-escaped so any key is a safe file name.
type FileStorage struct {
	rootDir string
}

func NewFileStorage(rootDir string) (*FileStorage, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, err
	}
	return &FileStorage{
		rootDir: rootDir,
	}, nil
}

func (self *FileStorage) keyPath(key string) string {
	return filepath.Join(self.rootDir, url.PathEscape(key))
}

func (self *FileStorage) Save(ctx context.Context, key string, blob []byte) error {
	return os.WriteFile(self.keyPath(key), blob, 0600)
}

func (self *FileStorage) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(self.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (self *FileStorage) Delete(ctx context.Context, key string) error {
	err := os.Remove(self.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (self *FileStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(self.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (self *FileStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	dirEntries, err := os.ReadDir(self.rootDir)
	if err != nil {
		return nil, err
	}

	keys := []string{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(dirEntry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
