package localstore

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is durable key/value persistence for serialized snapshots and
// queue state. Get returns ErrNotFound on a missing key; callers on the
// cache read path treat any Get failure as a miss. SweepOlderThan never
// touches the exempt keys, so durable state like the pending mutation
// queue survives cache aging no matter how long the device sat offline.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Keys() ([]string, error)
	SweepOlderThan(age time.Duration, exempt ...string) (int, error)
}

type storeCloser interface {
	Close() error
}

// Close closes the store if its backend holds external resources.
func Close(s Store) error {
	if closer, ok := s.(storeCloser); ok {
		return closer.Close()
	}
	return nil
}

const fileExtension = ".blob"

type fileStore struct {
	dir     string
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore persists each key as one zstd-compressed file under dir.
// Writes are atomic (temp file + rename) so a crash never leaves a
// half-written entry behind.
func NewFileStore(dir string) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, encoder: encoder, decoder: decoder}, nil
}

func (s *fileStore) Put(key string, value []byte) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	compressed := s.encoder.EncodeAll(value, nil)
	return writeFileAtomic(path, compressed, 0o644)
}

func (s *fileStore) Get(key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	value, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		// A corrupt entry is indistinguishable from an absent one for
		// cache readers; the authoritative copy lives remotely.
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *fileStore) Delete(key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, fileExtension) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExtension))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) SweepOlderThan(age time.Duration, exempt ...string) (int, error) {
	if age <= 0 {
		return 0, ErrInvalidInput
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	keep := exemptSet(exempt)
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExtension) {
			continue
		}
		if keep[strings.TrimSuffix(entry.Name(), fileExtension)] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *fileStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func (s *fileStore) keyPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "/\\") {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.dir, key+fileExtension), nil
}

type memoryEntry struct {
	value     []byte
	updatedAt time.Time
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore keeps entries in process memory. Used by tests and by
// deployments that opt out of on-device persistence.
func NewMemoryStore() Store {
	return &memoryStore{entries: map[string]memoryEntry{}}
}

func (s *memoryStore) Put(key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		updatedAt: time.Now(),
	}
	return nil
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) SweepOlderThan(age time.Duration, exempt ...string) (int, error) {
	if age <= 0 {
		return 0, ErrInvalidInput
	}
	keep := exemptSet(exempt)
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if keep[key] || entry.updatedAt.After(cutoff) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed, nil
}

func exemptSet(exempt []string) map[string]bool {
	if len(exempt) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(exempt))
	for _, key := range exempt {
		keep[key] = true
	}
	return keep
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
