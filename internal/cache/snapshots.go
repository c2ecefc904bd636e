// Package cache stores whole-collection snapshots so reads keep
// working while the remote store is unreachable. Entries are opaque
// blobs keyed "{entityType}_{groupId}"; writes are whole-value
// replacement and best-effort, reads tolerate absence. Cached data is
// never authoritative once a live connection is available.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/stagehand/bandsync/internal/localstore"
)

// PermissionsKey holds one blob with every visited group's cached
// permission set; a device may have visited more than one group.
const PermissionsKey = "permissions_cache"

type Snapshots struct {
	store  localstore.Store
	logger *slog.Logger

	// groupMu serializes the read-modify-write of shared multi-group
	// blobs; both the resolver loop and bootstrap goroutines write the
	// permissions blob.
	groupMu sync.Mutex
}

func NewSnapshots(store localstore.Store, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Snapshots{store: store, logger: logger}
}

// CollectionKey derives the cache key for one collection of one group.
func CollectionKey(entityType, groupID string) string {
	return fmt.Sprintf("%s_%s", strings.TrimSpace(entityType), strings.TrimSpace(groupID))
}

// PutCollection replaces the cached snapshot. Losing a cache write
// degrades to a remote refetch, so failures are logged and swallowed.
func (s *Snapshots) PutCollection(entityType, groupID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("cache encode failed", "entity", entityType, "group", groupID, "error", err)
		return
	}
	key := CollectionKey(entityType, groupID)
	if err := s.store.Put(key, data); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// GetCollection loads a cached snapshot into out. Any failure,
// including a decode error, reads as a miss.
func (s *Snapshots) GetCollection(entityType, groupID string, out any) bool {
	data, err := s.store.Get(CollectionKey(entityType, groupID))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

// PutGroupEntry updates one group's slot inside a shared multi-group
// blob. Concurrent writers for different groups must not lose each
// other's slots, so the read-modify-write holds groupMu.
func (s *Snapshots) PutGroupEntry(key, groupID string, v any) {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	entries := s.loadGroupEntries(key)
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("cache encode failed", "key", key, "group", groupID, "error", err)
		return
	}
	entries[groupID] = data
	blob, err := json.Marshal(entries)
	if err != nil {
		s.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := s.store.Put(key, blob); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// GetGroupEntry loads one group's slot from a shared blob.
func (s *Snapshots) GetGroupEntry(key, groupID string, out any) bool {
	entries := s.loadGroupEntries(key)
	data, ok := entries[groupID]
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

func (s *Snapshots) loadGroupEntries(key string) map[string]json.RawMessage {
	entries := map[string]json.RawMessage{}
	data, err := s.store.Get(key)
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]json.RawMessage{}
	}
	return entries
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
