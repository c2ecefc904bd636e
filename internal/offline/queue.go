// Package offline queues mutations created while the remote store is
// unreachable and replays them when connectivity returns.
package offline

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/bandsync/internal/localstore"
)

var (
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrNotQueued       = errors.New("mutation not queued")
)

// QueueKey is the LocalStore key holding the persisted queue snapshot.
const QueueKey = "pending_mutations"

// Mutation is one not-yet-synced create or update. The ID doubles as
// the server-side de-duplication identity: if a crash lands between a
// successful remote apply and the local remove, the replayed mutation
// carries the same ID.
type Mutation struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	GroupID    string          `json:"groupId"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type queueState struct {
	Items []Mutation `json:"items"`
}

// Queue is a durable FIFO persisted through LocalStore. Enqueue order
// is preserved; failed items keep their relative order across drains.
type Queue struct {
	store localstore.Store
	mu    sync.Mutex
	items []Mutation
}

func NewQueue(store localstore.Store) (*Queue, error) {
	if store == nil {
		return nil, localstore.ErrInvalidInput
	}
	q := &Queue{store: store, items: []Mutation{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends and persists. A missing ID is assigned; a persist
// failure rolls the in-memory append back so memory and disk agree.
func (q *Queue) Enqueue(m Mutation) (Mutation, error) {
	if strings.TrimSpace(m.Collection) == "" || strings.TrimSpace(m.GroupID) == "" {
		return Mutation{}, ErrInvalidMutation
	}
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Mutation{}, err
	}
	return m, nil
}

// Snapshot returns the current queue contents in enqueue order.
func (q *Queue) Snapshot() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Mutation(nil), q.items...)
}

// Remove deletes one mutation by identity. ErrNotQueued signals the
// entry was already removed; callers treat that as success since the
// goal state is reached.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID != id {
			continue
		}
		removed := item
		q.items = append(q.items[:i], q.items[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.items = append(q.items[:i], append([]Mutation{removed}, q.items[i:]...)...)
			return err
		}
		return nil
	}
	return ErrNotQueued
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) load() error {
	data, err := q.store.Get(QueueKey)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		return err
	}
	var snapshot queueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// A corrupt queue snapshot loses the pending work either way;
		// starting empty beats refusing to start.
		return nil
	}
	q.items = append([]Mutation(nil), snapshot.Items...)
	return nil
}

func (q *Queue) saveLocked() error {
	snapshot := queueState{Items: append([]Mutation(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return q.store.Put(QueueKey, data)
}
