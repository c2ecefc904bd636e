package offline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stagehand/bandsync/internal/localstore"
)

func TestQueuePersistsAcrossReopen(t *testing.T) {
	store, err := localstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	queue, err := NewQueue(store)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	first, err := queue.Enqueue(Mutation{Collection: "events", GroupID: "g1", Payload: json.RawMessage(`{"title":"Gig"}`)})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := queue.Enqueue(Mutation{Collection: "merch", GroupID: "g1", Payload: json.RawMessage(`{"item":"Shirt"}`)})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reopened, err := NewQueue(store)
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	items := reopened.Snapshot()
	if len(items) != 2 {
		t.Fatalf("expected 2 persisted mutations, got %d", len(items))
	}
	if items[0].ID != first.ID || items[1].ID != second.ID {
		t.Fatalf("expected enqueue order preserved, got %v then %v", items[0].ID, items[1].ID)
	}
}

func TestQueueAssignsIdentity(t *testing.T) {
	queue, err := NewQueue(localstore.NewMemoryStore())
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	queued, err := queue.Enqueue(Mutation{Collection: "finances", GroupID: "g1"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if queued.ID == "" {
		t.Fatalf("expected assigned mutation id")
	}
	if queued.CreatedAt.IsZero() {
		t.Fatalf("expected assigned creation time")
	}
}

func TestQueueRejectsInvalidMutation(t *testing.T) {
	queue, err := NewQueue(localstore.NewMemoryStore())
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if _, err := queue.Enqueue(Mutation{GroupID: "g1"}); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for missing collection, got %v", err)
	}
	if _, err := queue.Enqueue(Mutation{Collection: "events"}); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for missing group, got %v", err)
	}
}

func TestQueueRemoveByIdentityExactlyOnce(t *testing.T) {
	queue, err := NewQueue(localstore.NewMemoryStore())
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	a, _ := queue.Enqueue(Mutation{Collection: "events", GroupID: "g1"})
	b, _ := queue.Enqueue(Mutation{Collection: "events", GroupID: "g1"})

	if err := queue.Remove(a.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := queue.Remove(a.ID); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued on second remove, got %v", err)
	}
	items := queue.Snapshot()
	if len(items) != 1 || items[0].ID != b.ID {
		t.Fatalf("expected only second mutation left, got %+v", items)
	}
}

func TestQueueStartsEmptyOnCorruptSnapshot(t *testing.T) {
	store := localstore.NewMemoryStore()
	if err := store.Put(QueueKey, []byte("not json")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	queue, err := NewQueue(store)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue after corrupt snapshot, got %d", queue.Len())
	}
}
