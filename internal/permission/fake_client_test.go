package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stagehand/bandsync/internal/remote"
)

// fakeClient is an in-memory permissions collection with live
// subscriptions, standing in for the remote document store.
type fakeClient struct {
	mu           sync.Mutex
	docs         []remote.Document
	createCalls  int
	createErrs   []error
	updateCalls  int
	updateErr    error
	lastUpdated  remote.Document
	deleteCalls  int
	queryErr     error
	subscribeErr error
	subs         map[int]*fakeSub
	nextSub      int
	autoPush     bool
	nextID       int
}

type fakeSub struct {
	client     *fakeClient
	id         int
	onSnapshot func([]remote.Document)
	onError    func(error)
	stopOnce   sync.Once
}

func (s *fakeSub) Stop() {
	s.stopOnce.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s.id)
		s.client.mu.Unlock()
	})
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: map[int]*fakeSub{}, autoPush: true}
}

func (c *fakeClient) QueryDocuments(ctx context.Context, collection, groupID string) ([]remote.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.docsForLocked(groupID), nil
}

func (c *fakeClient) CreateDocument(ctx context.Context, collection string, doc remote.Document) (remote.Document, error) {
	c.mu.Lock()
	c.createCalls++
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			c.mu.Unlock()
			return remote.Document{}, err
		}
	}
	if doc.ID == "" {
		c.nextID++
		doc.ID = fmt.Sprintf("perm_%d", c.nextID)
	}
	c.docs = append(c.docs, doc)
	c.mu.Unlock()
	c.maybePush(doc.GroupID)
	return doc, nil
}

func (c *fakeClient) UpdateDocument(ctx context.Context, collection, id string, doc remote.Document) (remote.Document, error) {
	c.mu.Lock()
	c.updateCalls++
	if c.updateErr != nil {
		err := c.updateErr
		c.mu.Unlock()
		return remote.Document{}, err
	}
	for i, existing := range c.docs {
		if existing.ID == id {
			doc.ID = id
			c.docs[i] = doc
			c.lastUpdated = doc
			c.mu.Unlock()
			c.maybePush(doc.GroupID)
			return doc, nil
		}
	}
	c.mu.Unlock()
	return remote.Document{}, errors.New("document not found")
}

func (c *fakeClient) DeleteDocument(ctx context.Context, collection, id string) error {
	c.mu.Lock()
	c.deleteCalls++
	groupID := ""
	for i, existing := range c.docs {
		if existing.ID == id {
			groupID = existing.GroupID
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if groupID != "" {
		c.maybePush(groupID)
	}
	return nil
}

func (c *fakeClient) Subscribe(collection, groupID string, onSnapshot func([]remote.Document), onError func(error)) (remote.Subscription, error) {
	c.mu.Lock()
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextSub++
	sub := &fakeSub{client: c, id: c.nextSub, onSnapshot: onSnapshot, onError: onError}
	c.subs[sub.id] = sub
	push := c.autoPush
	docs := c.docsForLocked(groupID)
	c.mu.Unlock()
	if push {
		go onSnapshot(docs)
	}
	return sub, nil
}

// pushSnapshot delivers the current collection state to every open
// subscription, like the store does after a change.
func (c *fakeClient) pushSnapshot(groupID string) {
	c.mu.Lock()
	docs := c.docsForLocked(groupID)
	subs := make([]*fakeSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.onSnapshot(docs)
	}
}

func (c *fakeClient) pushError(err error) {
	c.mu.Lock()
	subs := make([]*fakeSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.onError(err)
	}
}

func (c *fakeClient) maybePush(groupID string) {
	c.mu.Lock()
	push := c.autoPush
	c.mu.Unlock()
	if push {
		c.pushSnapshot(groupID)
	}
}

func (c *fakeClient) docsForLocked(groupID string) []remote.Document {
	var out []remote.Document
	for _, doc := range c.docs {
		if doc.GroupID == groupID {
			out = append(out, doc)
		}
	}
	return out
}

func (c *fakeClient) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls
}

func (c *fakeClient) openSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func mustDocument(t interface{ Fatalf(string, ...any) }, set Set) remote.Document {
	payload, err := EncodeSet(set)
	if err != nil {
		t.Fatalf("encode set failed: %v", err)
	}
	return remote.Document{ID: "perm_seed", GroupID: set.GroupID, Data: payload}
}
