package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand/bandsync/internal/cache"
	"github.com/stagehand/bandsync/internal/remote"
)

type CoordinatorOptions struct {
	Client    remote.DocumentClient
	Snapshots *cache.Snapshots
	Attempts  int
	Delay     time.Duration
	Logger    *slog.Logger
}

// Coordinator guards the "create default permissions" operation: at
// most one in flight per process. A second caller arriving while one
// runs does not issue its own create; it waits and shares the first
// caller's outcome.
type Coordinator struct {
	client    remote.DocumentClient
	snapshots *cache.Snapshots
	attempts  int
	delay     time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	inflight *bootstrapRun
}

type bootstrapRun struct {
	done  chan struct{}
	set   Set
	docID string
	err   error
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Coordinator{
		client:    opts.Client,
		snapshots: opts.Snapshots,
		attempts:  attempts,
		delay:     delay,
		logger:    logger,
	}
}

// Bootstrap ensures groupID has a permission document, creating the
// default one when absent. Returns the canonical stored form.
func (c *Coordinator) Bootstrap(ctx context.Context, groupID string) (Set, string, error) {
	c.mu.Lock()
	if c.inflight != nil {
		run := c.inflight
		c.mu.Unlock()
		select {
		case <-run.done:
			return run.set, run.docID, run.err
		case <-ctx.Done():
			return Set{}, "", ctx.Err()
		}
	}
	run := &bootstrapRun{done: make(chan struct{})}
	c.inflight = run
	c.mu.Unlock()

	run.set, run.docID, run.err = c.bootstrap(ctx, groupID)
	close(run.done)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	return run.set, run.docID, run.err
}

func (c *Coordinator) bootstrap(ctx context.Context, groupID string) (Set, string, error) {
	// Another device may have created the document since the caller
	// observed it missing.
	docs, err := c.client.QueryDocuments(ctx, Collection, groupID)
	if err == nil && len(docs) > 0 {
		set, decodeErr := DecodeSet(docs[0].Data)
		if decodeErr == nil {
			c.logger.Info("adopted existing permission document", "group", groupID, "doc", docs[0].ID)
			c.cache(docs[0].ID, set)
			return set, docs[0].ID, nil
		}
		c.logger.Warn("existing permission document is malformed", "group", groupID, "error", decodeErr)
		return Set{}, "", decodeErr
	}

	defaults := NewDefaultSet(groupID)
	payload, err := EncodeSet(defaults)
	if err != nil {
		return Set{}, "", err
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, c.delay); err != nil {
				return Set{}, "", err
			}
		}
		created, err := c.client.CreateDocument(ctx, Collection, remote.Document{
			GroupID: groupID,
			Data:    payload,
		})
		if err != nil {
			c.logger.Warn("default permission create failed", "group", groupID, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		stored, decodeErr := DecodeSet(created.Data)
		if decodeErr != nil {
			// The write response should echo what we sent; fall back
			// to what we constructed.
			stored = defaults
		}
		c.logger.Info("created default permission document", "group", groupID, "doc", created.ID)
		c.cache(created.ID, stored)
		return stored, created.ID, nil
	}
	return Set{}, "", lastErr
}

func (c *Coordinator) cache(docID string, set Set) {
	if c.snapshots == nil {
		return
	}
	c.snapshots.PutGroupEntry(cache.PermissionsKey, set.GroupID, cachedPermission{DocID: docID, Set: set})
}

// cachedPermission is the per-group slot inside the permissions cache
// blob.
type cachedPermission struct {
	DocID string `json:"docId"`
	Set   Set    `json:"set"`
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
