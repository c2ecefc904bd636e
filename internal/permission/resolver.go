package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stagehand/bandsync/internal/cache"
	"github.com/stagehand/bandsync/internal/netmon"
	"github.com/stagehand/bandsync/internal/remote"
)

// State names the resolver's position in its lifecycle. Every
// transition lands on one of these; there is no indeterminate state.
type State int

const (
	StateUninitialized State = iota
	StateSubscribing
	StateBootstrapping
	StateReady
	StateDegraded
	StateUnresolved
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribing:
		return "subscribing"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Listener observes (set, state) after every transition. The set is a
// private clone; nil while no permission set is resolved.
type Listener func(set *Set, state State)

type ResolverOptions struct {
	Client         remote.DocumentClient
	Snapshots      *cache.Snapshots
	Monitor        *netmon.Monitor
	Bootstrap      *Coordinator
	Logger         *slog.Logger
	UpdateAttempts int
	UpdateDelay    time.Duration
}

// Resolver answers "does role R have access to module M" for one
// group. The in-memory view is kept current by the live subscription
// (authoritative), the local cache (offline fallback), or the
// bootstrap coordinator (document absent). All state transitions run
// on one serial event loop; reads answer from a lock-guarded view the
// loop maintains.
type Resolver struct {
	client         remote.DocumentClient
	snapshots      *cache.Snapshots
	monitor        *netmon.Monitor
	bootstrap      *Coordinator
	logger         *slog.Logger
	updateAttempts int
	updateDelay    time.Duration

	events chan resolverEvent
	stopc  chan struct{}
	done   chan struct{}

	ctx       context.Context
	cancelCtx context.CancelFunc

	stopOnce       sync.Once
	unsubscribeNet func()

	// Loop-owned: the live subscription and its generation. Events
	// from a superseded subscription are discarded by generation.
	sub    remote.Subscription
	subGen int

	mu      sync.RWMutex
	state   State
	current *Set
	docID   string
	groupID string
	lastErr error

	listenerMu   sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

type eventKind int

const (
	evResolve eventKind = iota
	evSnapshot
	evStreamError
	evReconnect
	evBootstrapDone
	evOptimistic
	evRollback
	evReset
)

type resolverEvent struct {
	kind    eventKind
	gen     int
	groupID string
	docs    []remote.Document
	err     error
	set     Set
	docID   string
	module  Module
	roles   []Role
	reply   chan optimisticReply
}

type optimisticReply struct {
	prevRoles []Role
	docID     string
	payload   json.RawMessage
	groupID   string
	err       error
}

func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	updateAttempts := opts.UpdateAttempts
	if updateAttempts <= 0 {
		updateAttempts = 3
	}
	updateDelay := opts.UpdateDelay
	if updateDelay <= 0 {
		updateDelay = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		client:         opts.Client,
		snapshots:      opts.Snapshots,
		monitor:        opts.Monitor,
		bootstrap:      opts.Bootstrap,
		logger:         logger,
		updateAttempts: updateAttempts,
		updateDelay:    updateDelay,
		events:         make(chan resolverEvent, 64),
		stopc:          make(chan struct{}),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancelCtx:      cancel,
		listeners:      map[int]Listener{},
	}
	if r.monitor != nil {
		r.unsubscribeNet = r.monitor.Subscribe(func(online bool) {
			if online {
				r.post(resolverEvent{kind: evReconnect})
			}
		})
	}
	go r.run()
	return r
}

// Close stops the event loop and tears down the live subscription.
func (r *Resolver) Close() {
	r.stopOnce.Do(func() {
		if r.unsubscribeNet != nil {
			r.unsubscribeNet()
		}
		r.cancelCtx()
		close(r.stopc)
	})
	<-r.done
}

// Resolve begins (or re-targets) resolution for a group. Safe to call
// concurrently; redundant calls for the already-resolved group are
// no-ops.
func (r *Resolver) Resolve(groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return ErrNotResolved
	}
	r.post(resolverEvent{kind: evResolve, groupID: groupID})
	return nil
}

// HasAccess reports whether role may use module. Admin always may.
// With a resolved or cached permission set the set decides; otherwise
// the default policy does.
func (r *Resolver) HasAccess(module Module, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current != nil {
		p, ok := r.current.Permission(module)
		if !ok {
			return false
		}
		return p.allows(role)
	}
	return DefaultAllows(module, role)
}

// AccessibleModules lists the modules role may use, in canonical order.
func (r *Resolver) AccessibleModules(role Role) []Module {
	var modules []Module
	for _, module := range AllModules() {
		if r.HasAccess(module, role) {
			modules = append(modules, module)
		}
	}
	return modules
}

// CanEdit is the global editor policy: Admin and Manager edit, others
// read, independent of per-module configuration.
func (r *Resolver) CanEdit(module Module, role Role) bool {
	return role == RoleAdmin || role == RoleManager
}

// State returns the resolver's current lifecycle state.
func (r *Resolver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Current returns a clone of the resolved permission set (nil when
// none) together with the state that produced it.
func (r *Resolver) Current() (*Set, State) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, r.state
	}
	clone := r.current.Clone()
	return &clone, r.state
}

// LastError reports the error behind a Degraded or Unresolved state.
func (r *Resolver) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// OnChange registers a transition listener and returns an unsubscribe
// func. Listeners run on the resolver's loop and must not block.
func (r *Resolver) OnChange(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	r.listenerMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = listener
	r.listenerMu.Unlock()
	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

// SetModuleRoles updates one module's role set: optimistic local
// apply first, then a remote update with bounded retries; on
// exhaustion the local change is rolled back and the error surfaced.
// Only accepted while Ready. The Admin module silently keeps Admin.
func (r *Resolver) SetModuleRoles(ctx context.Context, module Module, roles []Role) error {
	reply := make(chan optimisticReply, 1)
	r.post(resolverEvent{kind: evOptimistic, module: module, roles: roles, reply: reply})

	var applied optimisticReply
	select {
	case applied = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopc:
		return ErrNotReady
	}
	if applied.err != nil {
		return applied.err
	}

	doc := remote.Document{ID: applied.docID, GroupID: applied.groupID, Data: applied.payload}
	var lastErr error
	for attempt := 1; attempt <= r.updateAttempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, r.updateDelay); err != nil {
				lastErr = err
				break
			}
		}
		if _, err := r.client.UpdateDocument(ctx, Collection, applied.docID, doc); err != nil {
			r.logger.Warn("permission update failed", "module", module, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	r.post(resolverEvent{kind: evRollback, module: module, roles: applied.prevRoles})
	return fmt.Errorf("update module roles: %w", lastErr)
}

// ResetToDefault deletes the group's permission document and re-enters
// bootstrapping, which recreates the defaults.
func (r *Resolver) ResetToDefault(ctx context.Context) error {
	r.mu.RLock()
	groupID, docID := r.groupID, r.docID
	r.mu.RUnlock()
	if groupID == "" {
		return ErrNotResolved
	}
	if docID != "" {
		if err := r.client.DeleteDocument(ctx, Collection, docID); err != nil && !remoteNotFound(err) {
			return err
		}
	}
	r.post(resolverEvent{kind: evReset})
	return nil
}

func remoteNotFound(err error) bool {
	httpErr, ok := err.(*remote.HTTPError)
	return ok && httpErr.StatusCode == 404
}

func (r *Resolver) post(ev resolverEvent) {
	select {
	case r.events <- ev:
	case <-r.stopc:
		if ev.reply != nil {
			ev.reply <- optimisticReply{err: ErrNotReady}
		}
	}
}

func (r *Resolver) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stopc:
			r.closeSubscription()
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Resolver) handle(ev resolverEvent) {
	switch ev.kind {
	case evResolve:
		r.handleResolve(ev.groupID)
	case evSnapshot:
		if ev.gen == r.subGen {
			r.handleSnapshot(ev.docs)
		}
	case evStreamError:
		if ev.gen == r.subGen {
			r.handleStreamError(ev.err)
		}
	case evReconnect:
		r.handleReconnect()
	case evBootstrapDone:
		r.handleBootstrapDone(ev.set, ev.docID, ev.err)
	case evOptimistic:
		r.handleOptimistic(ev)
	case evRollback:
		r.handleRollback(ev)
	case evReset:
		r.startBootstrap()
	}
}

func (r *Resolver) handleResolve(groupID string) {
	r.mu.RLock()
	sameGroup := r.groupID == groupID
	state := r.state
	r.mu.RUnlock()
	if sameGroup && state != StateUninitialized {
		return
	}

	r.mu.Lock()
	r.groupID = groupID
	r.current = nil
	r.docID = ""
	r.lastErr = nil
	r.state = StateSubscribing
	r.mu.Unlock()
	r.notify()

	r.openSubscription(groupID)
}

func (r *Resolver) openSubscription(groupID string) {
	r.closeSubscription()
	r.subGen++
	gen := r.subGen
	sub, err := r.client.Subscribe(Collection, groupID,
		func(docs []remote.Document) {
			r.post(resolverEvent{kind: evSnapshot, gen: gen, docs: docs})
		},
		func(err error) {
			r.post(resolverEvent{kind: evStreamError, gen: gen, err: err})
		})
	if err != nil {
		r.handleStreamError(err)
		return
	}
	r.sub = sub
}

// closeSubscription releases the previous stream before a new one is
// opened. Stop waits for the reader goroutine, which may itself be
// blocked posting an event, so it runs off-loop; the generation guard
// discards whatever the dying stream still delivers.
func (r *Resolver) closeSubscription() {
	if r.sub == nil {
		return
	}
	old := r.sub
	r.sub = nil
	go old.Stop()
}

func (r *Resolver) handleSnapshot(docs []remote.Document) {
	if len(docs) == 0 {
		r.mu.RLock()
		state := r.state
		r.mu.RUnlock()
		if state != StateBootstrapping {
			r.startBootstrap()
		}
		return
	}

	set, err := DecodeSet(docs[0].Data)
	if err != nil {
		r.logger.Warn("permission document rejected", "error", err)
		r.mu.Lock()
		r.current = nil
		r.docID = ""
		r.state = StateUnresolved
		r.lastErr = err
		r.mu.Unlock()
		r.notify()
		return
	}

	r.mu.Lock()
	r.current = &set
	r.docID = docs[0].ID
	r.state = StateReady
	r.lastErr = nil
	groupID := r.groupID
	r.mu.Unlock()
	r.refreshCache(docs[0].ID, set)
	r.notify()
	r.logger.Debug("permission set refreshed", "group", groupID, "doc", docs[0].ID)
}

func (r *Resolver) handleStreamError(err error) {
	r.mu.RLock()
	groupID := r.groupID
	r.mu.RUnlock()
	r.logger.Warn("permission subscription failed", "group", groupID, "error", err)

	var cached cachedPermission
	if r.snapshots != nil && r.snapshots.GetGroupEntry(cache.PermissionsKey, groupID, &cached) {
		set := cached.Set
		r.mu.Lock()
		r.current = &set
		r.docID = cached.DocID
		r.state = StateDegraded
		r.lastErr = err
		r.mu.Unlock()
		r.notify()
		return
	}

	r.mu.Lock()
	r.current = nil
	r.docID = ""
	r.state = StateUnresolved
	r.lastErr = err
	r.mu.Unlock()
	r.notify()
}

func (r *Resolver) handleReconnect() {
	r.mu.RLock()
	groupID := r.groupID
	state := r.state
	r.mu.RUnlock()
	if groupID == "" {
		return
	}
	switch state {
	case StateSubscribing, StateDegraded, StateUnresolved:
		r.openSubscription(groupID)
	}
}

func (r *Resolver) startBootstrap() {
	r.mu.Lock()
	r.state = StateBootstrapping
	groupID := r.groupID
	r.mu.Unlock()
	r.notify()

	if r.bootstrap == nil {
		r.post(resolverEvent{kind: evBootstrapDone, err: fmt.Errorf("no bootstrap coordinator configured")})
		return
	}
	go func() {
		set, docID, err := r.bootstrap.Bootstrap(r.ctx, groupID)
		r.post(resolverEvent{kind: evBootstrapDone, set: set, docID: docID, err: err})
	}()
}

func (r *Resolver) handleBootstrapDone(set Set, docID string, err error) {
	if err != nil {
		r.logger.Warn("permission bootstrap failed", "error", err)
		r.mu.Lock()
		r.current = nil
		r.docID = ""
		r.state = StateUnresolved
		r.lastErr = err
		r.mu.Unlock()
		r.notify()
		return
	}
	r.mu.Lock()
	r.current = &set
	r.docID = docID
	r.state = StateReady
	r.lastErr = nil
	r.mu.Unlock()
	r.refreshCache(docID, set)
	r.notify()
}

func (r *Resolver) handleOptimistic(ev resolverEvent) {
	r.mu.Lock()
	if r.state != StateReady || r.current == nil {
		state := r.state
		r.mu.Unlock()
		ev.reply <- optimisticReply{err: fmt.Errorf("%w: state %s", ErrNotReady, state)}
		return
	}
	prev, _ := r.current.Permission(ev.module)
	prevRoles := append([]Role(nil), prev.Roles...)
	r.current.setRoles(ev.module, ev.roles)
	payload, err := EncodeSet(*r.current)
	docID := r.docID
	groupID := r.groupID
	r.mu.Unlock()
	r.notify()

	if err != nil {
		ev.reply <- optimisticReply{err: err}
		return
	}
	ev.reply <- optimisticReply{
		prevRoles: prevRoles,
		docID:     docID,
		payload:   payload,
		groupID:   groupID,
	}
}

func (r *Resolver) handleRollback(ev resolverEvent) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return
	}
	r.current.setRoles(ev.module, ev.roles)
	r.mu.Unlock()
	r.notify()
}

func (r *Resolver) refreshCache(docID string, set Set) {
	if r.snapshots == nil {
		return
	}
	r.snapshots.PutGroupEntry(cache.PermissionsKey, set.GroupID, cachedPermission{DocID: docID, Set: set})
}

func (r *Resolver) notify() {
	set, state := r.Current()
	r.listenerMu.Lock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.listenerMu.Unlock()
	for _, listener := range listeners {
		listener(set, state)
	}
}
