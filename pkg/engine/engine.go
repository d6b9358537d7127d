package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/queue"
	"github.com/cbodonnell/governor/pkg/registry"
	"github.com/cbodonnell/governor/pkg/repositories"
	"github.com/cbodonnell/governor/pkg/rules"
	"github.com/cbodonnell/governor/pkg/store"
	"github.com/cbodonnell/governor/pkg/workers"
)

const (
	// DefaultDispatchInterval is how often queued client messages and
	// connection events are drained.
	DefaultDispatchInterval = 10 * time.Millisecond
	// DefaultMinParticipants is the roster size that activates a session.
	DefaultMinParticipants = 2
	// DefaultDisconnectGrace is how long a disconnected participant has
	// to return before forfeiting.
	DefaultDisconnectGrace = 60 * time.Second
	// DefaultRetention is how long terminal sessions stay resident
	// before eviction.
	DefaultRetention = 5 * time.Minute

	// restorePageSize is the patch page size for snapshot catch-up.
	restorePageSize = 256
	// sweepInterval is how often terminal sessions are checked against
	// the retention window.
	sweepInterval = 30 * time.Second
)

// Engine serves sessions this process holds leases for. It routes
// inbound client messages and connection events to per-session loops,
// acquiring leases and restoring durable state for sessions it does
// not have in memory yet.
type Engine struct {
	clientMessageQueue   queue.Queue
	connectionEventQueue queue.Queue
	kv                   store.KV
	registry             *registry.Registry
	repository           repositories.Repository
	rules                rules.Engine
	outboundChan         chan<- workers.Outbound
	durabilityChan       chan<- workers.DurabilityRequest

	minParticipants  int
	disconnectGrace  time.Duration
	retention        time.Duration
	dispatchInterval time.Duration

	lock    sync.RWMutex
	runners map[string]*sessionRunner
	now     func() time.Time
}

// NewEngineOptions contains options for creating a new Engine.
type NewEngineOptions struct {
	ClientMessageQueue   queue.Queue
	ConnectionEventQueue queue.Queue
	KV                   store.KV
	Registry             *registry.Registry
	Repository           repositories.Repository
	Rules                rules.Engine
	OutboundChan         chan<- workers.Outbound
	DurabilityChan       chan<- workers.DurabilityRequest
	MinParticipants      int
	DisconnectGrace      time.Duration
	Retention            time.Duration
	DispatchInterval     time.Duration
}

func NewEngine(opts NewEngineOptions) *Engine {
	minParticipants := opts.MinParticipants
	if minParticipants == 0 {
		minParticipants = DefaultMinParticipants
	}
	disconnectGrace := opts.DisconnectGrace
	if disconnectGrace == 0 {
		disconnectGrace = DefaultDisconnectGrace
	}
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	dispatchInterval := opts.DispatchInterval
	if dispatchInterval == 0 {
		dispatchInterval = DefaultDispatchInterval
	}
	return &Engine{
		clientMessageQueue:   opts.ClientMessageQueue,
		connectionEventQueue: opts.ConnectionEventQueue,
		kv:                   opts.KV,
		registry:             opts.Registry,
		repository:           opts.Repository,
		rules:                opts.Rules,
		outboundChan:         opts.OutboundChan,
		durabilityChan:       opts.DurabilityChan,
		minParticipants:      minParticipants,
		disconnectGrace:      disconnectGrace,
		retention:            retention,
		dispatchInterval:     dispatchInterval,
		runners:              make(map[string]*sessionRunner),
		now:                  time.Now,
	}
}

var _ workers.SnapshotSource = &Engine{}

// Start drains the inbound queues and runs periodic maintenance until
// the context is canceled. Session loops run independently of this
// loop, so one session's work never delays another's.
func (e *Engine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.dispatchInterval)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.processConnectionEvents()
			e.processClientMessages(ctx)
		case <-sweepTicker.C:
			e.sweep(ctx)
		}
	}
}

// Close stops every session loop and releases this process's leases.
func (e *Engine) Close(ctx context.Context) {
	for _, r := range e.allRunners() {
		e.evict(ctx, r.session.ID, true)
	}
}

// processConnectionEvents routes transport disconnects into the
// affected session loops.
func (e *Engine) processConnectionEvents() {
	pendingEvents, err := e.connectionEventQueue.ReadAllMessages()
	if err != nil {
		log.Error("Failed to read connection events: %v", err)
		return
	}
	for _, item := range pendingEvents {
		switch event := item.(type) {
		case *types.DisconnectSessionEvent:
			e.routeDisconnect(event)
		default:
			log.Error("Unhandled connection event type: %T", event)
		}
	}
}

func (e *Engine) routeDisconnect(event *types.DisconnectSessionEvent) {
	r, ok := e.runner(event.SessionID)
	if !ok {
		log.Debug("Disconnect for session %s not served by this process", event.SessionID)
		return
	}
	if err := r.post(&disconnectCommand{clientID: event.ClientID, participantID: event.ParticipantID}); err != nil {
		log.Error("Failed to queue disconnect for session %s: %v", event.SessionID, err)
	}
}

// processClientMessages routes all pending client messages to their
// session loops.
func (e *Engine) processClientMessages(ctx context.Context) {
	pendingMessages, err := e.clientMessageQueue.ReadAllMessages()
	if err != nil {
		log.Error("Failed to read client messages: %v", err)
		return
	}
	for _, item := range pendingMessages {
		message, ok := item.(*messages.Message)
		if !ok {
			log.Error("Failed to cast message to messages.Message")
			continue
		}
		if err := e.routeMessage(ctx, message); err != nil {
			log.Error("Failed to handle %s message from client %d: %v", message.Type, message.ClientID, err)
		}
	}
}

func (e *Engine) routeMessage(ctx context.Context, message *messages.Message) error {
	switch message.Type {
	case messages.MessageTypeClientJoinSession:
		join := &messages.ClientJoinSession{}
		if err := json.Unmarshal(message.Payload, join); err != nil {
			return fmt.Errorf("failed to unmarshal join payload: %v", err)
		}
		return e.routeJoin(ctx, message.ClientID, join)
	case messages.MessageTypeClientAction:
		action := &messages.ClientAction{}
		if err := json.Unmarshal(message.Payload, action); err != nil {
			return fmt.Errorf("failed to unmarshal action payload: %v", err)
		}
		return e.routeAction(ctx, message.ClientID, action)
	case messages.MessageTypeClientResyncRequest:
		resync := &messages.ClientResyncRequest{}
		if err := json.Unmarshal(message.Payload, resync); err != nil {
			return fmt.Errorf("failed to unmarshal resync payload: %v", err)
		}
		return e.routeResync(ctx, message.ClientID, resync)
	default:
		return fmt.Errorf("unhandled message type: %s", message.Type)
	}
}

func (e *Engine) routeJoin(ctx context.Context, clientID uint32, join *messages.ClientJoinSession) error {
	r, err := e.ensureRunner(ctx, join.SessionID, true)
	if err != nil {
		if denied, ok := err.(*registry.ErrLeaseDenied); ok {
			e.sendRedirect(clientID, denied)
			return nil
		}
		return err
	}
	return r.post(&joinCommand{clientID: clientID, participantID: join.ParticipantID})
}

func (e *Engine) routeAction(ctx context.Context, clientID uint32, action *messages.ClientAction) error {
	r, err := e.ensureRunner(ctx, action.SessionID, false)
	if err != nil {
		switch err := err.(type) {
		case *registry.ErrLeaseDenied:
			e.sendRejected(clientID, action.SessionID, action.ClientSeq, messages.RejectionCodeLeaseDenied, "session is owned by another process")
			e.sendRedirect(clientID, err)
			return nil
		case *ErrSessionNotFound:
			e.sendRejected(clientID, action.SessionID, action.ClientSeq, messages.RejectionCodeSessionNotFound, err.Error())
			return nil
		}
		return err
	}
	return r.post(&actionCommand{clientID: clientID, action: action})
}

func (e *Engine) routeResync(ctx context.Context, clientID uint32, resync *messages.ClientResyncRequest) error {
	r, err := e.ensureRunner(ctx, resync.SessionID, false)
	if err != nil {
		switch err := err.(type) {
		case *registry.ErrLeaseDenied:
			e.sendRedirect(clientID, err)
			return nil
		case *ErrSessionNotFound:
			e.sendRejected(clientID, resync.SessionID, 0, messages.RejectionCodeSessionNotFound, err.Error())
			return nil
		}
		return err
	}
	return r.post(&resyncCommand{clientID: clientID, participantID: resync.ParticipantID})
}

func (e *Engine) sendRedirect(clientID uint32, denied *registry.ErrLeaseDenied) {
	e.sendOutbound(workers.Outbound{ClientID: clientID, Type: messages.MessageTypeServerRedirect, Message: &messages.ServerRedirect{
		SessionID: denied.SessionID,
		Owner:     denied.Owner,
		Addr:      denied.Addr,
	}})
}

func (e *Engine) sendRejected(clientID uint32, sessionID string, clientSeq uint64, code, reason string) {
	e.sendOutbound(workers.Outbound{ClientID: clientID, Type: messages.MessageTypeServerRejected, Message: &messages.ServerRejected{
		SessionID: sessionID,
		ClientSeq: clientSeq,
		Code:      code,
		Reason:    reason,
	}})
}

func (e *Engine) sendOutbound(outbound workers.Outbound) {
	select {
	case e.outboundChan <- outbound:
	default:
		log.Error("Outbound channel is full, dropping %s message", outbound.Type)
	}
}

// ensureRunner returns the local loop for a session, acquiring its
// lease and restoring durable state when the session is not served
// here yet. With create set, a session with no durable record is
// created in the forming state.
func (e *Engine) ensureRunner(ctx context.Context, sessionID string, create bool) (*sessionRunner, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if r, ok := e.runners[sessionID]; ok {
		return r, nil
	}

	if _, err := e.registry.Acquire(ctx, sessionID); err != nil {
		return nil, err
	}

	session, err := e.restoreSession(ctx, sessionID)
	if err != nil {
		if !repositories.IsNotFound(err) {
			e.releaseLease(ctx, sessionID)
			return nil, fmt.Errorf("failed to restore session %s: %v", sessionID, err)
		}
		if !create {
			e.releaseLease(ctx, sessionID)
			return nil, &ErrSessionNotFound{SessionID: sessionID}
		}
		session = types.NewSession(sessionID, e.now())
		log.Info("Created session %s", sessionID)
	} else {
		log.Info("Restored session %s at sequence %d", sessionID, session.Sequence)
	}

	r := e.newRunner(session)
	e.runners[sessionID] = r
	go r.run()
	return r, nil
}

// restoreSession rebuilds a session from its durable record. The
// write-through blob in the shared store is preferred; the long-term
// snapshot is the fallback. Either way the session is caught up
// through any patches written after the snapshot was taken.
func (e *Engine) restoreSession(ctx context.Context, sessionID string) (*types.Session, error) {
	snapshot, err := e.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session := types.FromSnapshot(snapshot, e.now())
	for {
		page, err := e.repository.ListPatches(ctx, sessionID, session.Sequence, restorePageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list patches: %v", err)
		}
		for _, patch := range page {
			state, err := patches.ApplyPatch(session.State, session.Sequence, patch)
			if err != nil {
				// A hole in the durable history cannot be served past:
				// branching the sequence would corrupt the patch log.
				return nil, fmt.Errorf("failed to apply patch %d: %v", patch.ToSeq, err)
			}
			session.State = state
			session.Sequence = patch.ToSeq
		}
		if len(page) < restorePageSize {
			return session, nil
		}
	}
}

func (e *Engine) loadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	raw, err := e.kv.Get(ctx, types.StateKey(sessionID))
	if err == nil {
		snapshot := &types.Snapshot{}
		if err := json.Unmarshal(raw, snapshot); err == nil {
			return snapshot, nil
		}
		log.Error("Discarding malformed state blob for session %s: %v", sessionID, err)
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to read state blob: %v", err)
	}

	snapshot, err := e.repository.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (e *Engine) releaseLease(ctx context.Context, sessionID string) {
	if err := e.registry.Release(ctx, sessionID); err != nil {
		log.Error("Failed to release lease for session %s: %v", sessionID, err)
	}
}

func (e *Engine) runner(sessionID string) (*sessionRunner, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()
	r, ok := e.runners[sessionID]
	return r, ok
}

func (e *Engine) allRunners() []*sessionRunner {
	e.lock.RLock()
	defer e.lock.RUnlock()
	all := make([]*sessionRunner, 0, len(e.runners))
	for _, r := range e.runners {
		all = append(all, r)
	}
	return all
}

// sweep evicts terminal sessions past the retention window.
func (e *Engine) sweep(ctx context.Context) {
	for _, r := range e.allRunners() {
		view := r.View()
		if !view.Status.Terminal() {
			continue
		}
		if e.now().Sub(view.UpdatedAt) < e.retention {
			continue
		}
		log.Info("Evicting %s session %s", view.Status, view.ID)
		e.evict(ctx, view.ID, true)
	}
}

// evict stops serving a session locally. With release set the lease is
// given up and the write-through blob removed; otherwise both are left
// alone because another process may own them already.
func (e *Engine) evict(ctx context.Context, sessionID string, release bool) {
	e.lock.Lock()
	r, ok := e.runners[sessionID]
	if ok {
		delete(e.runners, sessionID)
	}
	e.lock.Unlock()
	if !ok {
		return
	}
	r.cancel()
	if !release {
		return
	}
	if r.View().Status.Terminal() {
		if err := e.kv.Delete(ctx, types.StateKey(sessionID)); err != nil && !store.IsNotFound(err) {
			log.Error("Failed to delete state blob for session %s: %v", sessionID, err)
		}
	}
	e.releaseLease(ctx, sessionID)
}

// HandleLeaseLost stops serving a session whose lease could not be
// renewed. Another process may already own it, so the lease and state
// blob are left untouched.
func (e *Engine) HandleLeaseLost(sessionID string) {
	log.Warn("Lost lease for session %s, evicting", sessionID)
	e.evict(context.Background(), sessionID, false)
}

// SetDurable records whether durable writes are landing for a session.
// It matches the durability writer's callback signature.
func (e *Engine) SetDurable(sessionID string, durable bool) {
	r, ok := e.runner(sessionID)
	if !ok {
		return
	}
	if err := r.post(&setDurableCommand{durable: durable}); err != nil {
		log.Error("Failed to queue durability change for session %s: %v", sessionID, err)
	}
}

// Join seats a participant in a session, creating the session if no
// process serves it and no durable record exists. Rejoining an
// existing seat reconnects it and returns the full current state.
func (e *Engine) Join(ctx context.Context, clientID uint32, sessionID, participantID string) (*messages.ServerJoinResult, error) {
	r, err := e.ensureRunner(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	reply := make(chan joinReply, 1)
	if err := e.dispatch(ctx, r, &joinCommand{clientID: clientID, participantID: participantID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	case res := <-reply:
		return res.result, res.err
	}
}

// Submit runs one action through the session's rules. It returns the
// resulting patch or a typed rejection.
func (e *Engine) Submit(ctx context.Context, clientID uint32, action *messages.ClientAction) (*messages.ServerPatch, error) {
	r, err := e.ensureRunner(ctx, action.SessionID, false)
	if err != nil {
		return nil, err
	}
	reply := make(chan actionReply, 1)
	if err := e.dispatch(ctx, r, &actionCommand{clientID: clientID, action: action, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, &ErrSessionNotFound{SessionID: action.SessionID}
	case res := <-reply:
		return res.patch, res.err
	}
}

// Resync returns the full current state and sequence of a session for
// a participant that needs to rebuild from scratch.
func (e *Engine) Resync(ctx context.Context, clientID uint32, sessionID, participantID string) (*messages.ServerFullSnapshot, error) {
	r, err := e.ensureRunner(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	reply := make(chan resyncReply, 1)
	if err := e.dispatch(ctx, r, &resyncCommand{clientID: clientID, participantID: participantID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	case res := <-reply:
		return res.snapshot, res.err
	}
}

// Disconnect marks a participant's transport as gone, starting the
// disconnect policy for them.
func (e *Engine) Disconnect(sessionID, participantID string) error {
	r, ok := e.runner(sessionID)
	if !ok {
		return &ErrSessionNotFound{SessionID: sessionID}
	}
	return r.post(&disconnectCommand{participantID: participantID})
}

func (e *Engine) dispatch(ctx context.Context, r *sessionRunner, cmd interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return &ErrSessionNotFound{SessionID: r.session.ID}
	case r.mailbox <- cmd:
		return nil
	}
}

// Sessions returns a copy of every session served by this process.
func (e *Engine) Sessions() []*types.Session {
	runners := e.allRunners()
	sessions := make([]*types.Session, 0, len(runners))
	for _, r := range runners {
		sessions = append(sessions, r.View())
	}
	return sessions
}

// Session returns the session if it is served by this process.
func (e *Engine) Session(sessionID string) (*types.Session, error) {
	r, ok := e.runner(sessionID)
	if !ok {
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	}
	return r.View(), nil
}

// RecentPatches returns the in-memory patch journal for a session.
func (e *Engine) RecentPatches(ctx context.Context, sessionID string) ([]patches.Patch, error) {
	r, ok := e.runner(sessionID)
	if !ok {
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	}
	reply := make(chan []patches.Patch, 1)
	if err := e.dispatch(ctx, r, &recentPatchesCommand{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	case recent := <-reply:
		return recent, nil
	}
}

// Snapshots implements the durability writer's snapshot source for the
// periodic long-term snapshot pass.
func (e *Engine) Snapshots() []*types.Snapshot {
	snapshots := make([]*types.Snapshot, 0)
	for _, r := range e.allRunners() {
		view := r.View()
		if view.Status != types.StatusActive && view.Status != types.StatusPaused {
			continue
		}
		snapshots = append(snapshots, view.Snapshot(e.now()))
	}
	return snapshots
}

// Locate returns the live lease for a session wherever it is served.
func (e *Engine) Locate(ctx context.Context, sessionID string) (*registry.Lease, error) {
	return e.registry.Locate(ctx, sessionID)
}
