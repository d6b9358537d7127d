package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/registry"
	"github.com/cbodonnell/governor/pkg/rules"
	"github.com/cbodonnell/governor/pkg/workers"
)

const (
	// mailboxSize bounds the commands queued for one session loop.
	mailboxSize = 256
	// journalCapacity is the number of recent patches kept in memory
	// per session.
	journalCapacity = 128
)

type joinCommand struct {
	clientID      uint32
	participantID string
	reply         chan joinReply
}

type joinReply struct {
	result *messages.ServerJoinResult
	err    error
}

type actionCommand struct {
	clientID uint32
	action   *messages.ClientAction
	reply    chan actionReply
}

type actionReply struct {
	patch *messages.ServerPatch
	err   error
}

type resyncCommand struct {
	clientID      uint32
	participantID string
	reply         chan resyncReply
}

type resyncReply struct {
	snapshot *messages.ServerFullSnapshot
	err      error
}

type disconnectCommand struct {
	clientID      uint32
	participantID string
}

type graceExpiredCommand struct {
	participantID string
}

type setDurableCommand struct {
	durable bool
}

type recentPatchesCommand struct {
	reply chan []patches.Patch
}

// sessionRunner owns one session and processes its commands strictly in
// order. All session mutation happens on this loop; disconnects, grace
// expiries and durability reports enter as commands like everything
// else.
type sessionRunner struct {
	session    *types.Session
	rules      rules.Engine
	registry   *registry.Registry
	journal    *patches.Journal
	outbound   chan<- workers.Outbound
	durability chan<- workers.DurabilityRequest

	grace           time.Duration
	minParticipants int

	mailbox chan interface{}
	// clients maps seated participants to their transport identity.
	clients map[string]uint32
	timers  map[string]*time.Timer
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	viewLock sync.RWMutex
	view     *types.Session
}

func (e *Engine) newRunner(session *types.Session) *sessionRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionRunner{
		session:         session,
		rules:           e.rules,
		registry:        e.registry,
		journal:         patches.NewJournal(journalCapacity),
		outbound:        e.outboundChan,
		durability:      e.durabilityChan,
		grace:           e.disconnectGrace,
		minParticipants: e.minParticipants,
		mailbox:         make(chan interface{}, mailboxSize),
		clients:         make(map[string]uint32),
		timers:          make(map[string]*time.Timer),
		now:             e.now,
		ctx:             ctx,
		cancel:          cancel,
		view:            session.Copy(),
	}
}

func (r *sessionRunner) run() {
	r.init()
	for {
		select {
		case <-r.ctx.Done():
			r.stopTimers()
			return
		case cmd := <-r.mailbox:
			r.handle(cmd)
			r.updateView()
		}
	}
}

// init starts the disconnect policy for participants that were
// disconnected when the session was restored from a snapshot.
func (r *sessionRunner) init() {
	if r.session.Status.Terminal() || r.session.Status == types.StatusForming {
		return
	}
	if r.session.Status == types.StatusActive && r.session.RequiredDisconnected() {
		if err := r.session.SetStatus(types.StatusPaused, r.now()); err != nil {
			log.Error("Failed to pause restored session %s: %v", r.session.ID, err)
		}
	}
	for _, p := range r.session.Participants {
		if !p.Connected && !p.Forfeited {
			r.startGraceTimer(p.ID)
		}
	}
	r.updateView()
}

func (r *sessionRunner) handle(cmd interface{}) {
	switch cmd := cmd.(type) {
	case *joinCommand:
		r.handleJoin(cmd)
	case *actionCommand:
		r.handleAction(cmd)
	case *resyncCommand:
		r.handleResync(cmd)
	case *disconnectCommand:
		r.handleDisconnect(cmd)
	case *graceExpiredCommand:
		r.handleGraceExpired(cmd)
	case *setDurableCommand:
		r.handleSetDurable(cmd)
	case *recentPatchesCommand:
		cmd.reply <- r.journal.Recent()
	default:
		log.Error("Unhandled session command type: %T", cmd)
	}
}

// post queues a command for the session loop without blocking the
// caller.
func (r *sessionRunner) post(cmd interface{}) error {
	select {
	case r.mailbox <- cmd:
		return nil
	default:
		return fmt.Errorf("session %s mailbox is full", r.session.ID)
	}
}

func (r *sessionRunner) handleJoin(cmd *joinCommand) {
	participant, seated := r.session.Participant(cmd.participantID)
	if !seated {
		if r.session.Status != types.StatusForming {
			r.rejectJoin(cmd, messages.RejectionCodeValidation, "session is not accepting new participants")
			return
		}
		var err error
		participant, err = r.session.AddParticipant(cmd.participantID, r.now())
		if err != nil {
			r.rejectJoin(cmd, messages.RejectionCodeValidation, err.Error())
			return
		}
		r.setClient(cmd.participantID, cmd.clientID)
		if len(r.session.Participants) >= r.minParticipants {
			if err := r.activate(cmd.participantID); err != nil {
				log.Error("Failed to activate session %s: %v", r.session.ID, err)
				r.session.RemoveParticipant(cmd.participantID, r.now())
				delete(r.clients, cmd.participantID)
				r.rejectJoin(cmd, messages.RejectionCodeValidation, "failed to start session")
				return
			}
		}
		r.sendJoinResult(cmd, participant)
		return
	}

	// Rejoining an existing seat reconnects it.
	r.setClient(cmd.participantID, cmd.clientID)
	if !participant.Connected {
		participant.Connected = true
		participant.DisconnectedSince = nil
		r.session.UpdatedAt = r.now()
		r.stopGraceTimer(cmd.participantID)
		log.Info("Participant %s reconnected to session %s", cmd.participantID, r.session.ID)
		r.resumeIfReady()
	}
	r.sendJoinResult(cmd, participant)
}

// activate starts the game once the minimum participant count is met.
func (r *sessionRunner) activate(joiningID string) error {
	state, err := r.rules.InitialState(r.session.ParticipantIDs())
	if err != nil {
		return fmt.Errorf("failed to build initial state: %v", err)
	}
	r.session.State = state
	if err := r.session.SetStatus(types.StatusActive, r.now()); err != nil {
		return err
	}
	log.Info("Session %s is active with %d participants", r.session.ID, len(r.session.Participants))
	r.requestSnapshot()
	r.broadcastStatus()
	// Participants seated before activation have no state yet. The
	// joining participant receives it on the join result instead.
	for _, p := range r.session.Participants {
		if p.ID == joiningID || !p.Connected {
			continue
		}
		clientID := r.clients[p.ID]
		if clientID == 0 {
			continue
		}
		r.send(workers.Outbound{
			ClientID: clientID,
			Type:     messages.MessageTypeServerFullSnapshot,
			Message: &messages.ServerFullSnapshot{
				SessionID: r.session.ID,
				Status:    string(r.session.Status),
				Sequence:  r.session.Sequence,
				State:     r.session.State,
			},
		})
	}
	return nil
}

func (r *sessionRunner) sendJoinResult(cmd *joinCommand, participant *types.Participant) {
	result := &messages.ServerJoinResult{
		ClientID:      cmd.clientID,
		SessionID:     r.session.ID,
		ParticipantID: participant.ID,
		Seat:          participant.Seat,
		Status:        string(r.session.Status),
		Sequence:      r.session.Sequence,
		State:         r.session.State,
	}
	if cmd.clientID != 0 {
		r.send(workers.Outbound{ClientID: cmd.clientID, Type: messages.MessageTypeServerJoinResult, Message: result})
	}
	if cmd.reply != nil {
		cmd.reply <- joinReply{result: result}
	}
}

func (r *sessionRunner) rejectJoin(cmd *joinCommand, code, reason string) {
	if cmd.clientID != 0 {
		r.send(workers.Outbound{ClientID: cmd.clientID, Type: messages.MessageTypeServerRejected, Message: &messages.ServerRejected{
			SessionID: r.session.ID,
			Code:      code,
			Reason:    reason,
		}})
	}
	if cmd.reply != nil {
		cmd.reply <- joinReply{err: &ErrActionRejected{SessionID: r.session.ID, Code: code, Reason: reason}}
	}
}

func (r *sessionRunner) handleAction(cmd *actionCommand) {
	action := cmd.action
	if !r.registry.Held(r.session.ID) {
		r.rejectAction(cmd, messages.RejectionCodeLeaseDenied, "session is not owned by this process")
		return
	}
	participant, ok := r.session.Participant(action.ParticipantID)
	if !ok {
		r.rejectAction(cmd, messages.RejectionCodeValidation, fmt.Sprintf("participant %s is not in the session", action.ParticipantID))
		return
	}
	if cmd.clientID != 0 && r.clients[action.ParticipantID] != cmd.clientID {
		r.rejectAction(cmd, messages.RejectionCodeValidation, "participant is associated with another connection")
		return
	}

	ruleAction := rules.Action{Participant: action.ParticipantID, Payload: action.Payload}
	switch {
	case r.session.Status == types.StatusForming:
		r.rejectAction(cmd, messages.RejectionCodeValidation, "session has not started")
		return
	case r.session.Status.Terminal():
		r.rejectAction(cmd, messages.RejectionCodeValidation, "session is over")
		return
	case r.session.Status == types.StatusPaused && !rules.IsForfeit(ruleAction):
		r.rejectAction(cmd, messages.RejectionCodeSessionPaused, "session paused")
		return
	}
	if participant.Forfeited {
		r.rejectAction(cmd, messages.RejectionCodeValidation, "participant has forfeited")
		return
	}

	priorStatus := r.session.Status
	var patch *patches.Patch
	var err error
	if rules.IsForfeit(ruleAction) {
		patch, err = r.forfeit(participant)
	} else {
		patch, err = r.apply(ruleAction)
	}
	if err != nil {
		if rules.IsRejected(err) {
			r.rejectAction(cmd, messages.RejectionCodeValidation, err.Error())
			return
		}
		log.Error("Failed to apply action for session %s: %v", r.session.ID, err)
		r.rejectAction(cmd, messages.RejectionCodeValidation, "internal error applying action")
		return
	}

	r.broadcastPatch(patch, action.ParticipantID, action.ClientSeq)
	if cmd.reply != nil {
		ack := action.ClientSeq
		cmd.reply <- actionReply{patch: &messages.ServerPatch{
			SessionID:    patch.SessionID,
			FromSeq:      patch.FromSeq,
			ToSeq:        patch.ToSeq,
			Delta:        patch.Delta,
			AckClientSeq: &ack,
		}}
	}
	if r.session.Status != priorStatus {
		// The action completed the session.
		r.requestSnapshot()
		r.broadcastStatus()
	} else if rules.IsForfeit(ruleAction) {
		r.resolveAfterForfeit()
	}
}

func (r *sessionRunner) rejectAction(cmd *actionCommand, code, reason string) {
	if cmd.clientID != 0 {
		r.send(workers.Outbound{ClientID: cmd.clientID, Type: messages.MessageTypeServerRejected, Message: &messages.ServerRejected{
			SessionID: r.session.ID,
			ClientSeq: cmd.action.ClientSeq,
			Code:      code,
			Reason:    reason,
		}})
	}
	if cmd.reply != nil {
		cmd.reply <- actionReply{err: &ErrActionRejected{
			SessionID: r.session.ID,
			ClientSeq: cmd.action.ClientSeq,
			Code:      code,
			Reason:    reason,
		}}
	}
}

// apply runs one accepted action through the rules and commits the
// transition: the state is replaced, the sequence incremented, and the
// patch journaled and scheduled for durable write.
func (r *sessionRunner) apply(action rules.Action) (*patches.Patch, error) {
	result, err := r.rules.Apply(r.session.State, action)
	if err != nil {
		return nil, err
	}

	delta := result.Delta
	if delta == nil {
		delta, err = patches.Diff(r.session.State, result.State)
		if err != nil {
			return nil, fmt.Errorf("failed to diff states: %v", err)
		}
	}

	patch := &patches.Patch{
		SessionID: r.session.ID,
		FromSeq:   r.session.Sequence,
		ToSeq:     r.session.Sequence + 1,
		Delta:     delta,
	}

	r.session.State = result.State
	r.session.Sequence = patch.ToSeq
	r.session.UpdatedAt = r.now()
	if result.Completed {
		r.session.Winner = result.Winner
		if err := r.session.SetStatus(types.StatusCompleted, r.now()); err != nil {
			log.Error("Failed to complete session %s: %v", r.session.ID, err)
		}
	}
	r.journal.Append(*patch)
	r.requestWrite(patch)
	return patch, nil
}

// forfeit applies the forfeiture action for a participant. A
// participant forfeits at most once; the forfeit flows through the
// rules like any other action and produces exactly one patch.
func (r *sessionRunner) forfeit(participant *types.Participant) (*patches.Patch, error) {
	if participant.Forfeited {
		return nil, rules.Reject("participant %s has already forfeited", participant.ID)
	}
	patch, err := r.apply(rules.ForfeitAction(participant.ID))
	if err != nil {
		return nil, err
	}
	participant.Forfeited = true
	r.stopGraceTimer(participant.ID)
	return patch, nil
}

func (r *sessionRunner) handleResync(cmd *resyncCommand) {
	if _, ok := r.session.Participant(cmd.participantID); !ok {
		rejection := &messages.ServerRejected{
			SessionID: r.session.ID,
			Code:      messages.RejectionCodeValidation,
			Reason:    fmt.Sprintf("participant %s is not in the session", cmd.participantID),
		}
		if cmd.clientID != 0 {
			r.send(workers.Outbound{ClientID: cmd.clientID, Type: messages.MessageTypeServerRejected, Message: rejection})
		}
		if cmd.reply != nil {
			cmd.reply <- resyncReply{err: &ErrActionRejected{SessionID: r.session.ID, Code: rejection.Code, Reason: rejection.Reason}}
		}
		return
	}

	snapshot := &messages.ServerFullSnapshot{
		SessionID: r.session.ID,
		Status:    string(r.session.Status),
		Sequence:  r.session.Sequence,
		State:     r.session.State,
	}
	if cmd.clientID != 0 {
		r.send(workers.Outbound{ClientID: cmd.clientID, Type: messages.MessageTypeServerFullSnapshot, Message: snapshot})
	}
	if cmd.reply != nil {
		cmd.reply <- resyncReply{snapshot: snapshot}
	}
}

func (r *sessionRunner) handleDisconnect(cmd *disconnectCommand) {
	participant, ok := r.session.Participant(cmd.participantID)
	if !ok {
		return
	}
	if cmd.clientID != 0 && r.clients[cmd.participantID] != cmd.clientID {
		// A stale event from a transport already replaced by a
		// reconnect.
		return
	}
	delete(r.clients, cmd.participantID)
	if !participant.Connected {
		return
	}
	since := r.now()
	participant.Connected = false
	participant.DisconnectedSince = &since
	r.session.UpdatedAt = since

	switch {
	case r.session.Status == types.StatusForming:
		// No game state exists yet, the seat is simply vacated.
		r.session.RemoveParticipant(cmd.participantID, since)
		if len(r.session.Participants) == 0 {
			if err := r.session.SetStatus(types.StatusAbandoned, since); err != nil {
				log.Error("Failed to abandon session %s: %v", r.session.ID, err)
			} else {
				log.Info("Session %s abandoned before starting", r.session.ID)
			}
		}
	case r.session.Status.Terminal():
	case !participant.Required():
		// Forfeited participants do not pause the session.
		if !r.abandonIfDeserted() {
			r.broadcastStatus()
		}
	default:
		log.Info("Participant %s disconnected from session %s", cmd.participantID, r.session.ID)
		r.startGraceTimer(cmd.participantID)
		if r.session.Status == types.StatusActive {
			if err := r.session.SetStatus(types.StatusPaused, since); err != nil {
				log.Error("Failed to pause session %s: %v", r.session.ID, err)
			}
		}
		r.broadcastStatus()
	}
}

func (r *sessionRunner) handleGraceExpired(cmd *graceExpiredCommand) {
	participant, ok := r.session.Participant(cmd.participantID)
	if !ok || participant.Connected || participant.Forfeited {
		// Resolved before the timer fired.
		return
	}
	if r.session.Status.Terminal() {
		return
	}

	patch, err := r.forfeit(participant)
	if err != nil {
		if rules.IsRejected(err) {
			// The rules already count them as out, which happens when a
			// restored snapshot predates their forfeit patch. Align the
			// roster without producing another patch.
			participant.Forfeited = true
			r.resolveAfterForfeit()
			return
		}
		log.Error("Failed to forfeit participant %s in session %s: %v", cmd.participantID, r.session.ID, err)
		return
	}
	log.Info("Participant %s forfeited session %s after the disconnect grace period", cmd.participantID, r.session.ID)
	r.broadcastPatch(patch, "", 0)
	r.resolveAfterForfeit()
}

// resolveAfterForfeit settles the session status once a forfeit patch
// is out: the rules may have completed the session, everyone may be
// gone, or the pause cause may be resolved.
func (r *sessionRunner) resolveAfterForfeit() {
	if r.session.Status == types.StatusCompleted {
		r.requestSnapshot()
		r.broadcastStatus()
		return
	}
	if r.abandonIfDeserted() {
		return
	}
	r.resumeIfReady()
}

// resumeIfReady lifts a pause once every required participant is back.
func (r *sessionRunner) resumeIfReady() {
	if r.session.Status != types.StatusPaused {
		return
	}
	if r.session.RequiredDisconnected() {
		// Still missing someone, announce the updated roster.
		r.broadcastStatus()
		return
	}
	if err := r.session.SetStatus(types.StatusActive, r.now()); err != nil {
		log.Error("Failed to resume session %s: %v", r.session.ID, err)
		return
	}
	log.Info("Session %s resumed", r.session.ID)
	r.broadcastStatus()
}

// abandonIfDeserted ends the session when nobody can come back: every
// participant is disconnected and past their grace period.
func (r *sessionRunner) abandonIfDeserted() bool {
	if r.session.Status.Terminal() || r.session.AnyConnected() {
		return false
	}
	for _, p := range r.session.Participants {
		if !p.Forfeited {
			// Still within the grace period.
			return false
		}
	}
	if err := r.session.SetStatus(types.StatusAbandoned, r.now()); err != nil {
		log.Error("Failed to abandon session %s: %v", r.session.ID, err)
		return false
	}
	log.Info("Session %s abandoned", r.session.ID)
	r.requestSnapshot()
	r.broadcastStatus()
	return true
}

func (r *sessionRunner) handleSetDurable(cmd *setDurableCommand) {
	if r.session.Durable == cmd.durable {
		return
	}
	r.session.Durable = cmd.durable
	if cmd.durable {
		log.Info("Session %s durability recovered", r.session.ID)
	} else {
		log.Warn("Session %s is running non-durable", r.session.ID)
	}
}

// broadcastPatch fans the patch out to every connected participant. The
// submitter's copy carries the acknowledgement marker so its client can
// reconcile an optimistic prediction. Synthetic actions pass an empty
// submitter.
func (r *sessionRunner) broadcastPatch(patch *patches.Patch, submitter string, clientSeq uint64) {
	for _, p := range r.session.Participants {
		if !p.Connected {
			continue
		}
		clientID := r.clients[p.ID]
		if clientID == 0 {
			continue
		}
		message := &messages.ServerPatch{
			SessionID: patch.SessionID,
			FromSeq:   patch.FromSeq,
			ToSeq:     patch.ToSeq,
			Delta:     patch.Delta,
		}
		if p.ID == submitter {
			ack := clientSeq
			message.AckClientSeq = &ack
		}
		r.send(workers.Outbound{ClientID: clientID, Type: messages.MessageTypeServerPatch, Message: message})
	}
}

// broadcastStatus announces the session's lifecycle state to everyone
// still connected.
func (r *sessionRunner) broadcastStatus() {
	r.send(workers.Outbound{SessionID: r.session.ID, Type: messages.MessageTypeServerSessionStatus, Message: &messages.ServerSessionStatus{
		SessionID:    r.session.ID,
		Status:       string(r.session.Status),
		Disconnected: r.session.Disconnected(),
		Winner:       r.session.Winner,
	}})
}

// send hands a message to the outbound worker. Delivery is best-effort
// and never blocks the session loop.
func (r *sessionRunner) send(outbound workers.Outbound) {
	select {
	case r.outbound <- outbound:
	default:
		log.Error("Outbound channel is full, dropping %s message for session %s", outbound.Type, r.session.ID)
	}
}

func (r *sessionRunner) requestWrite(patch *patches.Patch) {
	r.requestDurability(workers.DurabilityRequest{
		SessionID: r.session.ID,
		Patch:     patch,
		Snapshot:  r.session.Snapshot(r.now()),
	})
}

func (r *sessionRunner) requestSnapshot() {
	r.requestDurability(workers.DurabilityRequest{
		SessionID: r.session.ID,
		Snapshot:  r.session.Snapshot(r.now()),
		Persist:   true,
	})
}

// requestDurability schedules an asynchronous durable write. Acceptance
// never waits on the store.
func (r *sessionRunner) requestDurability(request workers.DurabilityRequest) {
	select {
	case r.durability <- request:
	default:
		log.Error("Durability channel is full, dropping write for session %s", request.SessionID)
	}
}

func (r *sessionRunner) setClient(participantID string, clientID uint32) {
	if clientID != 0 {
		r.clients[participantID] = clientID
	}
}

func (r *sessionRunner) startGraceTimer(participantID string) {
	r.stopGraceTimer(participantID)
	ctx := r.ctx
	r.timers[participantID] = time.AfterFunc(r.grace, func() {
		select {
		case r.mailbox <- &graceExpiredCommand{participantID: participantID}:
		case <-ctx.Done():
		}
	})
}

func (r *sessionRunner) stopGraceTimer(participantID string) {
	if timer, ok := r.timers[participantID]; ok {
		timer.Stop()
		delete(r.timers, participantID)
	}
}

func (r *sessionRunner) stopTimers() {
	for participantID, timer := range r.timers {
		timer.Stop()
		delete(r.timers, participantID)
	}
}

// updateView refreshes the copy handed to readers outside the loop.
func (r *sessionRunner) updateView() {
	r.viewLock.Lock()
	r.view = r.session.Copy()
	r.viewLock.Unlock()
}

// View returns a copy of the session safe for concurrent readers.
func (r *sessionRunner) View() *types.Session {
	r.viewLock.RLock()
	defer r.viewLock.RUnlock()
	return r.view
}
