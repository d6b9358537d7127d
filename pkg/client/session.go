package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/queue"
	"github.com/cbodonnell/governor/pkg/rules"
)

// DefaultDrainInterval is how often Run drains queued server messages.
const DefaultDrainInterval = 10 * time.Millisecond

// Transport sends messages to the server. The client network manager
// satisfies this.
type Transport interface {
	SendMessage(msg *messages.Message) error
}

type pendingAction struct {
	clientSeq uint64
	payload   json.RawMessage
}

// SessionClient tracks one participant's view of a session. It holds the
// last authoritative state plus a predicted state with unacknowledged
// actions applied, and reconciles the two as the server acknowledges or
// rejects them. A patch that does not apply cleanly triggers a full
// resynchronization.
type SessionClient struct {
	sessionID     string
	participantID string
	token         string
	transport     Transport
	rules         rules.Engine

	onRejected func(rejected *messages.ServerRejected)
	onRedirect func(redirect *messages.ServerRedirect)

	mu            sync.Mutex
	clientID      uint32
	joined        bool
	status        string
	winner        string
	disconnected  []string
	sequence      uint64
	state         json.RawMessage
	predicted     json.RawMessage
	pending       []pendingAction
	nextClientSeq uint64
	resyncing     bool
	redirect      *messages.ServerRedirect
}

type NewSessionClientOptions struct {
	SessionID     string
	ParticipantID string
	Token         string
	Transport     Transport
	// Rules enables optimistic prediction of submitted actions. Without
	// it the predicted state is simply the authoritative state.
	Rules rules.Engine
	// OnRejected is called when the server refuses one of our actions.
	OnRejected func(rejected *messages.ServerRejected)
	// OnRedirect is called when the session is served by another
	// process. The client keeps its state; reconnect with a new
	// transport and join again.
	OnRedirect func(redirect *messages.ServerRedirect)
}

func NewSessionClient(opts NewSessionClientOptions) *SessionClient {
	return &SessionClient{
		sessionID:     opts.SessionID,
		participantID: opts.ParticipantID,
		token:         opts.Token,
		transport:     opts.Transport,
		rules:         opts.Rules,
		onRejected:    opts.OnRejected,
		onRedirect:    opts.OnRedirect,
	}
}

// Join requests a seat in the session, creating it if it does not exist.
// Rejoining after a disconnect reconnects the same seat.
func (c *SessionClient) Join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(messages.MessageTypeClientJoinSession, &messages.ClientJoinSession{
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
		Token:         c.token,
	})
}

// SubmitAction sends a gameplay action and applies it to the predicted
// state. It returns the client sequence number that will be echoed on
// the acknowledgement.
func (c *SessionClient) SubmitAction(payload json.RawMessage) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return 0, fmt.Errorf("not joined to session %s", c.sessionID)
	}

	c.nextClientSeq++
	clientSeq := c.nextClientSeq
	c.pending = append(c.pending, pendingAction{clientSeq: clientSeq, payload: payload})
	c.rebuildPrediction()

	if err := c.send(messages.MessageTypeClientAction, &messages.ClientAction{
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
		ClientSeq:     clientSeq,
		Payload:       payload,
	}); err != nil {
		return 0, err
	}
	return clientSeq, nil
}

// Forfeit concedes the session for this participant.
func (c *SessionClient) Forfeit() (uint64, error) {
	return c.SubmitAction(rules.ForfeitAction(c.participantID).Payload)
}

// RequestResync asks the server for a full snapshot.
func (c *SessionClient) RequestResync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestResync()
}

// Run drains queued server messages on an interval until the context is
// canceled.
func (c *SessionClient) Run(ctx context.Context, messageQueue queue.Queue) {
	ticker := time.NewTicker(DefaultDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pendingMessages, err := messageQueue.ReadAllMessages()
			if err != nil {
				log.Error("Failed to read server messages: %v", err)
				continue
			}
			for _, item := range pendingMessages {
				message, ok := item.(*messages.Message)
				if !ok {
					log.Error("Failed to cast message to messages.Message")
					continue
				}
				if err := c.HandleMessage(message); err != nil {
					log.Error("Failed to handle %s message: %v", message.Type, err)
				}
			}
		}
	}
}

// HandleMessage applies one server message to the client's view.
func (c *SessionClient) HandleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypeServerJoinResult:
		result := &messages.ServerJoinResult{}
		if err := json.Unmarshal(msg.Payload, result); err != nil {
			return fmt.Errorf("failed to unmarshal join result: %v", err)
		}
		return c.handleJoinResult(result)
	case messages.MessageTypeServerPatch:
		patch := &messages.ServerPatch{}
		if err := json.Unmarshal(msg.Payload, patch); err != nil {
			return fmt.Errorf("failed to unmarshal patch: %v", err)
		}
		return c.handlePatch(patch)
	case messages.MessageTypeServerRejected:
		rejected := &messages.ServerRejected{}
		if err := json.Unmarshal(msg.Payload, rejected); err != nil {
			return fmt.Errorf("failed to unmarshal rejection: %v", err)
		}
		return c.handleRejected(rejected)
	case messages.MessageTypeServerFullSnapshot:
		snapshot := &messages.ServerFullSnapshot{}
		if err := json.Unmarshal(msg.Payload, snapshot); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %v", err)
		}
		return c.handleFullSnapshot(snapshot)
	case messages.MessageTypeServerSessionStatus:
		status := &messages.ServerSessionStatus{}
		if err := json.Unmarshal(msg.Payload, status); err != nil {
			return fmt.Errorf("failed to unmarshal session status: %v", err)
		}
		return c.handleStatus(status)
	case messages.MessageTypeServerRedirect:
		redirect := &messages.ServerRedirect{}
		if err := json.Unmarshal(msg.Payload, redirect); err != nil {
			return fmt.Errorf("failed to unmarshal redirect: %v", err)
		}
		return c.handleRedirect(redirect)
	case messages.MessageTypeServerPong:
		return nil
	}
	return fmt.Errorf("unhandled message type: %s", msg.Type)
}

func (c *SessionClient) handleJoinResult(result *messages.ServerJoinResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clientID = result.ClientID
	c.joined = true
	c.status = result.Status
	c.sequence = result.Sequence
	if result.State != nil {
		c.state = result.State
	}
	// A join is a clean start, nothing optimistic can be in flight.
	c.pending = nil
	c.resyncing = false
	c.rebuildPrediction()
	return nil
}

func (c *SessionClient) handlePatch(patch *messages.ServerPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if patch.AckClientSeq != nil {
		c.prunePending(*patch.AckClientSeq)
	}

	if patch.ToSeq <= c.sequence {
		// A duplicate or a patch from before a resynchronization.
		return nil
	}

	next, err := patches.ApplyPatch(c.state, c.sequence, &patches.Patch{
		SessionID: patch.SessionID,
		FromSeq:   patch.FromSeq,
		ToSeq:     patch.ToSeq,
		Delta:     patch.Delta,
	})
	if err != nil {
		if patches.IsGapDetected(err) {
			log.Warn("Patch gap for session %s, requesting resync: %v", c.sessionID, err)
			return c.requestResync()
		}
		return err
	}

	c.state = next
	c.sequence = patch.ToSeq
	c.rebuildPrediction()
	return nil
}

func (c *SessionClient) handleRejected(rejected *messages.ServerRejected) error {
	c.mu.Lock()
	dropped := false
	for i, pa := range c.pending {
		if pa.clientSeq == rejected.ClientSeq {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			dropped = true
			break
		}
	}
	if dropped {
		c.rebuildPrediction()
	}
	var resyncErr error
	if rejected.Code == messages.RejectionCodeGapDetected {
		resyncErr = c.requestResync()
	}
	c.mu.Unlock()

	if c.onRejected != nil {
		c.onRejected(rejected)
	}
	return resyncErr
}

func (c *SessionClient) handleFullSnapshot(snapshot *messages.ServerFullSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = snapshot.State
	c.sequence = snapshot.Sequence
	c.status = snapshot.Status
	c.resyncing = false
	// In-flight actions are either already inside the snapshot or lost
	// with the missed patches. Replaying them against the rebuilt state
	// could double-apply, so optimistic tracking starts over.
	c.pending = nil
	c.rebuildPrediction()
	return nil
}

func (c *SessionClient) handleStatus(status *messages.ServerSessionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = status.Status
	c.winner = status.Winner
	c.disconnected = status.Disconnected
	return nil
}

func (c *SessionClient) handleRedirect(redirect *messages.ServerRedirect) error {
	c.mu.Lock()
	c.redirect = redirect
	c.mu.Unlock()

	if c.onRedirect != nil {
		c.onRedirect(redirect)
	}
	return nil
}

// prunePending drops acknowledged actions. The server acknowledges in
// submission order, so everything up to the acknowledged sequence is
// settled.
func (c *SessionClient) prunePending(ackClientSeq uint64) {
	kept := c.pending[:0]
	for _, pa := range c.pending {
		if pa.clientSeq > ackClientSeq {
			kept = append(kept, pa)
		}
	}
	c.pending = kept
}

// rebuildPrediction recomputes the predicted state by replaying pending
// actions on top of the authoritative state. Actions the rules refuse
// are skipped; the server's rejection will remove them.
func (c *SessionClient) rebuildPrediction() {
	if c.rules == nil || c.state == nil || len(c.pending) == 0 {
		c.predicted = c.state
		return
	}

	predicted := c.state
	for _, pa := range c.pending {
		result, err := c.rules.Apply(predicted, rules.Action{
			Participant: c.participantID,
			Payload:     pa.payload,
		})
		if err != nil {
			continue
		}
		predicted = result.State
	}
	c.predicted = predicted
}

func (c *SessionClient) requestResync() error {
	if c.resyncing {
		return nil
	}
	c.resyncing = true
	return c.send(messages.MessageTypeClientResyncRequest, &messages.ClientResyncRequest{
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
	})
}

func (c *SessionClient) send(messageType messages.MessageType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %v", messageType, err)
	}
	return c.transport.SendMessage(&messages.Message{
		ClientID: c.clientID,
		Type:     messageType,
		Payload:  raw,
	})
}

// State returns the last authoritative state and its sequence.
func (c *SessionClient) State() (json.RawMessage, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sequence
}

// PredictedState returns the state with unacknowledged actions applied.
func (c *SessionClient) PredictedState() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predicted
}

// Status returns the session lifecycle state and the winner, if any.
func (c *SessionClient) Status() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.winner
}

// Disconnected returns the participants the server reported as
// disconnected.
func (c *SessionClient) Disconnected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// ClientID returns the transport identity assigned at join.
func (c *SessionClient) ClientID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// PendingActions returns the number of unacknowledged actions.
func (c *SessionClient) PendingActions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Redirect returns the last redirect received, if any.
func (c *SessionClient) Redirect() *messages.ServerRedirect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirect
}
