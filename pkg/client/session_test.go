package client

import (
	"encoding/json"
	"testing"

	"github.com/cbodonnell/governor/pkg/messages"
	"github.com/cbodonnell/governor/pkg/rules/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	sent []*messages.Message
}

func (s *stubTransport) SendMessage(msg *messages.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubTransport) sentOfType(messageType messages.MessageType) []*messages.Message {
	matched := []*messages.Message{}
	for _, msg := range s.sent {
		if msg.Type == messageType {
			matched = append(matched, msg)
		}
	}
	return matched
}

func envelope(t *testing.T, messageType messages.MessageType, payload interface{}) *messages.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &messages.Message{Type: messageType, Payload: raw}
}

func joinedClient(t *testing.T, transport *stubTransport, state json.RawMessage, sequence uint64, opts NewSessionClientOptions) *SessionClient {
	t.Helper()
	opts.SessionID = "m1"
	opts.ParticipantID = "p1"
	opts.Transport = transport
	c := NewSessionClient(opts)
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerJoinResult, &messages.ServerJoinResult{
		ClientID:      7,
		SessionID:     "m1",
		ParticipantID: "p1",
		Status:        "active",
		Sequence:      sequence,
		State:         state,
	})))
	return c
}

func TestSessionClient_JoinAndPatches(t *testing.T) {
	transport := &stubTransport{}
	c := NewSessionClient(NewSessionClientOptions{
		SessionID:     "m1",
		ParticipantID: "p1",
		Token:         "tok",
		Transport:     transport,
	})

	require.NoError(t, c.Join())
	joins := transport.sentOfType(messages.MessageTypeClientJoinSession)
	require.Len(t, joins, 1)
	join := &messages.ClientJoinSession{}
	require.NoError(t, json.Unmarshal(joins[0].Payload, join))
	assert.Equal(t, "m1", join.SessionID)
	assert.Equal(t, "p1", join.ParticipantID)
	assert.Equal(t, "tok", join.Token)

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerJoinResult, &messages.ServerJoinResult{
		ClientID: 7,
		Status:   "active",
		Sequence: 0,
		State:    json.RawMessage(`{"total":0}`),
	})))
	assert.Equal(t, uint32(7), c.ClientID())

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 0, ToSeq: 1, Delta: json.RawMessage(`{"total":3}`),
	})))
	state, sequence := c.State()
	assert.Equal(t, uint64(1), sequence)
	assert.JSONEq(t, `{"total":3}`, string(state))

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 1, ToSeq: 2, Delta: json.RawMessage(`{"total":8}`),
	})))
	state, sequence = c.State()
	assert.Equal(t, uint64(2), sequence)
	assert.JSONEq(t, `{"total":8}`, string(state))

	// A duplicate delivery is ignored.
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 0, ToSeq: 1, Delta: json.RawMessage(`{"total":3}`),
	})))
	state, sequence = c.State()
	assert.Equal(t, uint64(2), sequence)
	assert.JSONEq(t, `{"total":8}`, string(state))
}

func TestSessionClient_GapTriggersResync(t *testing.T) {
	transport := &stubTransport{}
	c := joinedClient(t, transport, json.RawMessage(`{"total":3}`), 1, NewSessionClientOptions{})

	// Sequence 2 never arrives.
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 2, ToSeq: 3, Delta: json.RawMessage(`{"total":9}`),
	})))

	resyncs := transport.sentOfType(messages.MessageTypeClientResyncRequest)
	require.Len(t, resyncs, 1)
	resync := &messages.ClientResyncRequest{}
	require.NoError(t, json.Unmarshal(resyncs[0].Payload, resync))
	assert.Equal(t, "m1", resync.SessionID)
	assert.Equal(t, "p1", resync.ParticipantID)

	// The gapped patch is not applied.
	state, sequence := c.State()
	assert.Equal(t, uint64(1), sequence)
	assert.JSONEq(t, `{"total":3}`, string(state))

	// Another gap while a resync is in flight does not send a second
	// request.
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 3, ToSeq: 4, Delta: json.RawMessage(`{"total":12}`),
	})))
	assert.Len(t, transport.sentOfType(messages.MessageTypeClientResyncRequest), 1)

	// The snapshot resolves the resync and is always complete.
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerFullSnapshot, &messages.ServerFullSnapshot{
		SessionID: "m1", Status: "active", Sequence: 4, State: json.RawMessage(`{"total":12}`),
	})))
	state, sequence = c.State()
	assert.Equal(t, uint64(4), sequence)
	assert.JSONEq(t, `{"total":12}`, string(state))

	// After recovery a new gap starts a new resync.
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID: "m1", FromSeq: 6, ToSeq: 7, Delta: json.RawMessage(`{"total":20}`),
	})))
	assert.Len(t, transport.sentOfType(messages.MessageTypeClientResyncRequest), 2)
}

func TestSessionClient_OptimisticPrediction(t *testing.T) {
	engineRules := tally.NewEngine(tally.NewEngineOptions{Target: 20, MaxStep: 5})
	initial, err := engineRules.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	transport := &stubTransport{}
	c := joinedClient(t, transport, initial, 0, NewSessionClientOptions{Rules: engineRules})

	payload, _ := json.Marshal(map[string]interface{}{"type": "add", "amount": 3})
	clientSeq, err := c.SubmitAction(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), clientSeq)
	assert.Equal(t, 1, c.PendingActions())

	// The submitted action carries the assigned client sequence.
	actions := transport.sentOfType(messages.MessageTypeClientAction)
	require.Len(t, actions, 1)
	action := &messages.ClientAction{}
	require.NoError(t, json.Unmarshal(actions[0].Payload, action))
	assert.Equal(t, uint64(1), action.ClientSeq)

	// The prediction runs ahead of the authoritative state.
	predicted := tally.State{}
	require.NoError(t, json.Unmarshal(c.PredictedState(), &predicted))
	assert.Equal(t, 3, predicted.Total)
	authoritative := tally.State{}
	state, _ := c.State()
	require.NoError(t, json.Unmarshal(state, &authoritative))
	assert.Equal(t, 0, authoritative.Total)

	// The acknowledgement settles the action and the states converge.
	ack := uint64(1)
	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerPatch, &messages.ServerPatch{
		SessionID:    "m1",
		FromSeq:      0,
		ToSeq:        1,
		Delta:        json.RawMessage(`{"total":3,"moves":1,"turn":"p2"}`),
		AckClientSeq: &ack,
	})))
	assert.Equal(t, 0, c.PendingActions())
	state, sequence := c.State()
	assert.Equal(t, uint64(1), sequence)
	assert.JSONEq(t, string(state), string(c.PredictedState()))
}

func TestSessionClient_RejectedActionRollsBack(t *testing.T) {
	engineRules := tally.NewEngine(tally.NewEngineOptions{Target: 20, MaxStep: 5})
	initial, err := engineRules.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	var rejected *messages.ServerRejected
	transport := &stubTransport{}
	c := joinedClient(t, transport, initial, 0, NewSessionClientOptions{
		Rules:      engineRules,
		OnRejected: func(r *messages.ServerRejected) { rejected = r },
	})

	payload, _ := json.Marshal(map[string]interface{}{"type": "add", "amount": 3})
	clientSeq, err := c.SubmitAction(payload)
	require.NoError(t, err)

	predicted := tally.State{}
	require.NoError(t, json.Unmarshal(c.PredictedState(), &predicted))
	require.Equal(t, 3, predicted.Total)

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerRejected, &messages.ServerRejected{
		SessionID: "m1",
		ClientSeq: clientSeq,
		Code:      messages.RejectionCodeValidation,
		Reason:    "not p1's turn",
	})))

	assert.Equal(t, 0, c.PendingActions())
	state, _ := c.State()
	assert.JSONEq(t, string(state), string(c.PredictedState()))
	require.NotNil(t, rejected)
	assert.Equal(t, "not p1's turn", rejected.Reason)
}

func TestSessionClient_StatusAndRedirect(t *testing.T) {
	var redirected *messages.ServerRedirect
	transport := &stubTransport{}
	c := joinedClient(t, transport, json.RawMessage(`{"total":0}`), 0, NewSessionClientOptions{
		OnRedirect: func(r *messages.ServerRedirect) { redirected = r },
	})

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerSessionStatus, &messages.ServerSessionStatus{
		SessionID:    "m1",
		Status:       "paused",
		Disconnected: []string{"p2"},
	})))
	status, winner := c.Status()
	assert.Equal(t, "paused", status)
	assert.Empty(t, winner)
	assert.Equal(t, []string{"p2"}, c.Disconnected())

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerSessionStatus, &messages.ServerSessionStatus{
		SessionID: "m1",
		Status:    "completed",
		Winner:    "p1",
	})))
	status, winner = c.Status()
	assert.Equal(t, "completed", status)
	assert.Equal(t, "p1", winner)

	require.NoError(t, c.HandleMessage(envelope(t, messages.MessageTypeServerRedirect, &messages.ServerRedirect{
		SessionID: "m1",
		Owner:     "process-b",
		Addr:      "process-b:8888",
	})))
	require.NotNil(t, redirected)
	assert.Equal(t, "process-b:8888", redirected.Addr)
	require.NotNil(t, c.Redirect())
	assert.Equal(t, "process-b", c.Redirect().Owner)
}

func TestSessionClient_SubmitBeforeJoin(t *testing.T) {
	c := NewSessionClient(NewSessionClientOptions{
		SessionID:     "m1",
		ParticipantID: "p1",
		Transport:     &stubTransport{},
	})

	_, err := c.SubmitAction(json.RawMessage(`{"type":"add","amount":3}`))
	require.Error(t, err)
}
