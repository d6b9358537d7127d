package tally

import (
	"encoding/json"
	"testing"

	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_InitialState(t *testing.T) {
	e := NewEngine(NewEngineOptions{})

	raw, err := e.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	state := State{}
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, []string{"p1", "p2"}, state.Order)
	assert.Equal(t, "p1", state.Turn)
	assert.Equal(t, 0, state.Total)
	assert.Equal(t, 100, state.Target)
	assert.Equal(t, 10, state.MaxStep)
}

func TestEngine_InitialStateTooFewParticipants(t *testing.T) {
	e := NewEngine(NewEngineOptions{})
	_, err := e.InitialState([]string{"p1"})
	assert.Error(t, err)
}

func TestEngine_Apply(t *testing.T) {
	e := NewEngine(NewEngineOptions{})
	initial, err := e.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	testCases := []struct {
		name       string
		action     rules.Action
		wantReason string
		check      func(t *testing.T, state State)
	}{
		{
			name:   "valid move advances state",
			action: rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":7}`)},
			check: func(t *testing.T, state State) {
				assert.Equal(t, 7, state.Total)
				assert.Equal(t, 1, state.Moves)
				assert.Equal(t, "p2", state.Turn)
				assert.Empty(t, state.Winner)
			},
		},
		{
			name:       "out of turn",
			action:     rules.Action{Participant: "p2", Payload: json.RawMessage(`{"type":"add","amount":3}`)},
			wantReason: "not p2's turn",
		},
		{
			name:       "amount too small",
			action:     rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":0}`)},
			wantReason: "amount must be between 1 and 10",
		},
		{
			name:       "amount too large",
			action:     rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":11}`)},
			wantReason: "amount must be between 1 and 10",
		},
		{
			name:       "unknown action type",
			action:     rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"discard"}`)},
			wantReason: `unknown action type "discard"`,
		},
		{
			name:       "malformed payload",
			action:     rules.Action{Participant: "p1", Payload: json.RawMessage(`not json`)},
			wantReason: "malformed action payload",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := e.Apply(initial, tc.action)
			if tc.wantReason != "" {
				require.Error(t, err)
				require.True(t, rules.IsRejected(err))
				assert.Equal(t, tc.wantReason, err.Error())
				return
			}
			require.NoError(t, err)
			state := State{}
			require.NoError(t, json.Unmarshal(result.State, &state))
			tc.check(t, state)
		})
	}
}

func TestEngine_Overshoot(t *testing.T) {
	e := NewEngine(NewEngineOptions{Target: 10, MaxStep: 10})
	initial, err := e.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	result, err := e.Apply(initial, rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":6}`)})
	require.NoError(t, err)

	_, err = e.Apply(result.State, rules.Action{Participant: "p2", Payload: json.RawMessage(`{"type":"add","amount":5}`)})
	require.Error(t, err)
	assert.True(t, rules.IsRejected(err))
	assert.Equal(t, "amount would overshoot the target", err.Error())
}

func TestEngine_Win(t *testing.T) {
	e := NewEngine(NewEngineOptions{Target: 10, MaxStep: 10})
	initial, err := e.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	result, err := e.Apply(initial, rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":10}`)})
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "p1", result.Winner)

	_, err = e.Apply(result.State, rules.Action{Participant: "p2", Payload: json.RawMessage(`{"type":"add","amount":1}`)})
	require.Error(t, err)
	assert.True(t, rules.IsRejected(err))
}

func TestEngine_Forfeit(t *testing.T) {
	e := NewEngine(NewEngineOptions{})
	initial, err := e.InitialState([]string{"p1", "p2", "p3"})
	require.NoError(t, err)

	// A forfeit out of turn marks the participant without moving the turn.
	result, err := e.Apply(initial, rules.ForfeitAction("p2"))
	require.NoError(t, err)
	assert.False(t, result.Completed)

	state := State{}
	require.NoError(t, json.Unmarshal(result.State, &state))
	assert.True(t, state.Forfeited["p2"])
	assert.Equal(t, "p1", state.Turn)

	// The turn skips forfeited participants.
	result, err = e.Apply(result.State, rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":2}`)})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(result.State, &state))
	assert.Equal(t, "p3", state.Turn)

	// When only one participant remains they win.
	result, err = e.Apply(result.State, rules.ForfeitAction("p3"))
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "p1", result.Winner)
}

func TestEngine_ForfeitedCannotMove(t *testing.T) {
	e := NewEngine(NewEngineOptions{})
	initial, err := e.InitialState([]string{"p1", "p2", "p3"})
	require.NoError(t, err)

	result, err := e.Apply(initial, rules.ForfeitAction("p1"))
	require.NoError(t, err)

	_, err = e.Apply(result.State, rules.Action{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":2}`)})
	require.Error(t, err)
	assert.True(t, rules.IsRejected(err))
}

func TestEngine_ForfeitTwice(t *testing.T) {
	e := NewEngine(NewEngineOptions{})
	initial, err := e.InitialState([]string{"p1", "p2", "p3"})
	require.NoError(t, err)

	result, err := e.Apply(initial, rules.ForfeitAction("p2"))
	require.NoError(t, err)

	_, err = e.Apply(result.State, rules.ForfeitAction("p2"))
	require.Error(t, err)
	assert.True(t, rules.IsRejected(err))
}

// The engine's precomputed deltas must reproduce the exact state it
// returns, or replicas applying patches would diverge from the server.
func TestEngine_DeltaMatchesState(t *testing.T) {
	e := NewEngine(NewEngineOptions{Target: 10, MaxStep: 10})
	state, err := e.InitialState([]string{"p1", "p2"})
	require.NoError(t, err)

	actions := []rules.Action{
		{Participant: "p1", Payload: json.RawMessage(`{"type":"add","amount":4}`)},
		{Participant: "p2", Payload: json.RawMessage(`{"type":"add","amount":2}`)},
		rules.ForfeitAction("p2"),
	}

	for _, action := range actions {
		result, err := e.Apply(state, action)
		require.NoError(t, err)
		require.NotNil(t, result.Delta)

		patched, err := patches.Apply(state, result.Delta)
		require.NoError(t, err)
		assert.JSONEq(t, string(result.State), string(patched))

		state = result.State
	}
}
