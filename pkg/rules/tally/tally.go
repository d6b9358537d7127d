package tally

import (
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/governor/pkg/rules"
)

// Engine implements a turn-based counting game. Participants take turns
// adding between 1 and MaxStep to a shared total, and the participant
// who lands the total exactly on Target wins. It exists as the built-in
// reference game and as the workload for tests.
type Engine struct {
	target  int
	maxStep int
}

type NewEngineOptions struct {
	// Target is the total that ends the game. Defaults to 100.
	Target int
	// MaxStep is the largest amount a single move may add. Defaults to 10.
	MaxStep int
}

func NewEngine(opts NewEngineOptions) *Engine {
	target := opts.Target
	if target == 0 {
		target = 100
	}
	maxStep := opts.MaxStep
	if maxStep == 0 {
		maxStep = 10
	}
	return &Engine{
		target:  target,
		maxStep: maxStep,
	}
}

// State is the complete game state. It is marshaled as the session
// state document, so field changes here are wire-visible.
type State struct {
	Order     []string        `json:"order"`
	Turn      string          `json:"turn"`
	Total     int             `json:"total"`
	Target    int             `json:"target"`
	MaxStep   int             `json:"maxStep"`
	Moves     int             `json:"moves"`
	Winner    string          `json:"winner,omitempty"`
	Forfeited map[string]bool `json:"forfeited,omitempty"`
}

type movePayload struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

func (e *Engine) InitialState(participants []string) (json.RawMessage, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("need at least 2 participants, got %d", len(participants))
	}
	order := make([]string, len(participants))
	copy(order, participants)
	state := State{
		Order:   order,
		Turn:    order[0],
		Target:  e.target,
		MaxStep: e.maxStep,
	}
	return json.Marshal(state)
}

func (e *Engine) Apply(stateRaw json.RawMessage, action rules.Action) (*rules.Result, error) {
	state := State{}
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %v", err)
	}

	if state.Winner != "" {
		return nil, rules.Reject("game is already over")
	}

	if rules.IsForfeit(action) {
		return e.applyForfeit(state, action.Participant)
	}

	payload := movePayload{}
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return nil, rules.Reject("malformed action payload")
	}
	if payload.Type != "add" {
		return nil, rules.Reject("unknown action type %q", payload.Type)
	}
	if state.Forfeited[action.Participant] {
		return nil, rules.Reject("participant %s has forfeited", action.Participant)
	}
	if action.Participant != state.Turn {
		return nil, rules.Reject("not %s's turn", action.Participant)
	}
	if payload.Amount < 1 || payload.Amount > state.MaxStep {
		return nil, rules.Reject("amount must be between 1 and %d", state.MaxStep)
	}
	if state.Total+payload.Amount > state.Target {
		return nil, rules.Reject("amount would overshoot the target")
	}

	state.Total += payload.Amount
	state.Moves++
	if state.Total == state.Target {
		state.Winner = action.Participant
		state.Turn = ""
	} else {
		state.Turn = e.nextTurn(state, action.Participant)
	}

	nextRaw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %v", err)
	}

	delta := map[string]interface{}{
		"total": state.Total,
		"moves": state.Moves,
		"turn":  state.Turn,
	}
	if state.Winner != "" {
		delta["winner"] = state.Winner
	}
	deltaRaw, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delta: %v", err)
	}

	return &rules.Result{
		State:     nextRaw,
		Delta:     deltaRaw,
		Completed: state.Winner != "",
		Winner:    state.Winner,
	}, nil
}

func (e *Engine) applyForfeit(state State, participant string) (*rules.Result, error) {
	if state.Forfeited[participant] {
		return nil, rules.Reject("participant %s has already forfeited", participant)
	}
	if !e.inGame(state, participant) {
		return nil, rules.Reject("participant %s is not in the game", participant)
	}

	if state.Forfeited == nil {
		state.Forfeited = make(map[string]bool)
	} else {
		forfeited := make(map[string]bool, len(state.Forfeited)+1)
		for k, v := range state.Forfeited {
			forfeited[k] = v
		}
		state.Forfeited = forfeited
	}
	state.Forfeited[participant] = true

	delta := map[string]interface{}{
		"forfeited": map[string]bool{participant: true},
	}

	remaining := e.remaining(state)
	if len(remaining) == 1 {
		state.Winner = remaining[0]
		state.Turn = ""
		delta["winner"] = state.Winner
		delta["turn"] = ""
	} else if state.Turn == participant {
		state.Turn = e.nextTurn(state, participant)
		delta["turn"] = state.Turn
	}

	nextRaw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %v", err)
	}
	deltaRaw, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delta: %v", err)
	}

	return &rules.Result{
		State:     nextRaw,
		Delta:     deltaRaw,
		Completed: state.Winner != "",
		Winner:    state.Winner,
	}, nil
}

func (e *Engine) inGame(state State, participant string) bool {
	for _, p := range state.Order {
		if p == participant {
			return true
		}
	}
	return false
}

func (e *Engine) remaining(state State) []string {
	remaining := make([]string, 0, len(state.Order))
	for _, p := range state.Order {
		if !state.Forfeited[p] {
			remaining = append(remaining, p)
		}
	}
	return remaining
}

// nextTurn returns the next participant after from who has not
// forfeited.
func (e *Engine) nextTurn(state State, from string) string {
	start := 0
	for i, p := range state.Order {
		if p == from {
			start = i
			break
		}
	}
	for i := 1; i <= len(state.Order); i++ {
		candidate := state.Order[(start+i)%len(state.Order)]
		if !state.Forfeited[candidate] {
			return candidate
		}
	}
	return ""
}
