package patches

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Patch is the delta between two consecutive session states. Applying
// Delta to the state at FromSeq yields the state at ToSeq. Deltas are
// JSON merge patches (RFC 7386): absent fields are unchanged, null
// fields are removed, everything else is replaced.
type Patch struct {
	SessionID string          `json:"sessionId"`
	FromSeq   uint64          `json:"fromSeq"`
	ToSeq     uint64          `json:"toSeq"`
	Delta     json.RawMessage `json:"delta"`
}

// ErrGapDetected is returned when a patch does not apply to the state
// the receiver currently holds. The receiver must request a full
// snapshot rather than guess at intermediate states.
type ErrGapDetected struct {
	SessionID string
	Want      uint64
	Got       uint64
}

func (e *ErrGapDetected) Error() string {
	return fmt.Sprintf("patch gap for session %s: have sequence %d, patch is from %d", e.SessionID, e.Want, e.Got)
}

func IsGapDetected(err error) bool {
	_, ok := err.(*ErrGapDetected)
	return ok
}

// Diff computes the merge patch transforming prior into next. Equal
// documents produce an empty patch.
func Diff(prior, next json.RawMessage) (json.RawMessage, error) {
	var priorDoc, nextDoc interface{}
	if err := json.Unmarshal(prior, &priorDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %v", err)
	}
	if err := json.Unmarshal(next, &nextDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal next state: %v", err)
	}

	priorMap, priorOK := priorDoc.(map[string]interface{})
	nextMap, nextOK := nextDoc.(map[string]interface{})
	if !priorOK || !nextOK {
		// Non-object documents can only be replaced wholesale.
		return json.Marshal(nextDoc)
	}

	delta, err := json.Marshal(diffMaps(priorMap, nextMap))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delta: %v", err)
	}
	return delta, nil
}

func diffMaps(prior, next map[string]interface{}) map[string]interface{} {
	delta := make(map[string]interface{})
	for key, nextValue := range next {
		priorValue, ok := prior[key]
		if !ok {
			delta[key] = nextValue
			continue
		}
		if reflect.DeepEqual(priorValue, nextValue) {
			continue
		}
		priorChild, priorIsMap := priorValue.(map[string]interface{})
		nextChild, nextIsMap := nextValue.(map[string]interface{})
		if priorIsMap && nextIsMap {
			delta[key] = diffMaps(priorChild, nextChild)
			continue
		}
		delta[key] = nextValue
	}
	for key := range prior {
		if _, ok := next[key]; !ok {
			delta[key] = nil
		}
	}
	return delta
}

// Apply applies a merge patch to a document and returns the result.
func Apply(doc, delta json.RawMessage) (json.RawMessage, error) {
	var target, patch interface{}
	if err := json.Unmarshal(doc, &target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %v", err)
	}
	if err := json.Unmarshal(delta, &patch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delta: %v", err)
	}

	merged, err := json.Marshal(mergePatch(target, patch))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged state: %v", err)
	}
	return merged, nil
}

func mergePatch(target, patch interface{}) interface{} {
	patchMap, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	targetMap, ok := target.(map[string]interface{})
	if !ok {
		targetMap = make(map[string]interface{})
	}
	for key, value := range patchMap {
		if value == nil {
			delete(targetMap, key)
			continue
		}
		targetMap[key] = mergePatch(targetMap[key], value)
	}
	return targetMap
}

// ApplyPatch advances a document held at sequence haveSeq. It returns
// ErrGapDetected unless the patch starts exactly at haveSeq.
func ApplyPatch(doc json.RawMessage, haveSeq uint64, patch *Patch) (json.RawMessage, error) {
	if patch.FromSeq != haveSeq {
		return nil, &ErrGapDetected{
			SessionID: patch.SessionID,
			Want:      haveSeq,
			Got:       patch.FromSeq,
		}
	}
	return Apply(doc, patch.Delta)
}
