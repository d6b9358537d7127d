package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/repositories"
	"github.com/cbodonnell/governor/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRepository fails the next failures calls before recording writes.
type flakyRepository struct {
	mu        sync.Mutex
	failures  int
	patches   []*patches.Patch
	snapshots []*types.Snapshot
}

var _ repositories.Repository = &flakyRepository{}

func (r *flakyRepository) Close(ctx context.Context) error { return nil }

func (r *flakyRepository) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("store unavailable")
	}
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

func (r *flakyRepository) LoadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	return nil, &repositories.ErrNotFound{}
}

func (r *flakyRepository) SavePatch(ctx context.Context, patch *patches.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("store unavailable")
	}
	r.patches = append(r.patches, patch)
	return nil
}

func (r *flakyRepository) ListPatches(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]*patches.Patch, error) {
	return nil, nil
}

func (r *flakyRepository) setFailures(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *flakyRepository) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

type durableCall struct {
	sessionID string
	durable   bool
}

func TestDurabilityWriter_WriteThrough(t *testing.T) {
	kv := store.NewMemoryKV()
	repo := &flakyRepository{}
	writer := NewDurabilityWriter(NewDurabilityWriterOptions{
		KV:         kv,
		Repository: repo,
	})

	snapshot := &types.Snapshot{
		SessionID: "session-1",
		Status:    types.StatusActive,
		Sequence:  1,
	}
	writer.process(context.Background(), DurabilityRequest{
		SessionID: "session-1",
		Patch: &patches.Patch{
			SessionID: "session-1",
			FromSeq:   0,
			ToSeq:     1,
			Delta:     json.RawMessage(`{"total":3}`),
		},
		Snapshot: snapshot,
	})

	require.Len(t, repo.patches, 1)
	assert.Equal(t, uint64(1), repo.patches[0].ToSeq)
	// Without Persist the snapshot only reaches the shared store.
	assert.Empty(t, repo.snapshots)

	raw, err := kv.Get(context.Background(), types.StateKey("session-1"))
	require.NoError(t, err)
	stored := &types.Snapshot{}
	require.NoError(t, json.Unmarshal(raw, stored))
	assert.Equal(t, uint64(1), stored.Sequence)
	assert.Equal(t, types.StatusActive, stored.Status)
}

func TestDurabilityWriter_PersistSavesLongTerm(t *testing.T) {
	kv := store.NewMemoryKV()
	repo := &flakyRepository{}
	writer := NewDurabilityWriter(NewDurabilityWriterOptions{
		KV:         kv,
		Repository: repo,
	})

	writer.process(context.Background(), DurabilityRequest{
		SessionID: "session-1",
		Snapshot:  &types.Snapshot{SessionID: "session-1", Sequence: 4},
		Persist:   true,
	})

	require.Len(t, repo.snapshots, 1)
	assert.Equal(t, uint64(4), repo.snapshots[0].Sequence)
	_, err := kv.Get(context.Background(), types.StateKey("session-1"))
	assert.NoError(t, err)
}

func TestDurabilityWriter_RetryRecovers(t *testing.T) {
	kv := store.NewMemoryKV()
	repo := &flakyRepository{failures: 2}
	calls := []durableCall{}
	writer := NewDurabilityWriter(NewDurabilityWriterOptions{
		KV:         kv,
		Repository: repo,
		OnDurable: func(sessionID string, durable bool) {
			calls = append(calls, durableCall{sessionID, durable})
		},
	})

	writer.process(context.Background(), DurabilityRequest{
		SessionID: "session-1",
		Snapshot:  &types.Snapshot{SessionID: "session-1", Sequence: 1},
		Persist:   true,
	})

	require.Len(t, repo.snapshots, 1)
	assert.Empty(t, calls, "a write that succeeds within the retry budget is still durable")
}

func TestDurabilityWriter_ExhaustionReportedOnce(t *testing.T) {
	kv := store.NewMemoryKV()
	repo := &flakyRepository{failures: 100}
	calls := []durableCall{}
	writer := NewDurabilityWriter(NewDurabilityWriterOptions{
		KV:         kv,
		Repository: repo,
		OnDurable: func(sessionID string, durable bool) {
			calls = append(calls, durableCall{sessionID, durable})
		},
	})

	request := DurabilityRequest{
		SessionID: "session-1",
		Snapshot:  &types.Snapshot{SessionID: "session-1", Sequence: 1},
		Persist:   true,
	}
	writer.process(context.Background(), request)
	writer.process(context.Background(), request)

	require.Len(t, calls, 1, "repeated failures report non-durable once")
	assert.Equal(t, durableCall{"session-1", false}, calls[0])

	repo.setFailures(0)
	writer.process(context.Background(), request)

	require.Len(t, calls, 2)
	assert.Equal(t, durableCall{"session-1", true}, calls[1])
	assert.Len(t, repo.snapshots, 1)
}

type staticSnapshotSource struct {
	snapshots []*types.Snapshot
}

func (s *staticSnapshotSource) Snapshots() []*types.Snapshot {
	return s.snapshots
}

func TestDurabilityWriter_PeriodicSnapshots(t *testing.T) {
	kv := store.NewMemoryKV()
	repo := &flakyRepository{}
	requestChan := make(chan DurabilityRequest, DurabilityChannelSize)
	writer := NewDurabilityWriter(NewDurabilityWriterOptions{
		KV:          kv,
		Repository:  repo,
		RequestChan: requestChan,
		SnapshotSource: &staticSnapshotSource{
			snapshots: []*types.Snapshot{
				{SessionID: "session-1", Status: types.StatusActive, Sequence: 4},
			},
		},
		SnapshotInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for repo.snapshotCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a periodic snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
