package repositories

import (
	"context"
	"sort"
	"sync"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
)

// MemoryRepository keeps snapshots and patch history in process memory.
// It backs single-process runs without a database and the test suites.
type MemoryRepository struct {
	lock      sync.RWMutex
	snapshots map[string]*types.Snapshot
	history   map[string][]*patches.Patch
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[string]*types.Snapshot),
		history:   make(map[string][]*patches.Patch),
	}
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	copied := *snapshot
	r.snapshots[snapshot.SessionID] = &copied
	return nil
}

func (r *MemoryRepository) LoadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	snapshot, ok := r.snapshots[sessionID]
	if !ok {
		return nil, &ErrNotFound{}
	}
	copied := *snapshot
	return &copied, nil
}

func (r *MemoryRepository) SavePatch(ctx context.Context, patch *patches.Patch) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, existing := range r.history[patch.SessionID] {
		if existing.ToSeq == patch.ToSeq {
			return nil
		}
	}
	copied := *patch
	r.history[patch.SessionID] = append(r.history[patch.SessionID], &copied)
	sort.Slice(r.history[patch.SessionID], func(i, j int) bool {
		return r.history[patch.SessionID][i].ToSeq < r.history[patch.SessionID][j].ToSeq
	})
	return nil
}

func (r *MemoryRepository) ListPatches(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]*patches.Patch, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	listed := make([]*patches.Patch, 0)
	for _, patch := range r.history[sessionID] {
		if patch.FromSeq < fromSeq {
			continue
		}
		copied := *patch
		listed = append(listed, &copied)
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}
