package repositories

import (
	"context"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
)

type Repository interface {
	Close(ctx context.Context) error
	// SaveSnapshot upserts the durable snapshot for a session.
	SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error
	// LoadSnapshot returns the latest snapshot for a session, or
	// ErrNotFound if none has been written.
	LoadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error)
	// SavePatch appends a patch to the session's history. Saving the
	// same to_seq twice is a no-op so retries are safe.
	SavePatch(ctx context.Context, patch *patches.Patch) error
	// ListPatches returns up to limit patches starting at fromSeq in
	// ascending order.
	ListPatches(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]*patches.Patch, error)
}
