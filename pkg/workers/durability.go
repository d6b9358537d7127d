package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/cbodonnell/governor/pkg/repositories"
	"github.com/cbodonnell/governor/pkg/store"
)

const (
	// DurabilityChannelSize bounds the number of pending write requests.
	DurabilityChannelSize = 1024
	// DurabilityMaxRetries is the retry budget for a single write.
	DurabilityMaxRetries = 3
	// DurabilityRetryBackoff is the base delay between retries. It
	// doubles with each attempt.
	DurabilityRetryBackoff = 100 * time.Millisecond
)

// DurabilityRequest asks the writer to persist part of a session.
// Patch is appended to the session's durable history. Snapshot is
// written through to the shared store so another process can take the
// session over; with Persist set it is also saved to long-term storage.
type DurabilityRequest struct {
	SessionID string
	Patch     *patches.Patch
	Snapshot  *types.Snapshot
	Persist   bool
}

// SnapshotSource provides current snapshots of all live sessions for
// the periodic long-term snapshot pass.
type SnapshotSource interface {
	Snapshots() []*types.Snapshot
}

// DurabilityWriter persists session history and snapshots without ever
// blocking action acceptance. Failed writes are retried with backoff;
// when the budget is exhausted the session is reported non-durable but
// keeps playing from memory.
type DurabilityWriter struct {
	kv               store.KV
	repository       repositories.Repository
	requestChan      <-chan DurabilityRequest
	snapshotSource   SnapshotSource
	snapshotInterval time.Duration
	onDurable        func(sessionID string, durable bool)

	// nonDurable tracks sessions whose last write exhausted the retry
	// budget, so recovery is only reported once.
	nonDurable map[string]bool
}

type NewDurabilityWriterOptions struct {
	KV               store.KV
	Repository       repositories.Repository
	RequestChan      <-chan DurabilityRequest
	SnapshotSource   SnapshotSource
	SnapshotInterval time.Duration
	// OnDurable is called when a session's durability changes.
	OnDurable func(sessionID string, durable bool)
}

// NewDurabilityWriter creates a new DurabilityWriter.
// The worker processes write requests from the session engine and
// periodically saves full snapshots of all live sessions.
func NewDurabilityWriter(opts NewDurabilityWriterOptions) *DurabilityWriter {
	return &DurabilityWriter{
		kv:               opts.KV,
		repository:       opts.Repository,
		requestChan:      opts.RequestChan,
		snapshotSource:   opts.SnapshotSource,
		snapshotInterval: opts.SnapshotInterval,
		onDurable:        opts.OnDurable,
		nonDurable:       make(map[string]bool),
	}
}

func (w *DurabilityWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case request := <-w.requestChan:
			w.process(ctx, request)
		case <-ticker.C:
			for _, snapshot := range w.snapshotSource.Snapshots() {
				w.process(ctx, DurabilityRequest{
					SessionID: snapshot.SessionID,
					Snapshot:  snapshot,
					Persist:   true,
				})
			}
		}
	}
}

func (w *DurabilityWriter) process(ctx context.Context, request DurabilityRequest) {
	err := w.writeWithRetry(ctx, request)
	if err != nil {
		log.Error("Durability retry budget exhausted for session %s: %v", request.SessionID, err)
		if !w.nonDurable[request.SessionID] {
			w.nonDurable[request.SessionID] = true
			w.reportDurable(request.SessionID, false)
		}
		return
	}
	if w.nonDurable[request.SessionID] {
		delete(w.nonDurable, request.SessionID)
		w.reportDurable(request.SessionID, true)
	}
}

func (w *DurabilityWriter) writeWithRetry(ctx context.Context, request DurabilityRequest) error {
	backoff := DurabilityRetryBackoff
	var err error
	for attempt := 0; attempt <= DurabilityMaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("Retrying durable write for session %s (attempt %d of %d): %v", request.SessionID, attempt, DurabilityMaxRetries, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = w.write(ctx, request); err == nil {
			return nil
		}
	}
	return err
}

func (w *DurabilityWriter) write(ctx context.Context, request DurabilityRequest) error {
	if request.Patch != nil {
		if err := w.repository.SavePatch(ctx, request.Patch); err != nil {
			return err
		}
	}
	if request.Snapshot != nil {
		raw, err := json.Marshal(request.Snapshot)
		if err != nil {
			return err
		}
		if err := w.kv.Set(ctx, types.StateKey(request.SessionID), raw, 0); err != nil {
			return err
		}
		if request.Persist {
			if err := w.repository.SaveSnapshot(ctx, request.Snapshot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *DurabilityWriter) reportDurable(sessionID string, durable bool) {
	if w.onDurable != nil {
		w.onDurable(sessionID, durable)
	}
}
