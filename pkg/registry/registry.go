package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/store"
)

// Lease is a time-bounded exclusive ownership grant over a session.
// The record stored in the shared KV carries the owner's advertised
// address so other processes can redirect clients to it.
type Lease struct {
	SessionID string    `json:"sessionId"`
	Owner     string    `json:"owner"`
	Addr      string    `json:"addr"`
	Expiry    time.Time `json:"expiry"`
}

func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.Expiry)
}

// ErrLeaseDenied is returned when another process holds a live lease.
type ErrLeaseDenied struct {
	SessionID string
	Owner     string
	Addr      string
}

func (e *ErrLeaseDenied) Error() string {
	return fmt.Sprintf("lease for session %s is held by %s", e.SessionID, e.Owner)
}

func IsLeaseDenied(err error) bool {
	_, ok := err.(*ErrLeaseDenied)
	return ok
}

// ErrLeaseExpired is returned when a renewal finds the lease no longer ours.
type ErrLeaseExpired struct {
	SessionID string
}

func (e *ErrLeaseExpired) Error() string {
	return fmt.Sprintf("lease for session %s has expired", e.SessionID)
}

func IsLeaseExpired(err error) bool {
	_, ok := err.(*ErrLeaseExpired)
	return ok
}

type heldLease struct {
	lease Lease
	// raw is the exact value written to the store, used as the compare
	// operand for renewal and release.
	raw []byte
}

// Registry assigns ownership of sessions to processes via leases in the
// shared store. Acquisition is a conditional write (set-if-absent, or
// compare-and-swap over an expired record), which guarantees at most one
// live lease per session across all processes.
type Registry struct {
	kv              store.KV
	owner           string
	addr            string
	ttl             time.Duration
	renewalInterval time.Duration
	onLeaseLost     func(sessionID string)

	lock sync.Mutex
	held map[string]*heldLease
	now  func() time.Time
}

type NewRegistryOptions struct {
	KV    store.KV
	Owner string
	Addr  string
	// TTL is the lease lifetime. It should be at least three times the
	// renewal interval so a transiently slow renewal does not lose a
	// healthy session.
	TTL             time.Duration
	RenewalInterval time.Duration
	// OnLeaseLost is called when a renewal discovers the lease is gone.
	// The session must stop being served locally.
	OnLeaseLost func(sessionID string)
}

func NewRegistry(opts NewRegistryOptions) *Registry {
	return &Registry{
		kv:              opts.KV,
		owner:           opts.Owner,
		addr:            opts.Addr,
		ttl:             opts.TTL,
		renewalInterval: opts.RenewalInterval,
		onLeaseLost:     opts.OnLeaseLost,
		held:            make(map[string]*heldLease),
		now:             time.Now,
	}
}

func leaseKey(sessionID string) string {
	return "lease:" + sessionID
}

// Owner returns this process's identity.
func (r *Registry) Owner() string {
	return r.owner
}

// Acquire attempts to take the lease for a session. It returns
// ErrLeaseDenied when another process holds a live lease.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if held, ok := r.held[sessionID]; ok && !held.lease.Expired(r.now()) {
		return &held.lease, nil
	}

	key := leaseKey(sessionID)
	for attempt := 0; attempt < 2; attempt++ {
		lease := Lease{
			SessionID: sessionID,
			Owner:     r.owner,
			Addr:      r.addr,
			Expiry:    r.now().Add(r.ttl),
		}
		raw, err := json.Marshal(lease)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal lease: %v", err)
		}

		ok, err := r.kv.SetNX(ctx, key, raw, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to write lease: %v", err)
		}
		if ok {
			r.held[sessionID] = &heldLease{lease: lease, raw: raw}
			return &lease, nil
		}

		currentRaw, err := r.kv.Get(ctx, key)
		if err != nil {
			if store.IsNotFound(err) {
				// Expired between the SetNX and the Get, try again.
				continue
			}
			return nil, fmt.Errorf("failed to read lease: %v", err)
		}

		current := &Lease{}
		if err := json.Unmarshal(currentRaw, current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lease: %v", err)
		}

		if !current.Expired(r.now()) {
			return nil, &ErrLeaseDenied{
				SessionID: sessionID,
				Owner:     current.Owner,
				Addr:      current.Addr,
			}
		}

		// The record outlived its expiry timestamp (a store without
		// native TTL, or clock skew). Take it over conditionally.
		ok, err = r.kv.CompareAndSwap(ctx, key, currentRaw, raw, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to take over expired lease: %v", err)
		}
		if ok {
			r.held[sessionID] = &heldLease{lease: lease, raw: raw}
			return &lease, nil
		}
		// Lost the race, loop once more to report the new owner.
	}

	return nil, &ErrLeaseDenied{SessionID: sessionID}
}

// Renew extends a held lease. It returns ErrLeaseExpired when the lease
// is no longer ours, in which case the session must not be served.
func (r *Registry) Renew(ctx context.Context, sessionID string) (*Lease, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	held, ok := r.held[sessionID]
	if !ok {
		return nil, &ErrLeaseExpired{SessionID: sessionID}
	}

	lease := Lease{
		SessionID: sessionID,
		Owner:     r.owner,
		Addr:      r.addr,
		Expiry:    r.now().Add(r.ttl),
	}
	raw, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %v", err)
	}

	swapped, err := r.kv.CompareAndSwap(ctx, leaseKey(sessionID), held.raw, raw, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %v", err)
	}
	if !swapped {
		delete(r.held, sessionID)
		return nil, &ErrLeaseExpired{SessionID: sessionID}
	}

	held.lease = lease
	held.raw = raw
	return &lease, nil
}

// Release gives up a held lease. Releasing a lease we no longer hold is
// not an error.
func (r *Registry) Release(ctx context.Context, sessionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	held, ok := r.held[sessionID]
	if !ok {
		return nil
	}
	delete(r.held, sessionID)

	if _, err := r.kv.CompareAndDelete(ctx, leaseKey(sessionID), held.raw); err != nil {
		return fmt.Errorf("failed to release lease: %v", err)
	}
	return nil
}

// Locate returns the live lease for a session regardless of owner. It
// returns store.ErrNotFound when no live lease exists.
func (r *Registry) Locate(ctx context.Context, sessionID string) (*Lease, error) {
	raw, err := r.kv.Get(ctx, leaseKey(sessionID))
	if err != nil {
		return nil, err
	}

	lease := &Lease{}
	if err := json.Unmarshal(raw, lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %v", err)
	}
	if lease.Expired(time.Now()) {
		return nil, &store.ErrNotFound{Key: leaseKey(sessionID)}
	}
	return lease, nil
}

// Held reports whether this process holds a live lease for the session.
// It is a local check and does not touch the store.
func (r *Registry) Held(sessionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	held, ok := r.held[sessionID]
	return ok && !held.lease.Expired(r.now())
}

// HeldSessions returns the ids of all sessions this process has leases for.
func (r *Registry) HeldSessions() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	sessions := make([]string, 0, len(r.held))
	for sessionID := range r.held {
		sessions = append(sessions, sessionID)
	}
	return sessions
}

// StartRenewal renews all held leases on the renewal interval until the
// context is canceled. Lost leases trigger the OnLeaseLost callback.
func (r *Registry) StartRenewal(ctx context.Context) {
	ticker := time.NewTicker(r.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range r.HeldSessions() {
				if _, err := r.Renew(ctx, sessionID); err != nil {
					log.Warn("Lost lease for session %s: %v", sessionID, err)
					if r.onLeaseLost != nil {
						r.onLeaseLost(sessionID)
					}
				}
			}
		}
	}
}
