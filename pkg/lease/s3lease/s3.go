// Package s3lease implements the lease contract as a JSON lease record in
// an object store. Mutual exclusion relies on conditional creates; expiry
// is time-based, stamped into the record and honored by every contender.
package s3lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/pxsdirac/akka/pkg/lease"
)

// Backend is the identifier this package registers under.
const Backend = "s3"

// Register makes the s3 backend available to lease.New on top of the given
// object store. Call once at startup.
func Register(store ObjectStore) {
	lease.Register(Backend, func(s lease.Settings) (lease.Lease, error) {
		return New(store, s), nil
	})
}

// Lost-callback reasons.
var (
	ErrRenewalFailed = errors.New("lease renewal failed")
	ErrOwnerChanged  = errors.New("lease taken over by another owner")
)

// leaseRecord is the stored representation of a granted lease.
type leaseRecord struct {
	Owner      string        `json:"owner"`
	AcquiredAt time.Time     `json:"acquired_at"`
	RenewedAt  time.Time     `json:"renewed_at"`
	TTL        time.Duration `json:"ttl"`
}

// deadline returns the instant the record stops being valid.
func (r leaseRecord) deadline() time.Time {
	return r.RenewedAt.Add(r.TTL)
}

// expired reports whether the record is no longer valid at now.
func (r leaseRecord) expired(now time.Time) bool {
	return r.TTL <= 0 || r.deadline().Before(now)
}

type s3Lease struct {
	settings lease.Settings
	store    ObjectStore
	key      string

	mu       sync.Mutex
	held     bool
	renewed  time.Time
	lost     func(error)
	hbCancel context.CancelFunc
}

// New builds a lease over the given object store.
func New(store ObjectStore, s lease.Settings) lease.Lease {
	return &s3Lease{
		settings: s,
		store:    store,
		key:      path.Join("leases", s.LeaseName+".json"),
	}
}

func (l *s3Lease) Settings() lease.Settings { return l.settings }

func (l *s3Lease) Acquire(ctx context.Context, lost func(error)) (bool, error) {
	l.mu.Lock()
	if l.held {
		l.lost = lost
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	now := time.Now().UTC()
	rec := leaseRecord{
		Owner:      l.settings.OwnerName,
		AcquiredAt: now,
		RenewedAt:  now,
		TTL:        l.settings.HeartbeatTimeout,
	}

	existing, etag, err := l.getRecord(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		// Fresh lease: conditional create so a concurrent contender
		// cannot also win.
		data, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		if err := l.store.PutIfAbsent(ctx, l.key, data); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return false, nil
			}
			return false, fmt.Errorf("create lease record: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("read lease record: %w", err)
	case existing.Owner != l.settings.OwnerName && !existing.expired(now):
		return false, nil
	default:
		// Expired, or our own record from a previous incarnation. The
		// takeover is conditional on the record we read: a contender that
		// raced us past the expiry check loses here instead of silently
		// overwriting the winner.
		data, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		if err := l.store.PutIfMatch(ctx, l.key, data, etag); err != nil {
			if errors.Is(err, ErrPreconditionFailed) {
				return false, nil
			}
			return false, fmt.Errorf("write lease record: %w", err)
		}
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.held = true
	l.renewed = now
	l.lost = lost
	l.hbCancel = hbCancel
	l.mu.Unlock()

	go l.heartbeat(hbCtx)
	return true, nil
}

// heartbeat renews the record until the lease is released or lost. A failed
// renewal or an observed foreign owner invalidates the lease locally and
// fires the lost callback.
func (l *s3Lease) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.invalidate(err)
				return
			}
		}
	}
}

func (l *s3Lease) renew(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	existing, etag, err := l.getRecord(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	if existing.Owner != l.settings.OwnerName {
		return ErrOwnerChanged
	}

	now := time.Now().UTC()
	existing.RenewedAt = now
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	if err := l.store.PutIfMatch(ctx, l.key, data, etag); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return ErrOwnerChanged
		}
		return fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}

	l.mu.Lock()
	l.renewed = now
	l.mu.Unlock()
	return nil
}

func (l *s3Lease) invalidate(reason error) {
	l.mu.Lock()
	wasHeld := l.held
	cb := l.lost
	l.held = false
	l.lost = nil
	l.hbCancel = nil
	l.mu.Unlock()

	if wasHeld && cb != nil {
		cb(reason)
	}
}

func (l *s3Lease) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	wasHeld := l.held
	if l.hbCancel != nil {
		l.hbCancel()
		l.hbCancel = nil
	}
	l.held = false
	l.lost = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	existing, _, err := l.getRecord(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease record: %w", err)
	}
	if existing.Owner != l.settings.OwnerName {
		return false, nil
	}
	if err := l.store.Delete(ctx, l.key); err != nil {
		return false, fmt.Errorf("delete lease record: %w", err)
	}
	return wasHeld || existing.Owner == l.settings.OwnerName, nil
}

func (l *s3Lease) CheckLease() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return false
	}
	return !time.Now().UTC().After(l.renewed.Add(l.settings.HeartbeatTimeout))
}

func (l *s3Lease) getRecord(ctx context.Context) (leaseRecord, string, error) {
	data, etag, err := l.store.Get(ctx, l.key)
	if err != nil {
		return leaseRecord{}, "", err
	}
	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return leaseRecord{}, "", fmt.Errorf("decode lease record: %w", err)
	}
	return rec, etag, nil
}
