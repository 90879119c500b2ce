package lease

import (
	"context"
	"sync"
)

func init() {
	Register("memory", func(s Settings) (Lease, error) {
		return NewMemory(s), nil
	})
}

// memoryTable tracks which owner holds each lease name within the process.
type memoryTable struct {
	mu      sync.Mutex
	holders map[string]*memoryLease
}

var memTable = &memoryTable{holders: make(map[string]*memoryLease)}

// memoryLease is a process-local lease. It provides real mutual exclusion
// between owners inside one process, which is enough for tests and for
// single-node deployments that only want the state machine behavior.
type memoryLease struct {
	settings Settings
	table    *memoryTable

	mu   sync.Mutex
	held bool
	lost func(error)
}

// NewMemory builds a process-local lease for the given settings.
func NewMemory(s Settings) Lease {
	return &memoryLease{settings: s.withDefaults(), table: memTable}
}

func (l *memoryLease) Settings() Settings { return l.settings }

func (l *memoryLease) Acquire(ctx context.Context, lost func(error)) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if cur, ok := l.table.holders[l.settings.LeaseName]; ok && cur != l {
		return false, nil
	}
	l.table.holders[l.settings.LeaseName] = l

	l.mu.Lock()
	l.held = true
	l.lost = lost
	l.mu.Unlock()
	return true, nil
}

func (l *memoryLease) Release(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	l.mu.Lock()
	l.held = false
	l.lost = nil
	l.mu.Unlock()

	if cur, ok := l.table.holders[l.settings.LeaseName]; !ok || cur != l {
		return false, nil
	}
	delete(l.table.holders, l.settings.LeaseName)
	return true, nil
}

func (l *memoryLease) CheckLease() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// invalidate marks the lease lost and fires the registered callback once.
func (l *memoryLease) invalidate(reason error) {
	l.table.mu.Lock()
	if cur, ok := l.table.holders[l.settings.LeaseName]; ok && cur == l {
		delete(l.table.holders, l.settings.LeaseName)
	}
	l.table.mu.Unlock()

	l.mu.Lock()
	wasHeld := l.held
	cb := l.lost
	l.held = false
	l.lost = nil
	l.mu.Unlock()

	if wasHeld && cb != nil {
		go cb(reason)
	}
}

// InvalidateMemory revokes a held in-process lease by name, firing the
// holder's lost callback. It reports whether a holder existed. Used by
// tests and by operational tooling to force a handoff.
func InvalidateMemory(leaseName string, reason error) bool {
	memTable.mu.Lock()
	cur, ok := memTable.holders[leaseName]
	memTable.mu.Unlock()
	if !ok {
		return false
	}
	cur.invalidate(reason)
	return true
}
