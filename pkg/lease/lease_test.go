package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNameFor(t *testing.T) {
	if got := NameFor("payment-processor"); got != "payment-processor-singleton" {
		t.Fatalf("unexpected lease name: %q", got)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("no-such-backend", Settings{LeaseName: "x", OwnerName: "y"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend got %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l, err := New("memory", Settings{LeaseName: "defaults", OwnerName: "node-a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := l.Settings()
	if s.OperationTimeout != DefaultOperationTimeout {
		t.Fatalf("operation timeout not defaulted: %v", s.OperationTimeout)
	}
	if s.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Fatalf("heartbeat timeout not defaulted: %v", s.HeartbeatTimeout)
	}
	if s.HeartbeatInterval != DefaultHeartbeatTimeout/3 {
		t.Fatalf("heartbeat interval not derived: %v", s.HeartbeatInterval)
	}
}

func TestBackendsIncludesMemory(t *testing.T) {
	found := false
	for _, name := range Backends() {
		if name == "memory" {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory backend not registered: %v", Backends())
	}
}

func TestMemoryMutualExclusion(t *testing.T) {
	ctx := context.Background()
	a := NewMemory(Settings{LeaseName: "excl", OwnerName: "node-a"})
	b := NewMemory(Settings{LeaseName: "excl", OwnerName: "node-b"})

	granted, err := a.Acquire(ctx, nil)
	if err != nil || !granted {
		t.Fatalf("first acquire: granted=%v err=%v", granted, err)
	}
	granted, err = b.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if granted {
		t.Fatalf("lease granted to two owners")
	}
	if !a.CheckLease() {
		t.Fatalf("holder reports lease invalid")
	}
	if b.CheckLease() {
		t.Fatalf("non-holder reports lease valid")
	}

	released, err := a.Release(ctx)
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}
	granted, err = b.Acquire(ctx, nil)
	if err != nil || !granted {
		t.Fatalf("acquire after release: granted=%v err=%v", granted, err)
	}
}

func TestMemoryReacquireBySameHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(Settings{LeaseName: "reacquire", OwnerName: "node-a"})
	for i := 0; i < 2; i++ {
		granted, err := l.Acquire(ctx, nil)
		if err != nil || !granted {
			t.Fatalf("acquire %d: granted=%v err=%v", i, granted, err)
		}
	}
}

func TestMemoryReleaseWithoutHold(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(Settings{LeaseName: "nothing-held", OwnerName: "node-a"})
	released, err := l.Release(ctx)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Fatalf("released a lease that was never held")
	}
}

func TestInvalidateMemoryFiresLostCallback(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(Settings{LeaseName: "invalidate", OwnerName: "node-a"})

	lostC := make(chan error, 1)
	granted, err := l.Acquire(ctx, func(reason error) { lostC <- reason })
	if err != nil || !granted {
		t.Fatalf("acquire: granted=%v err=%v", granted, err)
	}

	reason := errors.New("revoked by operator")
	if !InvalidateMemory("invalidate", reason) {
		t.Fatalf("expected a holder to invalidate")
	}
	select {
	case got := <-lostC:
		if !errors.Is(got, reason) {
			t.Fatalf("unexpected lost reason: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lost callback not invoked")
	}
	if l.CheckLease() {
		t.Fatalf("lease still reported valid after invalidation")
	}

	// Another owner can take it over immediately.
	other := NewMemory(Settings{LeaseName: "invalidate", OwnerName: "node-b"})
	granted, err = other.Acquire(ctx, nil)
	if err != nil || !granted {
		t.Fatalf("takeover acquire: granted=%v err=%v", granted, err)
	}
}

func TestInvalidateMemoryNoHolder(t *testing.T) {
	if InvalidateMemory("never-acquired", errors.New("x")) {
		t.Fatalf("invalidate reported a holder for an unheld lease")
	}
}

func TestMemoryAcquireCancelledContext(t *testing.T) {
	l := NewMemory(Settings{LeaseName: "cancelled", OwnerName: "node-a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, nil); err == nil {
		t.Fatalf("expected context error")
	}
}
