package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Lease is the client contract for an external mutual-exclusion lease.
// Implementations are keyed by (lease name, owner name); a Lease value is
// owned by a single consumer and its methods are not called concurrently,
// except CheckLease which may be polled from anywhere.
type Lease interface {
	// Settings returns the identity and timing configuration of this lease.
	Settings() Settings
	// Acquire attempts to take the lease. true means granted, false means
	// the lease is held by another owner. An error is indeterminate and
	// callers should treat it the same as false. lost, when non-nil, is
	// registered for this grant and invoked asynchronously at most once if
	// the lease is invalidated outside Release; it must be re-registered on
	// every Acquire.
	Acquire(ctx context.Context, lost func(error)) (bool, error)
	// Release relinquishes a held lease. false means there was nothing to
	// release (already gone or never held).
	Release(ctx context.Context) (bool, error)
	// CheckLease reports the locally known validity of the lease. It must
	// be cheap and must not perform I/O.
	CheckLease() bool
}

// Settings identifies a lease and carries timing configuration shared by
// all backends.
type Settings struct {
	// LeaseName names the guarded resource. Unique per singleton.
	LeaseName string
	// OwnerName identifies this node, typically its cluster address.
	OwnerName string
	// OperationTimeout bounds individual acquire/release calls.
	OperationTimeout time.Duration
	// HeartbeatTimeout is how long a granted lease stays valid without
	// renewal. The backend's expiry is the ultimate safety net.
	HeartbeatTimeout time.Duration
	// HeartbeatInterval is how often a held lease is renewed.
	HeartbeatInterval time.Duration
}

const (
	// DefaultOperationTimeout bounds acquire and release calls.
	DefaultOperationTimeout = 5 * time.Second
	// DefaultHeartbeatTimeout is the backend-side lease TTL.
	DefaultHeartbeatTimeout = 30 * time.Second
)

func (s Settings) withDefaults() Settings {
	if s.OperationTimeout == 0 {
		s.OperationTimeout = DefaultOperationTimeout
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = s.HeartbeatTimeout / 3
	}
	return s
}

// NameFor derives the lease name for a singleton. The derivation is
// deterministic so every node contends for the same lease.
func NameFor(singletonName string) string {
	return singletonName + "-singleton"
}

// Factory builds a Lease for the given settings.
type Factory func(Settings) (Lease, error)

// ErrUnknownBackend is returned by New for an unregistered backend name.
var ErrUnknownBackend = errors.New("unknown lease backend")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a lease backend available under the given name.
// Backends register themselves from their package init or are registered
// explicitly by the embedding program.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds a lease from a registered backend. Settings are defaulted
// before the factory sees them.
func New(backend string, s Settings) (Lease, error) {
	registryMu.RLock()
	f, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	return f(s.withDefaults())
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
