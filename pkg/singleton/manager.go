// Package singleton ensures at most one instance of a designated worker
// runs across a cluster. The node that is currently the oldest member
// requests an external lease, starts the worker only once the lease is
// granted, and stops the worker before giving the lease back on handover,
// leave, or lease loss.
package singleton

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pxsdirac/akka/pkg/cluster"
	"github.com/pxsdirac/akka/pkg/lease"
)

// Worker is the singleton process under management. It is opaque to the
// manager: Start begins execution, Stop terminates it and returns only once
// termination is complete.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// State is the externally visible state of a manager.
type State string

const (
	StateIdle              State = "idle"
	StateAcquiringLease    State = "acquiring-lease"
	StateRunning           State = "running"
	StateWasOldestStopping State = "was-oldest-stopping"
	StateHandingOver       State = "handing-over"
)

// Defaults for Config timing values.
const (
	DefaultRetryInterval    = 2 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultCheckInterval    = 5 * time.Second
	DefaultStopTimeout      = 10 * time.Second
)

// ErrLeaseInvalid is the reason used when a periodic validity check finds
// the held lease no longer valid.
var ErrLeaseInvalid = errors.New("lease validity check failed")

// Config configures a singleton manager.
type Config struct {
	// Name is the logical name of the singleton. It also determines the
	// lease name, so every node must use the same value.
	Name string
	// SelfAddress is this node's cluster address.
	SelfAddress cluster.Address
	// Lease guards worker startup. When nil the worker starts as soon as
	// this node is oldest, with no external mutual exclusion.
	Lease lease.Lease
	// RetryInterval is the fixed delay between acquire attempts. The
	// interval does not grow, bounding worst-case reacquire latency.
	RetryInterval time.Duration
	// OperationTimeout bounds lease acquire and release calls.
	OperationTimeout time.Duration
	// CheckInterval is how often the held lease's validity is polled while
	// the worker runs.
	CheckInterval time.Duration
	// StopTimeout bounds worker stop confirmation.
	StopTimeout time.Duration
	// OnHandover, when set, is called with the successor after this node
	// has stopped its worker and released the lease on a graceful handover.
	OnHandover func(successor cluster.Member)
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// internal phases; the public State collapses the lease-lost stop sequence
// into acquiring-lease, matching the externally observable machine.
type phase int

const (
	phaseIdle phase = iota
	phaseAcquiring
	phaseRunning
	phaseStoppingLeaseLost
	phaseHandingOver
	phaseWasOldestStopping
)

func (p phase) state() State {
	switch p {
	case phaseAcquiring, phaseStoppingLeaseLost:
		return StateAcquiringLease
	case phaseRunning:
		return StateRunning
	case phaseHandingOver:
		return StateHandingOver
	case phaseWasOldestStopping:
		return StateWasOldestStopping
	default:
		return StateIdle
	}
}

// Events processed by the manager loop. Results of asynchronous lease calls
// carry the generation they were issued under so superseded completions can
// be recognized and, for stale grants, compensated with a release.
type event interface{}

type membershipEvent cluster.Event

type acquireResult struct {
	gen     uint64
	granted bool
	err     error
}

type leaseLost struct {
	gen    uint64
	reason error
}

type retryTick struct {
	gen uint64
}

type workerStopped struct {
	err error
}

type releaseDone struct {
	released bool
	err      error
}

// Manager drives the singleton state machine for one node. All state is
// owned by the Run loop; external input arrives through Submit and through
// completions of the asynchronous lease calls.
type Manager struct {
	cfg    Config
	worker Worker
	log    *slog.Logger

	events chan event
	done   chan struct{}

	// loop-owned state
	view        *cluster.View
	ph          phase
	gen         uint64
	oldest      bool
	member      bool
	retryTimer  *time.Timer
	releasing   int  // release calls in flight on the lease handle
	wantAcquire bool // acquire deferred until pending releases finish
	stopDone    bool // worker stop confirmed for the current stop sequence

	mu       sync.Mutex
	snapshot State
}

// New builds a manager for the given worker. The lease, if configured, must
// be dedicated to this singleton name and node.
func New(cfg Config, w Worker) (*Manager, error) {
	if cfg.Name == "" {
		return nil, errors.New("singleton name required")
	}
	if cfg.SelfAddress == "" {
		return nil, errors.New("self address required")
	}
	if w == nil {
		return nil, errors.New("worker required")
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		worker:   w,
		log:      cfg.Logger.With("singleton", cfg.Name, "node", string(cfg.SelfAddress)),
		events:   make(chan event, 128),
		done:     make(chan struct{}),
		view:     cluster.NewView(),
		snapshot: StateIdle,
	}, nil
}

// Submit delivers a membership change notification. Safe to call from any
// goroutine; events are processed in arrival order by the Run loop.
func (m *Manager) Submit(ev cluster.Event) {
	m.post(membershipEvent(ev))
}

// State returns the current externally visible state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// IsRunningWorker reports whether the worker is currently started.
func (m *Manager) IsRunningWorker() bool {
	return m.State() == StateRunning
}

// Run processes events until ctx is done, then shuts down: a running worker
// is stopped and a held lease released before returning.
func (m *Manager) Run(ctx context.Context) error {
	var checkC <-chan time.Time
	if m.cfg.Lease != nil {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		checkC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			close(m.done)
			return nil
		case ev := <-m.events:
			m.handle(ev)
		case <-checkC:
			m.checkLeaseValidity()
		}
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) setPhase(p phase) {
	m.ph = p
	m.mu.Lock()
	m.snapshot = p.state()
	m.mu.Unlock()
}

// bumpGen invalidates all pending asynchronous completions.
func (m *Manager) bumpGen() {
	m.gen++
	m.wantAcquire = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case membershipEvent:
		m.handleMembership(cluster.Event(ev))
	case acquireResult:
		m.handleAcquireResult(ev)
	case leaseLost:
		m.handleLeaseLost(ev)
	case retryTick:
		m.handleRetryTick(ev)
	case workerStopped:
		m.handleWorkerStopped(ev)
	case releaseDone:
		m.handleReleaseDone(ev)
	}
}

func (m *Manager) handleMembership(ev cluster.Event) {
	m.view.Apply(ev)
	m.oldest = m.view.IsOldest(m.cfg.SelfAddress)
	m.member = m.view.Contains(m.cfg.SelfAddress)
	m.log.Debug("membership changed", "event", ev.String(), "oldest", m.oldest)

	switch m.ph {
	case phaseIdle:
		if m.oldest {
			m.enterAcquiring()
		}
	case phaseAcquiring:
		if !m.oldest {
			// Nothing started yet; any in-flight acquire becomes stale and
			// a late grant will be released by the completion handler.
			m.bumpGen()
			m.setPhase(phaseIdle)
			m.log.Info("lost oldest status while acquiring lease")
		}
	case phaseRunning:
		if !m.oldest {
			if m.member {
				m.log.Info("handing over singleton", "reason", "no longer oldest")
				m.setPhase(phaseHandingOver)
			} else {
				m.log.Info("stopping singleton", "reason", "left cluster")
				m.setPhase(phaseWasOldestStopping)
			}
			m.bumpGen()
			m.stopWorker()
		}
	}
	// In the stopping phases the new status is recorded above and acted on
	// once the stop/release sequence completes.
}

func (m *Manager) enterAcquiring() {
	m.bumpGen()
	if m.cfg.Lease == nil {
		m.startWorker()
		return
	}
	m.setPhase(phaseAcquiring)
	m.log.Info("oldest member, acquiring lease", "lease", m.cfg.Lease.Settings().LeaseName)
	m.tryIssueAcquire()
}

// tryIssueAcquire starts an acquire attempt unless a release is still in
// flight on the lease handle. Acquiring before the release lands could hand
// the release a fresh grant to destroy, so the attempt is parked until the
// pending releases complete.
func (m *Manager) tryIssueAcquire() {
	if m.releasing > 0 {
		m.wantAcquire = true
		return
	}
	m.wantAcquire = false
	m.issueAcquire()
}

// issueAcquire runs one acquire attempt off the loop goroutine and posts
// the outcome back tagged with the current generation.
func (m *Manager) issueAcquire() {
	gen := m.gen
	l := m.cfg.Lease
	timeout := m.cfg.OperationTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		granted, err := l.Acquire(ctx, func(reason error) {
			m.post(leaseLost{gen: gen, reason: reason})
		})
		m.post(acquireResult{gen: gen, granted: granted, err: err})
	}()
}

func (m *Manager) handleAcquireResult(res acquireResult) {
	if res.gen != m.gen {
		// The lease is per (name, owner): when a newer cycle is acquiring
		// or already running, a stale grant refers to the same ownership
		// and must be left alone. Otherwise it must not linger until
		// backend expiry; release it right away.
		if res.granted && m.ph != phaseAcquiring && m.ph != phaseRunning {
			m.log.Info("releasing superseded lease grant")
			m.issueRelease()
		}
		return
	}
	if m.ph != phaseAcquiring {
		return
	}

	switch {
	case res.err != nil:
		// Failures and denials drive the same retry; they differ only in
		// what we log.
		m.log.Warn("lease acquire failed, retrying", "error", res.err, "retry_in", m.cfg.RetryInterval)
		m.armRetry()
	case !res.granted:
		m.log.Info("lease held by another owner, retrying", "retry_in", m.cfg.RetryInterval)
		m.armRetry()
	default:
		m.log.Info("lease acquired")
		m.startWorker()
	}
}

func (m *Manager) armRetry() {
	gen := m.gen
	m.retryTimer = time.AfterFunc(m.cfg.RetryInterval, func() {
		m.post(retryTick{gen: gen})
	})
}

func (m *Manager) handleRetryTick(t retryTick) {
	if t.gen != m.gen || m.ph != phaseAcquiring {
		return
	}
	m.tryIssueAcquire()
}

func (m *Manager) startWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
	defer cancel()
	if err := m.worker.Start(ctx); err != nil {
		m.log.Error("worker start failed", "error", err)
		if m.cfg.Lease != nil {
			m.issueRelease()
			m.setPhase(phaseAcquiring)
			m.armRetry()
		} else {
			m.setPhase(phaseIdle)
		}
		return
	}
	m.setPhase(phaseRunning)
	m.log.Info("singleton started")
}

func (m *Manager) handleLeaseLost(ev leaseLost) {
	if ev.gen != m.gen || m.ph != phaseRunning {
		return
	}
	m.log.Warn("lease lost while running, stopping singleton", "reason", ev.reason)
	m.bumpGen()
	m.setPhase(phaseStoppingLeaseLost)
	m.stopWorker()
}

func (m *Manager) checkLeaseValidity() {
	if m.ph != phaseRunning || m.cfg.Lease == nil {
		return
	}
	if !m.cfg.Lease.CheckLease() {
		m.handleLeaseLost(leaseLost{gen: m.gen, reason: ErrLeaseInvalid})
	}
}

// stopWorker terminates the worker off the loop goroutine. The release, if
// any, is issued only after termination is confirmed.
func (m *Manager) stopWorker() {
	m.stopDone = false
	w := m.worker
	timeout := m.cfg.StopTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := w.Stop(ctx)
		m.post(workerStopped{err: err})
	}()
}

func (m *Manager) handleWorkerStopped(ev workerStopped) {
	switch m.ph {
	case phaseStoppingLeaseLost, phaseHandingOver, phaseWasOldestStopping:
	default:
		return
	}
	if ev.err != nil {
		m.log.Error("worker stop reported error", "error", ev.err)
	} else {
		m.log.Info("singleton stopped")
	}
	m.stopDone = true

	if m.cfg.Lease == nil {
		m.finishStopping()
		return
	}
	m.issueRelease()
}

// issueRelease runs one release attempt off the loop goroutine and counts it
// as in flight until the completion is processed. No acquire is issued while
// a release is outstanding on the same lease handle.
func (m *Manager) issueRelease() {
	m.releasing++
	l := m.cfg.Lease
	timeout := m.cfg.OperationTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		released, err := l.Release(ctx)
		m.post(releaseDone{released: released, err: err})
	}()
}

func (m *Manager) handleReleaseDone(ev releaseDone) {
	if m.releasing > 0 {
		m.releasing--
	}
	if ev.err != nil {
		// Best effort: the backend's own expiry reclaims a lease whose
		// release failed.
		m.log.Warn("lease release failed", "error", ev.err)
	}

	switch m.ph {
	case phaseStoppingLeaseLost, phaseHandingOver, phaseWasOldestStopping:
		if m.releasing > 0 || !m.stopDone {
			return
		}
		m.finishStopping()
	case phaseAcquiring:
		if m.wantAcquire {
			m.tryIssueAcquire()
		}
	}
}

// finishStopping concludes a stop sequence once the worker has terminated
// and every outstanding release has completed.
func (m *Manager) finishStopping() {
	if m.ph == phaseHandingOver {
		if successor, ok := m.view.Oldest(); ok && successor.Address != m.cfg.SelfAddress {
			m.log.Info("handover complete", "successor", string(successor.Address))
			if cb := m.cfg.OnHandover; cb != nil {
				go cb(successor)
			}
		}
	}

	// Re-enter the acquire cycle when this node is (still or again) the
	// oldest member; otherwise rest until re-elected.
	if m.oldest && m.member {
		m.enterAcquiring()
		return
	}
	m.setPhase(phaseIdle)
}

// shutdown stops a running worker and releases a held lease synchronously,
// best effort, as part of Run teardown. A stop sequence already in flight is
// confirmed before the release so the stop-then-release order holds on
// teardown too.
func (m *Manager) shutdown() {
	switch m.ph {
	case phaseRunning:
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
		if err := m.worker.Stop(ctx); err != nil {
			m.log.Error("worker stop reported error", "error", err)
		}
		cancel()
	case phaseStoppingLeaseLost, phaseHandingOver, phaseWasOldestStopping:
		m.awaitStopConfirmation()
	}
	if m.cfg.Lease != nil && m.ph != phaseIdle {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
		if _, err := m.cfg.Lease.Release(ctx); err != nil {
			m.log.Warn("lease release failed", "error", err)
		}
		cancel()
	}
	m.bumpGen()
	m.setPhase(phaseIdle)
}

// awaitStopConfirmation drains events until the in-flight worker stop is
// confirmed, bounded by StopTimeout.
func (m *Manager) awaitStopConfirmation() {
	deadline := time.NewTimer(m.cfg.StopTimeout)
	defer deadline.Stop()
	for !m.stopDone {
		select {
		case ev := <-m.events:
			if st, ok := ev.(workerStopped); ok {
				if st.err != nil {
					m.log.Error("worker stop reported error", "error", st.err)
				}
				m.stopDone = true
			}
		case <-deadline.C:
			m.log.Warn("worker stop confirmation timed out")
			return
		}
	}
}

// LeaseSettingsFor derives the lease settings every node must share for a
// given singleton.
func LeaseSettingsFor(singletonName string, self cluster.Address) lease.Settings {
	return lease.Settings{
		LeaseName: lease.NameFor(singletonName),
		OwnerName: string(self),
	}
}

// Describe returns a short human-readable status line, used by health and
// debug surfaces.
func (m *Manager) Describe() string {
	return fmt.Sprintf("singleton %s on %s: %s", m.cfg.Name, m.cfg.SelfAddress, m.State())
}
