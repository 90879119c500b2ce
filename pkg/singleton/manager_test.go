package singleton

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pxsdirac/akka/pkg/cluster"
	"github.com/pxsdirac/akka/pkg/lease"
)

// recorder collects the observable side effects (lease calls, worker
// lifecycle) in the order they happen.
type recorder struct {
	c chan string
}

func newRecorder() *recorder {
	return &recorder{c: make(chan string, 256)}
}

func (r *recorder) post(s string) {
	r.c <- s
}

func (r *recorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.c:
			if got != w {
				t.Fatalf("expected %q got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-r.c:
		t.Fatalf("expected no event, got %q", got)
	case <-time.After(within):
	}
}

// step scripts one acquire outcome. A nil-blocked step resolves
// immediately; a blocked step resolves when the channel is closed.
type step struct {
	granted bool
	err     error
	block   chan struct{}
}

// fakeLease is a scripted lease: it consumes steps per acquire call and
// grants unconditionally once the script is exhausted. A non-nil
// releaseBlock stalls every Release call until the channel is closed.
type fakeLease struct {
	rec          *recorder
	releaseBlock chan struct{}

	mu           sync.Mutex
	steps        []step
	lost         func(error)
	valid        bool
	acquireTimes []time.Time
	releaseCalls int
}

func newFakeLease(rec *recorder, steps ...step) *fakeLease {
	return &fakeLease{rec: rec, steps: steps}
}

func (f *fakeLease) Settings() lease.Settings {
	return lease.Settings{LeaseName: "test-singleton", OwnerName: "self"}
}

func (f *fakeLease) Acquire(ctx context.Context, lost func(error)) (bool, error) {
	f.mu.Lock()
	st := step{granted: true}
	if len(f.steps) > 0 {
		st = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.acquireTimes = append(f.acquireTimes, time.Now())
	f.mu.Unlock()

	f.rec.post("acquire")
	if st.block != nil {
		<-st.block
	}
	if st.granted {
		f.mu.Lock()
		f.lost = lost
		f.valid = true
		f.mu.Unlock()
	}
	return st.granted, st.err
}

func (f *fakeLease) Release(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.releaseCalls++
	f.mu.Unlock()
	if f.releaseBlock != nil {
		<-f.releaseBlock
	}
	f.rec.post("release")
	f.mu.Lock()
	wasValid := f.valid
	f.valid = false
	f.lost = nil
	f.mu.Unlock()
	return wasValid, nil
}

func (f *fakeLease) releaseStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCalls > 0
}

func (f *fakeLease) CheckLease() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeLease) fireLost(reason error) {
	f.mu.Lock()
	cb := f.lost
	f.lost = nil
	f.valid = false
	f.mu.Unlock()
	if cb != nil {
		go cb(reason)
	}
}

// invalidate drops local validity without firing the callback, as a backend
// would when only the periodic check notices the loss.
func (f *fakeLease) invalidate() {
	f.mu.Lock()
	f.valid = false
	f.lost = nil
	f.mu.Unlock()
}

type testWorker struct {
	rec       *recorder
	startErrs int
}

func (w *testWorker) Start(ctx context.Context) error {
	w.rec.post("start")
	if w.startErrs > 0 {
		w.startErrs--
		return errors.New("worker start refused")
	}
	return nil
}

func (w *testWorker) Stop(ctx context.Context) error {
	w.rec.post("stop")
	return nil
}

const self = cluster.Address("self")

func up(addr cluster.Address, n int64) cluster.Event {
	return cluster.Event{Type: cluster.MemberUp, Member: cluster.Member{Address: addr, UpNumber: n}}
}

func left(addr cluster.Address, n int64) cluster.Event {
	return cluster.Event{Type: cluster.MemberLeft, Member: cluster.Member{Address: addr, UpNumber: n}}
}

func removed(addr cluster.Address, n int64) cluster.Event {
	return cluster.Event{Type: cluster.MemberRemoved, Member: cluster.Member{Address: addr, UpNumber: n}}
}

func startManager(t *testing.T, cfg Config, w Worker) *Manager {
	t.Helper()
	cfg.Name = "test"
	cfg.SelfAddress = self
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 40 * time.Millisecond
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = time.Second
	}
	mgr, err := New(cfg, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("manager did not shut down")
		}
	})
	return mgr
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestIdleUntilOldest(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up("other", 1))
	mgr.Submit(up(self, 2))

	// Not oldest: no lease contact, no start.
	rec.expectNone(t, 150*time.Millisecond)
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle got %s", got)
	}
}

func TestAcquireGrantedStartsWorker(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")
	eventually(t, mgr.IsRunningWorker, "worker running")
}

func TestDeniedThenGranted(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec, step{granted: false})
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	// Denied: one acquire, no start, then a fresh acquire after the retry
	// interval, then the start.
	rec.expect(t, "acquire", "acquire", "start")

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.acquireTimes) < 2 {
		t.Fatalf("expected at least 2 acquires got %d", len(fl.acquireTimes))
	}
	gap := fl.acquireTimes[1].Sub(fl.acquireTimes[0])
	if gap < 40*time.Millisecond {
		t.Fatalf("retry fired before the configured interval: %v", gap)
	}
}

func TestErrorThenGranted(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec, step{err: errors.New("backend timeout")})
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	// Externally indistinguishable from the denied case.
	rec.expect(t, "acquire", "acquire", "start")
}

func TestRetryPersistsUntilGranted(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec,
		step{granted: false},
		step{err: errors.New("unreachable")},
		step{granted: false},
	)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "acquire", "acquire", "acquire", "start")
}

func TestLeaseLostStopsThenReacquires(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")

	fl.fireLost(errors.New("lease revoked"))
	// Stop first, then release, then a fresh acquire cycle and restart.
	rec.expect(t, "stop", "release", "acquire", "start")
	eventually(t, mgr.IsRunningWorker, "worker restarted after reacquire")
}

func TestLeaseLostWithNilReason(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")

	fl.fireLost(nil)
	rec.expect(t, "stop", "release", "acquire", "start")
}

func TestValidityCheckTriggersLoss(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl, CheckInterval: 20 * time.Millisecond}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")

	// Kill validity without a callback; the periodic check must notice.
	fl.invalidate()
	rec.expect(t, "stop", "release", "acquire", "start")
}

func TestHandoverOrdering(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	handoverC := make(chan cluster.Member, 1)
	mgr := startManager(t, Config{
		Lease:      fl,
		OnHandover: func(s cluster.Member) { handoverC <- s },
	}, &testWorker{rec: rec})

	mgr.Submit(up(self, 2))
	rec.expect(t, "acquire", "start")

	// A partition heals and an older member appears: hand over. Release
	// must never precede stop.
	mgr.Submit(up("elder", 1))
	rec.expect(t, "stop", "release")

	select {
	case s := <-handoverC:
		if s.Address != "elder" {
			t.Fatalf("unexpected successor %s", s.Address)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handover callback not invoked")
	}

	// Not oldest anymore: no reacquire.
	rec.expectNone(t, 150*time.Millisecond)
	eventually(t, func() bool { return mgr.State() == StateIdle }, "idle after handover")
}

func TestVoluntaryLeaveStopsWithoutReacquire(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	mgr.Submit(up("other", 2))
	rec.expect(t, "acquire", "start")

	mgr.Submit(left(self, 1))
	rec.expect(t, "stop", "release")
	rec.expectNone(t, 150*time.Millisecond)
}

func TestRemovalStopsWithoutReacquire(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")

	mgr.Submit(removed(self, 1))
	rec.expect(t, "stop", "release")
	rec.expectNone(t, 150*time.Millisecond)
}

func TestStaleGrantAfterLosingOldestIsReleased(t *testing.T) {
	rec := newRecorder()
	block := make(chan struct{})
	fl := newFakeLease(rec, step{granted: true, block: block})
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 2))
	rec.expect(t, "acquire")

	// Oldest status flips while the acquire is still in flight.
	mgr.Submit(up("elder", 1))
	eventually(t, func() bool { return mgr.State() == StateIdle }, "idle after losing oldest")

	// The late grant must be compensated with a release, and the worker
	// must never start.
	close(block)
	rec.expect(t, "release")
	rec.expectNone(t, 150*time.Millisecond)
}

func TestReelectionWaitsForPendingRelease(t *testing.T) {
	rec := newRecorder()
	grantGate := make(chan struct{})
	fl := newFakeLease(rec, step{granted: true, block: grantGate})
	fl.releaseBlock = make(chan struct{})
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 2))
	rec.expect(t, "acquire")

	// Oldest status flips while the acquire is in flight; the late grant
	// gets a compensating release, which hangs in the backend.
	mgr.Submit(up("elder", 1))
	eventually(t, func() bool { return mgr.State() == StateIdle }, "idle after losing oldest")
	close(grantGate)
	eventually(t, fl.releaseStarted, "compensating release issued")

	// Re-elected while that release is still in flight: the fresh acquire
	// must wait for it, or the stale release would destroy the new grant.
	mgr.Submit(removed("elder", 1))
	rec.expectNone(t, 150*time.Millisecond)

	close(fl.releaseBlock)
	rec.expect(t, "release", "acquire", "start")
	eventually(t, mgr.IsRunningWorker, "worker running after deferred acquire")
	if !fl.CheckLease() {
		t.Fatalf("worker running without a held lease")
	}
}

func TestReelectionAfterHandover(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec})

	mgr.Submit(up(self, 2))
	rec.expect(t, "acquire", "start")

	mgr.Submit(up("elder", 1))
	rec.expect(t, "stop", "release")

	// The elder goes away again: this node is re-elected and reacquires.
	mgr.Submit(removed("elder", 1))
	rec.expect(t, "acquire", "start")
}

func TestWorkerStartFailureRetries(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	mgr := startManager(t, Config{Lease: fl}, &testWorker{rec: rec, startErrs: 1})

	mgr.Submit(up(self, 1))
	// First start fails: the grant is handed back and a fresh cycle runs
	// after the retry interval.
	rec.expect(t, "acquire", "start", "release", "acquire", "start")
	eventually(t, mgr.IsRunningWorker, "worker running after retried start")
}

func TestNoLeaseModeStartsDirectly(t *testing.T) {
	rec := newRecorder()
	mgr := startManager(t, Config{}, &testWorker{rec: rec})

	mgr.Submit(up(self, 2))
	rec.expect(t, "start")
	eventually(t, mgr.IsRunningWorker, "worker running without lease")

	mgr.Submit(up("elder", 1))
	// The elder's lower UpNumber makes it the oldest member, so this node
	// hands over: stop, no release (no lease configured).
	rec.expect(t, "stop")
	rec.expectNone(t, 150*time.Millisecond)
}

func TestShutdownStopsWorkerAndReleases(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)

	cfg := Config{
		Name:             "test",
		SelfAddress:      self,
		Lease:            fl,
		RetryInterval:    40 * time.Millisecond,
		OperationTimeout: time.Second,
	}
	mgr, err := New(cfg, &testWorker{rec: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()

	mgr.Submit(up(self, 1))
	rec.expect(t, "acquire", "start")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	rec.expect(t, "stop", "release")
}

// blockingStopWorker hangs in Stop until its gate closes and records the
// stop at completion.
type blockingStopWorker struct {
	rec  *recorder
	gate chan struct{}
}

func (w *blockingStopWorker) Start(ctx context.Context) error {
	w.rec.post("start")
	return nil
}

func (w *blockingStopWorker) Stop(ctx context.Context) error {
	<-w.gate
	w.rec.post("stop")
	return nil
}

func TestShutdownWaitsForStopBeforeRelease(t *testing.T) {
	rec := newRecorder()
	fl := newFakeLease(rec)
	gate := make(chan struct{})

	cfg := Config{
		Name:             "test",
		SelfAddress:      self,
		Lease:            fl,
		RetryInterval:    40 * time.Millisecond,
		OperationTimeout: time.Second,
	}
	mgr, err := New(cfg, &blockingStopWorker{rec: rec, gate: gate})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()

	mgr.Submit(up(self, 2))
	rec.expect(t, "acquire", "start")

	// An older member appears and the handover stop hangs in the worker.
	mgr.Submit(up("elder", 1))
	eventually(t, func() bool { return mgr.State() == StateHandingOver }, "handing over")

	// Teardown while the stop is in flight: the lease must not be released
	// until the worker's termination is confirmed.
	cancel()
	rec.expectNone(t, 150*time.Millisecond)

	close(gate)
	rec.expect(t, "stop", "release")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestLeaseSettingsDerivation(t *testing.T) {
	s := LeaseSettingsFor("payments", "node-1:2552")
	if s.LeaseName != "payments-singleton" {
		t.Fatalf("unexpected lease name %q", s.LeaseName)
	}
	if s.OwnerName != "node-1:2552" {
		t.Fatalf("unexpected owner %q", s.OwnerName)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	rec := newRecorder()
	if _, err := New(Config{SelfAddress: self}, &testWorker{rec: rec}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if _, err := New(Config{Name: "x"}, &testWorker{rec: rec}); err == nil {
		t.Fatalf("expected error for missing address")
	}
	if _, err := New(Config{Name: "x", SelfAddress: self}, nil); err == nil {
		t.Fatalf("expected error for nil worker")
	}
}
