// Package etcdlease implements the lease contract on top of etcd, using a
// server-side etcd lease for expiry and a keepalive stream for renewal.
package etcdlease

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pxsdirac/akka/pkg/lease"
)

// Config defines how we connect to etcd for lease coordination.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// KeyPrefix is where lease keys live. Defaults to /akka/leases.
	KeyPrefix string
}

// Backend is the identifier this package registers under.
const Backend = "etcd"

// Register makes the etcd backend available to lease.New using the given
// connection config. Call once at startup.
func Register(cfg Config) {
	lease.Register(Backend, func(s lease.Settings) (lease.Lease, error) {
		return New(cfg, s)
	})
}

// ErrKeepAliveLost is the reason passed to the lost callback when the
// keepalive stream terminates while the lease is believed held.
var ErrKeepAliveLost = errors.New("etcd lease keepalive lost")

type etcdLease struct {
	settings lease.Settings
	client   *clientv3.Client
	key      string

	mu         sync.Mutex
	held       bool
	leaseID    clientv3.LeaseID
	lost       func(error)
	keepCancel context.CancelFunc
}

// New connects to etcd and returns a lease for the given settings.
func New(cfg Config, s lease.Settings) (lease.Lease, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "/akka/leases"
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &etcdLease{
		settings: s,
		client:   cli,
		key:      path.Join(cfg.KeyPrefix, s.LeaseName),
	}, nil
}

func (l *etcdLease) Settings() lease.Settings { return l.settings }

func (l *etcdLease) Acquire(ctx context.Context, lost func(error)) (bool, error) {
	l.mu.Lock()
	if l.held {
		// Already held by this instance; just re-register the callback.
		l.lost = lost
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	ttl := int64(l.settings.HeartbeatTimeout / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	grant, err := l.client.Grant(ctx, ttl)
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, l.settings.OwnerName, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(l.key)).
		Commit()
	if err != nil {
		l.revoke(grant.ID)
		return false, fmt.Errorf("acquire txn: %w", err)
	}

	if !resp.Succeeded {
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 || string(kvs[0].Value) != l.settings.OwnerName {
			// Held by another owner.
			l.revoke(grant.ID)
			return false, nil
		}
		// Our own key from a previous incarnation; rebind it to the new
		// etcd lease so expiry tracks this process.
		takeover, err := l.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(l.key), "=", l.settings.OwnerName)).
			Then(clientv3.OpPut(l.key, l.settings.OwnerName, clientv3.WithLease(grant.ID))).
			Commit()
		if err != nil {
			l.revoke(grant.ID)
			return false, fmt.Errorf("takeover txn: %w", err)
		}
		if !takeover.Succeeded {
			l.revoke(grant.ID)
			return false, nil
		}
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	kaCh, err := l.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		keepCancel()
		l.revoke(grant.ID)
		return false, fmt.Errorf("keepalive: %w", err)
	}

	l.mu.Lock()
	l.held = true
	l.leaseID = grant.ID
	l.lost = lost
	l.keepCancel = keepCancel
	l.mu.Unlock()

	go l.watchKeepAlive(keepCtx, kaCh)
	return true, nil
}

// watchKeepAlive drains the keepalive channel. The channel closes when the
// lease expires, the connection drops for longer than the TTL, or Release
// cancels the context; only the involuntary cases fire the lost callback.
func (l *etcdLease) watchKeepAlive(ctx context.Context, kaCh <-chan *clientv3.LeaseKeepAliveResponse) {
	for range kaCh {
	}
	if ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	wasHeld := l.held
	cb := l.lost
	l.held = false
	l.lost = nil
	l.keepCancel = nil
	l.mu.Unlock()

	if wasHeld && cb != nil {
		cb(ErrKeepAliveLost)
	}
}

func (l *etcdLease) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	id := l.leaseID
	if l.keepCancel != nil {
		l.keepCancel()
		l.keepCancel = nil
	}
	l.held = false
	l.lost = nil
	l.leaseID = clientv3.NoLease
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(l.key), "=", l.settings.OwnerName)).
		Then(clientv3.OpDelete(l.key)).
		Commit()
	if id != clientv3.NoLease {
		l.revoke(id)
	}
	if err != nil {
		return false, fmt.Errorf("release txn: %w", err)
	}
	return resp.Succeeded, nil
}

func (l *etcdLease) CheckLease() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Close releases client resources. The lease, if held, is left to expire
// server-side; call Release first for an immediate handoff.
func (l *etcdLease) Close() error {
	l.mu.Lock()
	if l.keepCancel != nil {
		l.keepCancel()
		l.keepCancel = nil
	}
	l.held = false
	l.mu.Unlock()
	return l.client.Close()
}

func (l *etcdLease) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), l.settings.OperationTimeout)
	defer cancel()
	_, _ = l.client.Revoke(ctx, id)
}
