// Package etcdregistry provides a membership feed backed by etcd. Each node
// registers itself under a kept-alive etcd lease; join order comes from the
// registration key's CreateRevision, and watchers translate key changes into
// cluster events. A graceful leave writes a marker before deleting the key
// so observers can tell it apart from a failure-detected removal.
package etcdregistry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pxsdirac/akka/pkg/cluster"
)

const (
	statusUp      = "up"
	statusLeaving = "leaving"
)

// Config defines how we connect to etcd for membership.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// Prefix is where member keys live. Defaults to /akka/members.
	Prefix string
	// SessionTTL is how long a member key survives without keepalive,
	// bounding failure detection latency. Defaults to 15s.
	SessionTTL time.Duration
}

// Registry is this node's registration plus the watch feed.
type Registry struct {
	client  *clientv3.Client
	cfg     Config
	self    cluster.Address
	leaseID clientv3.LeaseID
	events  chan cluster.Event
	cancel  context.CancelFunc
}

// Join connects to etcd, registers this node, and starts watching the
// member prefix. The returned registry's Events channel first replays the
// current membership as up events, then streams changes.
func Join(ctx context.Context, cfg Config, self cluster.Address) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if self == "" {
		return nil, errors.New("self address required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/akka/members"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Second
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

	r := &Registry{
		client: cli,
		cfg:    cfg,
		self:   self,
		events: make(chan cluster.Event, 64),
	}
	if err := r.register(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) register(ctx context.Context) error {
	grantCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	ttl := int64(r.cfg.SessionTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	grant, err := r.client.Grant(grantCtx, ttl)
	if err != nil {
		return fmt.Errorf("grant member lease: %w", err)
	}
	r.leaseID = grant.ID

	keepCtx, keepCancel := context.WithCancel(context.Background())
	r.cancel = keepCancel
	kaCh, err := r.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		keepCancel()
		return fmt.Errorf("member keepalive: %w", err)
	}
	go func() {
		for range kaCh {
		}
	}()

	if _, err := r.client.Put(grantCtx, r.key(r.self), statusUp, clientv3.WithLease(grant.ID)); err != nil {
		keepCancel()
		return fmt.Errorf("register member: %w", err)
	}

	resp, err := r.client.Get(grantCtx, r.cfg.Prefix+"/", clientv3.WithPrefix())
	if err != nil {
		keepCancel()
		return fmt.Errorf("member snapshot: %w", err)
	}

	go r.watch(keepCtx, resp)
	return nil
}

// watch replays the snapshot and then follows changes from the snapshot
// revision onward.
func (r *Registry) watch(ctx context.Context, snapshot *clientv3.GetResponse) {
	defer close(r.events)

	for _, kv := range snapshot.Kvs {
		if ev, ok := upEventFromKV(r.cfg.Prefix, kv); ok {
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}

	watchChan := r.client.Watch(ctx, r.cfg.Prefix+"/",
		clientv3.WithPrefix(),
		clientv3.WithRev(snapshot.Header.Revision+1),
		clientv3.WithPrevKV(),
	)
	for resp := range watchChan {
		if resp.Err() != nil {
			continue
		}
		for _, wev := range resp.Events {
			ev, ok := eventFromWatch(r.cfg.Prefix, wev)
			if !ok {
				continue
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// upEventFromKV builds a member-up event from a registration key.
func upEventFromKV(prefix string, kv *mvccpb.KeyValue) (cluster.Event, bool) {
	addr, ok := addrFromKey(prefix, string(kv.Key))
	if !ok {
		return cluster.Event{}, false
	}
	return cluster.Event{
		Type:   cluster.MemberUp,
		Member: cluster.Member{Address: addr, UpNumber: kv.CreateRevision},
	}, true
}

// eventFromWatch translates one etcd watch event. Creates become member-up;
// status updates are invisible to consumers; deletes become member-left
// when the previous value carries the leaving marker, member-removed
// otherwise (lease expiry deletes the key without any marker).
func eventFromWatch(prefix string, wev *clientv3.Event) (cluster.Event, bool) {
	switch wev.Type {
	case clientv3.EventTypePut:
		if !wev.IsCreate() {
			return cluster.Event{}, false
		}
		return upEventFromKV(prefix, wev.Kv)
	case clientv3.EventTypeDelete:
		if wev.PrevKv == nil {
			return cluster.Event{}, false
		}
		addr, ok := addrFromKey(prefix, string(wev.Kv.Key))
		if !ok {
			return cluster.Event{}, false
		}
		typ := cluster.MemberRemoved
		if string(wev.PrevKv.Value) == statusLeaving {
			typ = cluster.MemberLeft
		}
		return cluster.Event{
			Type:   typ,
			Member: cluster.Member{Address: addr, UpNumber: wev.PrevKv.CreateRevision},
		}, true
	default:
		return cluster.Event{}, false
	}
}

func addrFromKey(prefix, key string) (cluster.Address, bool) {
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok || rest == "" {
		return "", false
	}
	return cluster.Address(rest), true
}

func (r *Registry) key(addr cluster.Address) string {
	return r.cfg.Prefix + "/" + string(addr)
}

// Events returns the membership feed. The channel closes when the registry
// shuts down.
func (r *Registry) Events() <-chan cluster.Event {
	return r.events
}

// Self returns this node's address.
func (r *Registry) Self() cluster.Address {
	return r.self
}

// Leave deregisters gracefully: the leaving marker is written first so
// watchers report a voluntary leave rather than a removal.
func (r *Registry) Leave(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	if _, err := r.client.Put(ctx, r.key(r.self), statusLeaving, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("mark leaving: %w", err)
	}
	if _, err := r.client.Delete(ctx, r.key(r.self)); err != nil {
		return fmt.Errorf("deregister member: %w", err)
	}
	_, _ = r.client.Revoke(ctx, r.leaseID)
	return nil
}

// Close stops the watch and keepalive and closes the client. Call Leave
// first for a graceful departure; otherwise the member key lingers until
// the session TTL expires and peers report a removal.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
