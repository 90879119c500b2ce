// Command singletond runs a cluster singleton manager around a demo worker.
// Membership comes from an etcd registry (or a static single-node view when
// no endpoints are configured), the guarding lease from a pluggable backend,
// and singleton ownership is exposed over a gRPC health endpoint.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pxsdirac/akka/pkg/cluster"
	"github.com/pxsdirac/akka/pkg/cluster/etcdregistry"
	"github.com/pxsdirac/akka/pkg/lease"
	"github.com/pxsdirac/akka/pkg/lease/etcdlease"
	"github.com/pxsdirac/akka/pkg/lease/s3lease"
	"github.com/pxsdirac/akka/pkg/singleton"
)

const (
	defaultHealthAddr = ":8558"
	defaultBackend    = "memory"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	name := envOrDefault("SINGLETOND_NAME", "singleton")
	self := cluster.Address(envOrDefault("SINGLETOND_ADDRESS", defaultAddress()))
	backend := envOrDefault("SINGLETOND_LEASE_BACKEND", defaultBackend)

	registerBackends(ctx, logger)
	guard := buildLease(logger, backend, name, self)

	healthAddr := envOrDefault("SINGLETOND_HEALTH_ADDR", defaultHealthAddr)
	grpcServer, healthServer, err := serveHealth(logger, healthAddr, name)
	if err != nil {
		logger.Error("health endpoint failed", "error", err)
		os.Exit(1)
	}

	worker := newDemoWorker(logger, healthServer, name)
	mgr, err := singleton.New(singleton.Config{
		Name:             name,
		SelfAddress:      self,
		Lease:            guard,
		RetryInterval:    parseEnvDuration("SINGLETOND_LEASE_RETRY_INTERVAL", 0),
		OperationTimeout: parseEnvDuration("SINGLETOND_LEASE_OPERATION_TIMEOUT", 0),
		CheckInterval:    parseEnvDuration("SINGLETOND_LEASE_CHECK_INTERVAL", 0),
		Logger:           logger,
		OnHandover: func(successor cluster.Member) {
			logger.Info("singleton handed over", "successor", string(successor.Address))
		},
	}, worker)
	if err != nil {
		logger.Error("manager init failed", "error", err)
		os.Exit(1)
	}

	registry := joinMembership(ctx, logger, mgr, self)

	logger.Info("singletond up", "name", name, "address", string(self), "lease_backend", backend)
	_ = mgr.Run(ctx)

	if registry != nil {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := registry.Leave(leaveCtx); err != nil {
			logger.Warn("graceful leave failed", "error", err)
		}
		leaveCancel()
		registry.Close()
	}
	grpcServer.GracefulStop()
	logger.Info("singletond stopped")
}

// registerBackends wires the remote lease backends from the environment.
// The memory backend registers itself.
func registerBackends(ctx context.Context, logger *slog.Logger) {
	if endpoints := splitCSV(os.Getenv("SINGLETOND_ETCD_ENDPOINTS")); len(endpoints) > 0 {
		etcdlease.Register(etcdlease.Config{
			Endpoints: endpoints,
			Username:  os.Getenv("SINGLETOND_ETCD_USERNAME"),
			Password:  os.Getenv("SINGLETOND_ETCD_PASSWORD"),
		})
	}

	bucket := os.Getenv("SINGLETOND_S3_BUCKET")
	if bucket == "" {
		return
	}
	store, err := s3lease.NewS3ObjectStore(ctx, s3lease.S3Config{
		Bucket:         bucket,
		Region:         os.Getenv("SINGLETOND_S3_REGION"),
		Endpoint:       os.Getenv("SINGLETOND_S3_ENDPOINT"),
		ForcePathStyle: os.Getenv("SINGLETOND_S3_PATH_STYLE") == "true",
	})
	if err != nil {
		logger.Warn("s3 lease store init failed, backend unavailable", "error", err)
		return
	}
	s3lease.Register(store)
}

func buildLease(logger *slog.Logger, backend, name string, self cluster.Address) lease.Lease {
	settings := singleton.LeaseSettingsFor(name, self)
	settings.OperationTimeout = parseEnvDuration("SINGLETOND_LEASE_OPERATION_TIMEOUT", 0)
	settings.HeartbeatTimeout = parseEnvDuration("SINGLETOND_LEASE_HEARTBEAT_TIMEOUT", 0)
	settings.HeartbeatInterval = parseEnvDuration("SINGLETOND_LEASE_HEARTBEAT_INTERVAL", 0)

	guard, err := lease.New(backend, settings)
	if err != nil {
		logger.Warn("lease backend init failed, falling back to memory", "backend", backend, "error", err)
		guard, err = lease.New("memory", settings)
		if err != nil {
			logger.Error("memory lease init failed", "error", err)
			os.Exit(1)
		}
	}
	return guard
}

// joinMembership connects the manager to the etcd member registry, or feeds
// a static single-node view when no endpoints are configured.
func joinMembership(ctx context.Context, logger *slog.Logger, mgr *singleton.Manager, self cluster.Address) *etcdregistry.Registry {
	endpoints := splitCSV(os.Getenv("SINGLETOND_ETCD_ENDPOINTS"))
	if len(endpoints) == 0 {
		logger.Info("no etcd endpoints, running single-node membership")
		mgr.Submit(cluster.Event{
			Type:   cluster.MemberUp,
			Member: cluster.Member{Address: self, UpNumber: 1},
		})
		return nil
	}

	registry, err := etcdregistry.Join(ctx, etcdregistry.Config{
		Endpoints:  endpoints,
		Username:   os.Getenv("SINGLETOND_ETCD_USERNAME"),
		Password:   os.Getenv("SINGLETOND_ETCD_PASSWORD"),
		Prefix:     os.Getenv("SINGLETOND_MEMBER_PREFIX"),
		SessionTTL: parseEnvDuration("SINGLETOND_MEMBER_TTL", 0),
	}, self)
	if err != nil {
		logger.Warn("etcd membership unavailable, running single-node membership", "error", err)
		mgr.Submit(cluster.Event{
			Type:   cluster.MemberUp,
			Member: cluster.Member{Address: self, UpNumber: 1},
		})
		return nil
	}

	go func() {
		for ev := range registry.Events() {
			mgr.Submit(ev)
		}
	}()
	logger.Info("joined etcd membership", "endpoints", strings.Join(endpoints, ","))
	return registry
}

// serveHealth starts a gRPC health endpoint; the demo worker flips the
// singleton's service status between serving and not-serving.
func serveHealth(logger *slog.Logger, addr, service string) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("health server stopped", "error", err)
		}
	}()
	logger.Info("health endpoint listening", "addr", addr, "service", service)
	return grpcServer, healthServer, nil
}

// demoWorker stands in for the real singleton process: it logs its
// lifecycle and reflects ownership in the health endpoint.
type demoWorker struct {
	logger  *slog.Logger
	health  *health.Server
	service string
}

func newDemoWorker(logger *slog.Logger, hs *health.Server, service string) *demoWorker {
	return &demoWorker{logger: logger, health: hs, service: service}
}

func (w *demoWorker) Start(ctx context.Context) error {
	w.health.SetServingStatus(w.service, healthpb.HealthCheckResponse_SERVING)
	w.logger.Info("worker started", "service", w.service)
	return nil
}

func (w *demoWorker) Stop(ctx context.Context) error {
	w.health.SetServingStatus(w.service, healthpb.HealthCheckResponse_NOT_SERVING)
	w.logger.Info("worker stopped", "service", w.service)
	return nil
}

func defaultAddress() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvDuration(name string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
