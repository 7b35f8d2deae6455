package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "tender.Queue"

// HealthMonitor mirrors the store probe into the gRPC health service.
type HealthMonitor struct {
	hs      *health.Server
	probe   Prober
	timeout time.Duration
	serving atomic.Bool
	logger  *slog.Logger
}

// NewGRPCHealth returns a monitor whose health server starts NOT_SERVING
// until the first successful probe.
func NewGRPCHealth(probe Prober, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &HealthMonitor{hs: health.NewServer(), probe: probe, timeout: 3 * time.Second, logger: logger}
	m.set(false)
	return m
}

func (m *HealthMonitor) Server() *health.Server { return m.hs }

func (m *HealthMonitor) Serving() bool { return m.serving.Load() }

func (m *HealthMonitor) set(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	m.hs.SetServingStatus("", st)
	m.hs.SetServingStatus(ServiceName, st)
	if prev := m.serving.Swap(ok); prev != ok {
		m.logger.Info("health status changed", "serving", ok)
	}
}

// Check runs the probe once and updates the serving status.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe(ctx)
	if err != nil {
		m.logger.Warn("store probe failed", "error", err)
	}
	m.set(err == nil)
	return err == nil
}

// Run probes every interval until ctx is done, then reports NOT_SERVING for
// the rest of the shutdown.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.hs.Shutdown()
			m.serving.Store(false)
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

// errorInterceptor logs failed calls and maps application errors to gRPC
// status codes.
func errorInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("grpc call failed", "method", info.FullMethod, "error", err)
			return resp, common.GRPCStatus(err)
		}
		return resp, nil
	}
}

// NewGRPCServer returns a server with health and reflection registered.
func NewGRPCServer(m *HealthMonitor, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(errorInterceptor(m.logger))}, opts...)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, m.Server())
	reflection.Register(s)
	return s
}
