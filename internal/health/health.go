// Package health exposes grpc.health.v1.Health for the inspector process.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the per-service name reported next to the overall "" entry.
const ServiceName = "sbinspect"

const defaultCheckInterval = 10 * time.Second

// Checker reports an error when the backend cannot serve requests.
type Checker func(ctx context.Context) error

type Server struct {
	Check    Checker
	Interval time.Duration
	Logger   *slog.Logger

	grpc   *grpc.Server
	health *grpchealth.Server
}

func NewServer(check Checker, opts ...grpc.ServerOption) *Server {
	s := &Server{
		Check:  check,
		grpc:   grpc.NewServer(opts...),
		health: grpchealth.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Probe runs the checker once and publishes its result.
func (s *Server) Probe(ctx context.Context) bool {
	if s.Check == nil {
		s.set(healthpb.HealthCheckResponse_SERVING)
		return true
	}
	if err := s.Check(ctx); err != nil {
		s.logger().Warn("health_check_failed", slog.Any("err", err))
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes the backend every Interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	s.Probe(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Probe(ctx)
		}
	}
}

func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Shutdown reports NOT_SERVING to watchers and stops the server, forcing
// it closed once ctx is done.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
