// Package admin serves the gRPC health and reflection services next to the
// public HTTP API so orchestrators can probe the instance.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DownloadsService is the health entry reflecting whether new downloads are accepted.
const DownloadsService = "ytgrab.Downloads"

type Server struct {
	logger *slog.Logger
	srv    *grpc.Server
	health *health.Server
}

func New(logger *slog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RequestIDInterceptor(),
			RecoveryUnaryInterceptor(logger),
			UnaryLoggingInterceptor(logger),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(DownloadsService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{logger: logger, srv: srv, health: hs}
}

// SetServing flips both the overall and the downloads health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(DownloadsService, st)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("admin gRPC server listening", slog.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop drains in-flight RPCs and falls back to a hard stop when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing stop")
		s.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}
