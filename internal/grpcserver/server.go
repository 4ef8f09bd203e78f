package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// PipelineService is the health service name reported for the job pipeline.
const PipelineService = "dngpipe.Pipeline"

// Runner reports whether the job pipeline accepts work.
type Runner interface {
	Running() bool
}

// Server exposes the standard gRPC health service for a dngpipe process.
// Both the overall ("") and the PipelineService statuses follow the
// pipeline: SERVING while it runs, NOT_SERVING once it stops.
type Server struct {
	addr     string
	pipe     Runner
	log      *slog.Logger
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
}

// New creates a server that will listen on addr.
func New(addr string, pipe Runner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{
		addr:     addr,
		pipe:     pipe,
		log:      log,
		grpc:     gs,
		health:   hs,
		interval: time.Second,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then reports NOT_SERVING and stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.sync()
	served := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("grpc server shutting down")
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-served:
				return
			case <-ticker.C:
				s.sync()
			}
		}
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	close(served)
	<-done
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// sync copies the pipeline state into the health statuses.
func (s *Server) sync() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.pipe != nil && s.pipe.Running() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(PipelineService, st)
}
