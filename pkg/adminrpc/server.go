// Package adminrpc exposes receiver liveness over the standard gRPC health
// protocol, with server reflection for grpcurl-style tooling.
package adminrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/framestore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ReceiverService is the health service name of the receive loop.
const ReceiverService = "farshow.Receiver"

// StreamService is the health service name tracking one stream.
func StreamService(stream string) string {
	return "farshow.stream." + stream
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server

	mu      sync.Mutex
	tracked map[string]bool
}

func New() *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus(ReceiverService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		grpcServer: gs,
		health:     hs,
		tracked:    make(map[string]bool),
	}
}

// SetReceiverServing flips the receive loop's status.
func (s *Server) SetReceiverServing(serving bool) {
	s.health.SetServingStatus(ReceiverService, status(serving))
}

// TrackStreams refreshes per-stream health every interval until ctx is done.
// A stream is serving while its latest frame is younger than staleAfter.
func (s *Server) TrackStreams(ctx context.Context, store *framestore.Store, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.refreshStreams(store, time.Now(), staleAfter)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) refreshStreams(store *framestore.Store, now time.Time, staleAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range store.Snapshot() {
		if e.Frame == nil {
			continue
		}
		serving := staleAfter <= 0 || now.Sub(e.Frame.ReceivedAt) < staleAfter
		if prev, ok := s.tracked[name]; ok && prev == serving {
			continue
		}
		s.tracked[name] = serving
		s.health.SetServingStatus(StreamService(name), status(serving))
		internal.Debug("stream health changed", internal.Fields{
			internal.FieldStream:         name,
			internal.FieldKey("serving"): serving,
		})
	}
}

func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve blocks until ctx is cancelled, then stops gracefully with a timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		internal.Info("admin grpc server started", internal.Fields{
			internal.FieldAddr: ln.Addr().String(),
		})
		errCh <- s.grpcServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			internal.Error("grpc server exited with error", internal.Fields{
				internal.FieldError: err.Error(),
			})
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		internal.Error("graceful shutdown timed out - forcing exit", nil)
		s.grpcServer.Stop()
	}
	return nil
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
