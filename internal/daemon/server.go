package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PlatformService is the health service name reported for one adapter.
func PlatformService(platform string) string {
	return "fedrelay.platform." + platform
}

// ControlServer serves gRPC health over the daemon's Unix domain socket.
// The overall service ("") is SERVING once the daemon has started; each
// adapter is SERVING while READY.
type ControlServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
	unsub      func()
	quit       chan struct{}
}

// NewControlServer binds the control socket.
func NewControlServer(socketPath string, logger *zap.Logger) (*ControlServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &ControlServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		quit:       make(chan struct{}),
	}, nil
}

// Start begins serving. Blocks until stopped.
func (s *ControlServer) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// SetServing flips the overall health status.
func (s *ControlServer) SetServing(serving bool) {
	s.health.SetServingStatus("", servingStatus(serving))
}

// SetPlatform records an adapter's state.
func (s *ControlServer) SetPlatform(platform string, st status.State) {
	s.health.SetServingStatus(PlatformService(platform), servingStatus(st == status.Ready))
}

// Watch follows adapter status changes on the bus until Stop.
func (s *ControlServer) Watch(b *bus.Bus) {
	ch, unsub := b.Subscribe(bus.KindPlatformStatus, 16)
	s.unsub = unsub
	go func() {
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.SetPlatform(change.Platform, change.To)
				}
			case <-s.quit:
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING, drains the server and removes the socket.
func (s *ControlServer) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	if s.unsub != nil {
		s.unsub()
	}
	close(s.quit)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
