package server

import (
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the service whose status reflects whether the server
// accepts work. The empty (overall) service mirrors it.
const HealthServiceName = "supercut"

type healthServer struct {
	listener net.Listener
	server   *grpc.Server
	health   *health.Server
}

func newHealthServer(address string) (*healthServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             15 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthgrpc.RegisterHealthServer(server, hs)
	h := &healthServer{
		listener: listener,
		server:   server,
		health:   hs,
	}
	h.SetServing(false)
	return h, nil
}

// Addr returns the address the health endpoint listens on.
func (h *healthServer) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *healthServer) Serve() {
	slog.With("address", h.listener.Addr().String()).Info("health endpoint starting")
	if err := h.server.Serve(h.listener); err != nil {
		slog.With("error", err).Warn("health endpoint stopped with error")
	}
}

// SetServing is a no-op on a nil receiver, so callers need not check whether
// the endpoint is enabled.
func (h *healthServer) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := healthgrpc.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthgrpc.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

func (h *healthServer) Stop() {
	h.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		slog.Warn("health endpoint graceful stop timed out, forcing stop")
		h.server.Stop()
	}
}
