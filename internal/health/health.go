package health

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
)

// Server exposes grpc.health.v1. The overall service ("") and one service
// per network, named "network/<name>", each report SERVING or NOT_SERVING.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewServer() *Server {
	s := &Server{grpc: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// ServiceName is the health service name for a network.
func ServiceName(n chain.Network) string { return "network/" + n.Name }

// Track seeds every network as NOT_SERVING until its first dial.
func (s *Server) Track(networks []chain.Network) {
	for _, n := range networks {
		s.health.SetServingStatus(ServiceName(n), healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// OnDial records a dial outcome. It matches the chain.NewRegistry callback.
func (s *Server) OnDial(n chain.Network, err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(n), status)
}

// SetReady flips the overall service status.
func (s *Server) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Health returns the underlying implementation, for in-process checks.
func (s *Server) Health() healthpb.HealthServer { return s.health }

func (s *Server) Serve(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
