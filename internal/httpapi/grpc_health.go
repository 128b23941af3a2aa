package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"befunny.io/auth/internal/obs"
)

// GRPCServiceName is the service name reported by the health service in
// addition to the server-wide "" entry.
const GRPCServiceName = "befunny.auth"

// HealthServer publishes readiness through grpc.health.v1.Health.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
}

// NewHealthServer creates the health service. Status starts as NOT_SERVING
// until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	h := &HealthServer{srv: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness probe once and updates the published status.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	if err := h.readiness.Check(ctx); err != nil {
		obs.From(ctx).Warn().Err(err).Msg("grpc health: not serving")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes every interval until ctx is done, then marks the service
// as shutting down.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			h.Refresh(probeCtx)
			cancel()
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(GRPCServiceName, status)
}
