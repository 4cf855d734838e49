package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradegate/internal/session"
)

// SessionService is the health service name that tracks the session slot.
const SessionService = "tradegate.Session"

// HealthService exposes grpc.health.v1.Health. The overall service ("")
// is SERVING while the process runs; SessionService is SERVING only while a
// broker session is installed.
type HealthService struct {
	srv *health.Server
}

// NewHealthService creates a health server that follows st.
func NewHealthService(st *session.Store) *HealthService {
	h := &HealthService{srv: health.NewServer()}
	st.OnChange(func(active bool) {
		h.srv.SetServingStatus(SessionService, servingStatus(active))
	})
	return h
}

// Register attaches the health service to gs.
func (h *HealthService) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() {
	h.srv.Shutdown()
}

func servingStatus(active bool) healthpb.HealthCheckResponse_ServingStatus {
	if active {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
