package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// ServiceName is the overall service reported on the gRPC health endpoint
const ServiceName = "meeting-recorder"

// HealthReporter mirrors the readiness checks into a gRPC health server.
// Each check is reported as its own service; the overall service is
// serving only when all of them pass.
type HealthReporter struct {
	server   *health.Server
	checks   map[string]observability.HealthCheckFunc
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewHealthReporter creates a reporter polling checks every interval
func NewHealthReporter(checks map[string]observability.HealthCheckFunc, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h := &HealthReporter{
		server:   health.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   observability.Component("grpc-health"),
	}
	h.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer creates a gRPC server carrying only the health service
func (h *HealthReporter) NewGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second,
			Timeout: 3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(srv, h.server)
	return srv
}

// Check runs every check once and publishes the statuses
func (h *HealthReporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	deps, ok := observability.CheckDependencies(ctx, h.checks)
	for name, dep := range deps {
		status := healthpb.HealthCheckResponse_SERVING
		if dep.Status != "healthy" {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			h.logger.Warn().Str("dependency", name).Str("message", dep.Message).Msg("Dependency unhealthy")
		}
		h.server.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !ok {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(ServiceName, overall)
	return ok
}

// Run polls until ctx is done, then marks every service not serving
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
