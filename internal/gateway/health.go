// ABOUTME: gRPC health reporting for the gateway and each instance
// ABOUTME: Maps instance status changes to per-instance health services

package gateway

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/hive-gateway/internal/instance"
)

// InstanceHealthService names the health service of instance id.
func InstanceHealthService(id string) string {
	return "hive.instance/" + id
}

// healthObserver keeps one health service per instance: SERVING while
// connected, NOT_SERVING otherwise.
type healthObserver struct {
	server *health.Server
}

func (h *healthObserver) StatusChanged(id string, status instance.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status == instance.StatusConnected {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(InstanceHealthService(id), serving)
}

func (h *healthObserver) Removed(id string) {
	h.server.SetServingStatus(InstanceHealthService(id), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}
