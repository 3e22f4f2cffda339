package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReflector runs a gRPC health service whose serving status tracks
// the aggregate cluster state (spec §4.10's OK/FAIL), polled at a fixed
// interval rather than pushed, since clusterstate.Evaluator already
// throttles its own recomputation and this only needs to notice a change
// quickly enough for an external load balancer's probe interval.
type HealthReflector struct {
	health   *health.Server
	stateFn  func() bool // true = cluster OK
	interval time.Duration
	stop     chan struct{}
}

// serviceName is registered under the empty string too, so a plain
// `grpc_health_probe` with no -service flag also works.
const serviceName = "clustermesh"

// NewHealthReflector wires a health.Server whose Check/Watch responses
// follow stateFn, polled every interval.
func NewHealthReflector(stateFn func() bool, interval time.Duration) *HealthReflector {
	if interval <= 0 {
		interval = time.Second
	}
	h := &HealthReflector{
		health:   health.NewServer(),
		stateFn:  stateFn,
		interval: interval,
		stop:     make(chan struct{}),
	}
	h.setStatus(stateFn())
	return h
}

// Register attaches the health service to a gRPC server.
func (h *HealthReflector) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

// Run polls stateFn until ctx is done, updating the reported status on
// every change.
func (h *HealthReflector) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.setStatus(h.stateFn())
		}
	}
}

// Stop ends a Run loop started without a cancelable context.
func (h *HealthReflector) Stop() { close(h.stop) }

func (h *HealthReflector) setStatus(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(serviceName, status)
	h.health.SetServingStatus("", status)
}
