package services

import (
	"context"

	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by the remote cart stores and by cartsync.Adapter.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// HealthCheckService answers grpc.health.v1 checks with the remote store's reachability.
type HealthCheckService struct {
	healthpb.UnimplementedHealthServer
	store Pinger
	log   logrus.FieldLogger
}

func NewHealthCheckService(store Pinger, log logrus.FieldLogger) *HealthCheckService {
	return &HealthCheckService{store: store, log: log}
}

// Check calls Ping and reports SERVING or NOT_SERVING.
func (h *HealthCheckService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	h.log.WithField("service", req.GetService()).Debug("HealthCheckService: Check called")
	if h.store.Ping(ctx) {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
}
