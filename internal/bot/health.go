package bot

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/matchlink/internal/config"
)

// HealthService is the service name the bot reports under, besides "".
const HealthService = "matchlink.bot"

// StatusReporter receives the bot's serving state.
type StatusReporter interface {
	SetServing(serving bool)
}

// Health serves the standard gRPC health protocol. It reports NOT_SERVING until
// the bot is in a room.
type Health struct {
	addr   string
	logger *zap.Logger
	server *grpc.Server
	status *health.Server

	mu    sync.Mutex
	bound string
	ready chan struct{}
}

// NewHealth creates a Health for cfg.
func NewHealth(cfg config.HealthConfig, logger *zap.Logger) *Health {
	status := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, status)
	h := &Health{
		addr:   cfg.Addr(),
		logger: logger,
		server: server,
		status: status,
		ready:  make(chan struct{}),
	}
	h.SetServing(false)
	return h
}

// SetServing updates both the overall and the bot service status.
func (h *Health) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", st)
	h.status.SetServingStatus(HealthService, st)
}

// Start listens and serves until Stop.
func (h *Health) Start(context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.bound = lis.Addr().String()
	h.mu.Unlock()
	close(h.ready)
	h.logger.Info("health endpoint listening", zap.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Stop shuts the endpoint down. Watchers are told NOT_SERVING first.
func (h *Health) Stop() {
	h.status.Shutdown()
	h.server.GracefulStop()
}

// Ready is closed once the endpoint is listening.
func (h *Health) Ready() <-chan struct{} {
	return h.ready
}

// Addr returns the bound address, or "" before Ready.
func (h *Health) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}
