package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/matchlink/internal/config"
)

func TestHealthReportsServingState(t *testing.T) {
	h := NewHealth(config.HealthConfig{Host: "127.0.0.1", Port: 0}, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()
	t.Cleanup(func() {
		h.Stop()
		<-done
	})

	select {
	case <-h.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("health endpoint did not start")
	}

	conn, err := grpc.NewClient(h.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(HealthService))

	h.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthService))

	h.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(HealthService))
}

func TestHealthListenFailure(t *testing.T) {
	h := NewHealth(config.HealthConfig{Host: "256.0.0.1", Port: 1}, zaptest.NewLogger(t))
	assert.Error(t, h.Start(context.Background()))
}
