//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AuroralH2020/auroral-node-agent/errors"
)

func startNATSContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	ctx := context.Background()
	var healthy atomic.Bool

	client, err := NewClient(startNATSContainer(ctx, t), WithHealthChangeCallback(healthy.Store))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	assert.NoError(t, client.Ping(ctx))
	assert.Eventually(t, healthy.Load, time.Second, 10*time.Millisecond)

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_RequestReply(t *testing.T) {
	ctx := context.Background()
	url := startNATSContainer(ctx, t)

	adapter, err := NewClient(url, WithName("adapter"))
	require.NoError(t, err)
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Close(ctx)

	require.NoError(t, adapter.Subscribe("adapter.property.oid-1.temp", func(req []byte) []byte {
		return []byte(fmt.Sprintf(`{"msg":%s,"ts":"2024-03-01T12:00:00Z"}`, req))
	}))

	agent, err := NewClient(url, WithName("agent"), WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, agent.Connect(ctx))
	defer agent.Close(ctx)

	reply, err := agent.Request(ctx, "adapter.property.oid-1.temp", []byte(`{"value":21}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":{"value":21},"ts":"2024-03-01T12:00:00Z"}`, string(reply))

	_, err = agent.Request(ctx, "adapter.property.nobody.temp", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponders)
	assert.True(t, errors.IsKind(err, errors.KindUpstreamUnavailable))
}

func TestIntegration_CloseDrains(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(startNATSContainer(ctx, t))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))

	require.NoError(t, client.Close(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
	_, err = client.Request(ctx, "adapter.x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
