//go:build integration

package natsbridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:latest",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestBridge_NATS(t *testing.T) {
	url := startNATS(t)

	nc, err := Connect(Config{URLs: []string{url}, ReconnectWait: time.Second, MaxReconnects: 1}, nil)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("hpfeeds.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	b := New(nc, "hpfeeds", nil)
	b.Handle("sensor1", "dionaea.capture", []byte("payload"))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "hpfeeds.dionaea.capture", msg.Subject)
	require.Equal(t, "sensor1", msg.Header.Get(HeaderIdent))
	require.Equal(t, "dionaea.capture", msg.Header.Get(HeaderChannel))
	require.Equal(t, []byte("payload"), msg.Data)

	relayed, failed := b.Stats()
	require.Equal(t, uint64(1), relayed)
	require.Zero(t, failed)
}
