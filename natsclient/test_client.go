package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultNATSImage is the server image used by NewTestClient
const DefaultNATSImage = "nats:2.11.7-alpine"

// TestClient is a JetStream enabled NATS server in a container plus a
// connected Client, for integration tests
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

// NewTestClient starts the container and connects. The container is
// terminated by t.Cleanup.
func NewTestClient(t testing.TB) *TestClient {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        DefaultNATSImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithTimeout(5*time.Second), WithReconnect(0, 0))
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{container: container, Client: client, URL: url}
}

// Stream returns a live handle on an existing stream
func (tc *TestClient) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	js, err := tc.Client.JetStream()
	if err != nil {
		return nil, err
	}
	return js.Stream(ctx, name)
}
