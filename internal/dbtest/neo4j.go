package dbtest

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"

	"github.com/go-digitaltwin/go-resolution/internal/retry"
)

// Neo4jImage is the image of the Neo4j container.
//
// The enterprise edition is required to create a database per edge log.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// neo4jHTTP is the port of the browser and the HTTP endpoints.
const neo4jHTTP = nat.Port("7474/tcp")

// connectivity bounds the wait for the server to accept bolt connections once
// the container reports it is ready.
var connectivity = retry.Policy{Attempts: 6, Pause: 100 * time.Millisecond}

// SetupNeo4j runs a Neo4j container for the duration of the test and returns a
// driver connected to it. The test is marked parallel and skipped in short
// mode; the driver and the container are released during its cleanup.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, Neo4jImage,
		testcontainers.WithLogger(log.TestLogger(t)),
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating neo4j container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	httpEndpoint, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Encountered an error during cleanup while closing the neo4j driver:", err)
		}
	})

	// The container may report readiness before bolt accepts connections.
	err = retry.Do(ctx, connectivity, func(ctx context.Context) error {
		err := driver.VerifyConnectivity(ctx)
		if err != nil {
			t.Logf("Neo4j server is not reachable yet: %v", err)
		}
		return err
	})
	if err != nil {
		t.Fatalf("Failed to establish a connection with the remote neo4j server after retries: %v", err)
	}

	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("HTTP URL = %s/browser?preselectAuthMethod=%s&dbms=%s", httpEndpoint, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
			t.Logf("Bolt URL = %s", boltURL)
			waitForInspection()
		}
	})

	return driver
}
