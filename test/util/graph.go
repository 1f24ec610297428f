package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// testGraphPassword is the admin password of the shared Neo4j testcontainer.
const testGraphPassword = "memorytest"

var (
	sharedBoltURL string
	graphOnce     sync.Once
	graphErr      error
)

// SetupTestGraph returns the bolt URI and password of a Neo4j instance for
// graph integration tests. All tests share one instance; isolate data through
// per-test session IDs.
// - CI: connects to the external Neo4j from CI_NEO4J_URL / CI_NEO4J_PASSWORD
// - Local: uses a shared Neo4j testcontainer (started once per package)
func SetupTestGraph(t *testing.T) (uri, password string) {
	if ciURL := os.Getenv("CI_NEO4J_URL"); ciURL != "" {
		t.Log("Using external Neo4j from CI_NEO4J_URL")
		return ciURL, os.Getenv("CI_NEO4J_PASSWORD")
	}

	graphOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Neo4j testcontainer for all tests")

		container, err := tcneo4j.Run(ctx, "neo4j:5",
			tcneo4j.WithAdminPassword(testGraphPassword))
		if err != nil {
			graphErr = fmt.Errorf("failed to start neo4j container: %w", err)
			return
		}
		sharedBoltURL, err = container.BoltUrl(ctx)
		if err != nil {
			graphErr = fmt.Errorf("failed to get bolt url: %w", err)
			return
		}
		t.Logf("Shared graph container ready: %s", sharedBoltURL)
	})

	require.NoError(t, graphErr, "Failed to setup shared graph container")
	return sharedBoltURL, testGraphPassword
}
