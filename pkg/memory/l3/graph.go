// Package l3 implements the episodic tier: every episode is written to a
// vector index (PostgreSQL + pgvector) and a graph store (Neo4j), in that
// order. Graph access is template-gated; relations are bi-temporal.
package l3

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphExecutor runs parameterized Cypher statements. The interface exists so
// tests can substitute an in-memory fake for the Neo4j driver.
type GraphExecutor interface {
	Execute(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// NoopGraph satisfies GraphExecutor for variants that only use the vector
// modality. Writes succeed without effect; queries return no rows.
type NoopGraph struct{}

func (NoopGraph) Execute(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (NoopGraph) Close(context.Context) error { return nil }

// Neo4jExecutor is the production GraphExecutor.
type Neo4jExecutor struct {
	driver neo4j.DriverWithContext
	dbName string
}

// Neo4jConfig holds graph store connection settings.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewNeo4jExecutor connects to the graph store and verifies connectivity.
func NewNeo4jExecutor(ctx context.Context, cfg Neo4jConfig) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}
	return &Neo4jExecutor{driver: driver, dbName: cfg.Database}, nil
}

// Execute runs one Cypher statement with parameter binding and returns the
// result rows as maps keyed by the statement's return aliases.
func (e *Neo4jExecutor) Execute(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	result, err := neo4j.ExecuteQuery(ctx, e.driver, cypher, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(e.dbName))
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}

	rows := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			value, _ := record.Get(key)
			row[key] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close releases the driver.
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}
