package neo4jresolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BootstrapDatabase creates the database of an edge log with its constraints
// and indexes. It is idempotent.
//
// Identifiers are keyed by id, which also prevents duplicate nodes when two
// transactions MERGE the same identifier concurrently. Relationships are
// indexed by creation time, which orders the log.
//
// Open sessions on the created database by naming it in the session config:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	// Schema commands cannot share a transaction with other commands, so each
	// runs in its own auto-commit transaction.
	schema := []string{
		// Key constraints require the enterprise edition.
		`CREATE CONSTRAINT identifier_id IF NOT EXISTS
		 FOR (n:Identifier)
		 REQUIRE n.id IS NODE KEY`,
		`CREATE INDEX judgement_created_at IF NOT EXISTS
		 FOR ()-[r:JUDGEMENT]-()
		 ON (r.created_at)`,
	}
	for _, query := range schema {
		if _, err := s.Run(ctx, query, nil); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jresolver: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jresolver: database name must not be neo4j: reserved for the default database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jresolver: names that begin with an underscore or with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// Neo4j creates databases asynchronously; WAIT returns once it is online.
	_, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS WAIT`, map[string]any{
		"name": name,
	})
	return err
}
