// Package neo4jresolver stores the edge log of an identity graph in Neo4j.
//
// Identifiers are nodes labelled Identifier, keyed by their id. Every edge of
// the log is a JUDGEMENT relationship from its source to its target, carrying
// the judgement, the user, the score and the creation time. Tombstoned edges
// stay in the graph with a deleted_at property, so the database holds the whole
// history of the identity graph.
package neo4jresolver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-resolution"
)

// Log implements [resolution.EdgeLog] on a Neo4j database.
//
// Every call opens its own session, and every modification executes in its own
// managed transaction, so a Log is safe for concurrent use. Yet the log does
// not arbitrate between concurrent writers: a single resolver is expected to
// own it.
type Log struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Database holding the edge log.
}

// NewLog returns a Log stored in the given database, which should have been
// prepared with BootstrapDatabase.
func NewLog(driver neo4j.DriverWithContext, database string) *Log {
	return &Log{driver: driver, database: database}
}

// Append adds the edge to the log. It fails if the edge is not normalised or
// was created before the latest edge in the log.
func (l *Log) Append(ctx context.Context, e resolution.Edge) (err error) {
	ctx, span := tracer.Start(ctx, "Append", trace.WithAttributes(
		attribute.String("neo4j.database", l.database),
		attribute.Stringer("resolution.pair", e.Pair()),
	))
	defer span.End()
	defer measureQuery(ctx, "append", time.Now())

	if resolution.CompareIDs(e.Source, e.Target) >= 0 {
		return fmt.Errorf("append %v: edge is not normalised", e)
	}

	err = l.write(ctx, func(tx neo4j.ManagedTransaction) error {
		latest, err := latestCreation(ctx, tx)
		if err != nil {
			return fmt.Errorf("latest edge: %w", err)
		}
		if e.CreatedAt.Before(latest) {
			return fmt.Errorf("created before the last edge in the log (%v)", latest)
		}

		result, err := tx.Run(ctx, `
			MERGE (s:Identifier {id: $source})
			MERGE (t:Identifier {id: $target})
			CREATE (s)-[r:JUDGEMENT {
				judgement: $judgement,
				user: $user,
				score: $score,
				created_at: $created_at
			}]->(t)
			RETURN count(r) AS edges
		`, map[string]any{
			"source":     e.Source,
			"target":     e.Target,
			"judgement":  e.Judgement.String(),
			"user":       e.User,
			"score":      e.Score,
			"created_at": e.CreatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return fmt.Errorf("query single result: %w", err)
		}
		edges, err := getRecordProperty[int64](record, "edges")
		if err != nil {
			return fmt.Errorf("get edges: %w", err)
		}
		if edges != 1 {
			panicWithCorruptedLog(ctx, fmt.Sprintf("append created %v relationships instead of 1", edges))
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append %v: %w", e, err)
	}
	return nil
}

// Tombstone marks the live edge of e's pair created at e.CreatedAt as deleted
// at the given time. It returns resolution.ErrNotFound if no such edge is live.
func (l *Log) Tombstone(ctx context.Context, e resolution.Edge, at time.Time) (err error) {
	ctx, span := tracer.Start(ctx, "Tombstone", trace.WithAttributes(
		attribute.String("neo4j.database", l.database),
		attribute.Stringer("resolution.pair", e.Pair()),
	))
	defer span.End()
	defer measureQuery(ctx, "tombstone", time.Now())

	err = l.write(ctx, func(tx neo4j.ManagedTransaction) error {
		result, err := tx.Run(ctx, `
			MATCH (:Identifier {id: $source})-[r:JUDGEMENT]->(:Identifier {id: $target})
			WHERE r.created_at = $created_at AND r.deleted_at IS NULL
			SET r.deleted_at = $deleted_at
			RETURN count(r) AS edges
		`, map[string]any{
			"source":     e.Source,
			"target":     e.Target,
			"created_at": e.CreatedAt.UTC(),
			"deleted_at": at.UTC(),
		})
		if err != nil {
			return fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return fmt.Errorf("query single result: %w", err)
		}
		edges, err := getRecordProperty[int64](record, "edges")
		if err != nil {
			return fmt.Errorf("get edges: %w", err)
		}
		switch {
		case edges == 0:
			return resolution.ErrNotFound
		case edges > 1:
			// At most one edge of a pair is live at any time.
			panicWithCorruptedLog(ctx, fmt.Sprintf("tombstone matched %v live relationships of %v", edges, e.Pair()))
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("tombstone %v: %w", e, err)
	}
	return nil
}

// Edges streams every edge of the log in creation order.
func (l *Log) Edges(ctx context.Context) iter.Seq2[resolution.Edge, error] {
	return func(yield func(resolution.Edge, error) bool) {
		ctx, span := tracer.Start(ctx, "Edges", trace.WithAttributes(
			attribute.String("neo4j.database", l.database),
		))
		defer span.End()
		logger := component.Logger(ctx).With("neo4j.database", l.database)

		s := l.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: l.database,
			AccessMode:   neo4j.AccessModeRead,
		})
		defer func() {
			if err := s.Close(ctx); err != nil {
				logger.Error("Failed to close session", slog.Any("error", err), slog.String("mode", "read"))
			}
		}()

		// Ties in creation time cannot be told apart by the log; the pair orders
		// them so that every read agrees.
		result, err := s.Run(ctx, `
			MATCH (s:Identifier)-[r:JUDGEMENT]->(t:Identifier)
			RETURN
				s.id AS source,
				t.id AS target,
				r.judgement AS judgement,
				r.user AS user,
				r.score AS score,
				r.created_at AS created_at,
				r.deleted_at AS deleted_at
			ORDER BY r.created_at, s.id, t.id
		`, nil)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			yield(resolution.Edge{}, fmt.Errorf("run cypher: %w", err))
			return
		}
		// Drain the cursor if the caller stops early.
		defer func() {
			if _, err := result.Consume(ctx); err != nil {
				logger.Error("Failed to drain a neo4j connection", slog.Any("error", err))
			}
		}()

		var n int
		for result.Next(ctx) {
			e, err := parseEdge(result.Record())
			if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
				logger.Error("A Cypher query was modified without care", slog.Any("error", err))
				panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
			}
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				yield(resolution.Edge{}, fmt.Errorf("parse edge: %w", err))
				return
			}
			n++
			if !yield(e, nil) {
				return
			}
		}
		if err := result.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			yield(resolution.Edge{}, fmt.Errorf("iterate edges: %w", err))
			return
		}
		span.SetAttributes(attribute.Int("resolution.edges", n))
	}
}

// write executes fn in a managed write transaction on a fresh session.
//
// It panics when fn fails because a Cypher query and the code that reads its
// records disagree.
func (l *Log) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	logger := component.Logger(ctx).With("neo4j.database", l.database)

	s := l.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: l.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", slog.Any("error", err), slog.String("mode", "write"))
		}
	}()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	} else if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
		logger.Error("A Cypher query was modified without care", slog.Any("error", err))
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	}
	return err
}

// latestCreation returns the creation time of the latest edge in the log, or
// the zero time for an empty log.
func latestCreation(ctx context.Context, tx neo4j.ManagedTransaction) (time.Time, error) {
	result, err := tx.Run(ctx, `
		MATCH ()-[r:JUDGEMENT]->()
		RETURN r.created_at AS created_at
		ORDER BY r.created_at DESC
		LIMIT 1
	`, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("run cypher: %w", err)
	}
	if !result.Next(ctx) {
		return time.Time{}, result.Err()
	}
	return getRecordProperty[time.Time](result.Record(), "created_at")
}

func parseEdge(record *neo4j.Record) (e resolution.Edge, err error) {
	if e.Source, err = getRecordProperty[string](record, "source"); err != nil {
		return e, fmt.Errorf("get source: %w", err)
	}
	if e.Target, err = getRecordProperty[string](record, "target"); err != nil {
		return e, fmt.Errorf("get target: %w", err)
	}
	j, err := getRecordProperty[string](record, "judgement")
	if err != nil {
		return e, fmt.Errorf("get judgement: %w", err)
	}
	if e.Judgement, err = resolution.ParseJudgement(j); err != nil {
		return e, err
	}
	if e.User, err = getRecordProperty[string](record, "user"); err != nil {
		return e, fmt.Errorf("get user: %w", err)
	}
	if e.Score, err = getRecordProperty[float64](record, "score"); err != nil {
		return e, fmt.Errorf("get score: %w", err)
	}
	createdAt, err := getRecordProperty[time.Time](record, "created_at")
	if err != nil {
		return e, fmt.Errorf("get created_at: %w", err)
	}
	e.CreatedAt = createdAt.UTC()
	deletedAt, err := getOptionalRecordProperty[time.Time](record, "deleted_at")
	if err != nil {
		return e, fmt.Errorf("get deleted_at: %w", err)
	}
	e.DeletedAt = deletedAt.UTC()
	return e, nil
}
