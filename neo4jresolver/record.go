package neo4jresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errPropertyNotFound occurs when a record lacks a column that the code reading
// it expects; most likely a Cypher query was changed without its reader.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a column of a record has a runtime
// type other than the one its reader expects.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty interface lists the column types read by this package.
// Add a type here when a query returns a new one.
type recordProperty interface {
	int64 | float64 | string | time.Time
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}

// getOptionalRecordProperty is like getRecordProperty, but returns the zero
// value for a null column.
func getOptionalRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	if prop == nil {
		return value, nil
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}

// panicWithCorruptedLog stops the process when the stored edge log contradicts
// itself; no resolver may keep working on top of it.
func panicWithCorruptedLog(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered a corrupted neo4j edge log", slog.String("error", reason))
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	corruptionCounter.Add(ctx, 1)
	panic(fmt.Errorf("seek developer attention: neo4j edge log is corrupted: %v", reason))
}
