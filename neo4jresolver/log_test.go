package neo4jresolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/internal/dbtest"
	"github.com/go-digitaltwin/go-resolution/resolvertest"
)

func TestLog(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapDatabase(ctx, driver, "conformance"); err != nil {
		t.Fatal(err)
	}
	resolvertest.Run(t, NewLog(driver, "conformance"))
}

func TestLog_roundTrip(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapDatabase(ctx, driver, "round-trip"); err != nil {
		t.Fatal(err)
	}
	log := NewLog(driver, "round-trip")

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	first := resolution.Edge{Source: "a", Target: "b", Judgement: resolution.Positive, User: "reviewer", Score: 0.75, CreatedAt: t0}
	second := resolution.Edge{Source: "a", Target: "b", Judgement: resolution.Negative, CreatedAt: t0.Add(time.Second)}

	if err := log.Append(ctx, first); err != nil {
		t.Fatal("Append:", err)
	}
	if err := log.Tombstone(ctx, first, second.CreatedAt); err != nil {
		t.Fatal("Tombstone:", err)
	}
	if err := log.Append(ctx, second); err != nil {
		t.Fatal("Append:", err)
	}

	var got []resolution.Edge
	for e, err := range log.Edges(ctx) {
		if err != nil {
			t.Fatal("Edges:", err)
		}
		got = append(got, e)
	}
	first.DeletedAt = second.CreatedAt
	if diff := cmp.Diff([]resolution.Edge{first, second}, got); diff != "" {
		t.Errorf("Edges() mismatch (-want +got):\n%s", diff)
	}

	t.Run("TombstoneTwice", func(t *testing.T) {
		err := log.Tombstone(ctx, first, t0.Add(time.Hour))
		if !errors.Is(err, resolution.ErrNotFound) {
			t.Errorf("Tombstone() error = %v, want %v", err, resolution.ErrNotFound)
		}
	})
	t.Run("OutOfOrder", func(t *testing.T) {
		late := resolution.Edge{Source: "c", Target: "d", Judgement: resolution.Unsure, CreatedAt: t0}
		if err := log.Append(ctx, late); err == nil {
			t.Error("Append() of an edge older than the log succeeded, want error")
		}
	})
	t.Run("NotNormalised", func(t *testing.T) {
		swapped := resolution.Edge{Source: "d", Target: "c", Judgement: resolution.Unsure, CreatedAt: t0.Add(time.Hour)}
		if err := log.Append(ctx, swapped); err == nil {
			t.Error("Append() of a non-normalised edge succeeded, want error")
		}
	})
}
