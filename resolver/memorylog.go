package resolver

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/go-digitaltwin/go-resolution"
)

// MemoryLog is an in-process resolution.EdgeLog backed by an append-only slice.
//
// The zero value is an empty log ready for use. A MemoryLog is safe for
// concurrent use.
type MemoryLog struct {
	mu    sync.Mutex
	edges []resolution.Edge
}

// NewMemoryLog returns a log pre-populated with the given edges, which must be
// in creation order.
func NewMemoryLog(edges ...resolution.Edge) *MemoryLog {
	return &MemoryLog{edges: slices.Clone(edges)}
}

func (m *MemoryLog) Append(_ context.Context, e resolution.Edge) error {
	if resolution.CompareIDs(e.Source, e.Target) >= 0 {
		return fmt.Errorf("append %v: edge is not normalised", e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.edges); n > 0 && e.CreatedAt.Before(m.edges[n-1].CreatedAt) {
		return fmt.Errorf("append %v: created before the last edge in the log", e)
	}
	m.edges = append(m.edges, e)
	return nil
}

func (m *MemoryLog) Tombstone(_ context.Context, e resolution.Edge, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Recent edges are the likeliest to be overridden.
	for i := len(m.edges) - 1; i >= 0; i-- {
		x := &m.edges[i]
		if x.Pair() == e.Pair() && x.CreatedAt.Equal(e.CreatedAt) && !x.IsDeleted() {
			x.DeletedAt = at
			return nil
		}
	}
	return fmt.Errorf("tombstone %v: %w", e, resolution.ErrNotFound)
}

func (m *MemoryLog) Edges(context.Context) iter.Seq2[resolution.Edge, error] {
	m.mu.Lock()
	snapshot := slices.Clone(m.edges)
	m.mu.Unlock()
	return func(yield func(resolution.Edge, error) bool) {
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len returns the number of edges in the log, including tombstoned edges.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}
