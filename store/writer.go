package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/dgraph-io/badger/v4"

	"github.com/go-digitaltwin/go-resolution"
)

// A Writer buffers the statements of one dataset version until they are
// flushed. A Writer is not safe for concurrent use.
type Writer struct {
	store   *Store
	dataset string
	version resolution.Version
	buffer  map[resolution.StatementID]resolution.Statement
}

// Writer returns a writer scoped to a version of a dataset.
func (s *Store) Writer(dataset string, version resolution.Version) *Writer {
	return &Writer{
		store:   s,
		dataset: dataset,
		version: version,
		buffer:  make(map[resolution.StatementID]resolution.Statement),
	}
}

// Add validates a statement and buffers it. Statements sharing a natural key
// are upserted. Add rejects statements of other datasets and statements whose
// schema or property is unknown to the store's registry.
func (w *Writer) Add(stmt resolution.Statement) error {
	if err := stmt.Normalize(w.store.registry); err != nil {
		return fmt.Errorf("add statement: %w", err)
	}
	if stmt.Dataset != w.dataset {
		return fmt.Errorf("add statement %s: dataset %q written to %q", stmt.ID, stmt.Dataset, w.dataset)
	}
	if !validKeyComponent(stmt.EntityID) {
		return fmt.Errorf("add statement %s: invalid entity id %q", stmt.ID, stmt.EntityID)
	}
	if prev, ok := w.buffer[stmt.ID]; ok {
		stmt = prev.Upsert(stmt)
	}
	w.buffer[stmt.ID] = stmt
	return nil
}

// Buffered returns the number of statements waiting for Flush.
func (w *Writer) Buffered() int { return len(w.buffer) }

// Flush commits the buffered statements. Readers of the version observe them
// once Flush returns; the version is listed by Store.Versions once its first
// flush completes.
func (w *Writer) Flush(ctx context.Context) error {
	return w.flush(ctx, true)
}

// flush commits the buffered statements and, if list is set, the version
// marker. Chunks of a larger import are flushed unlisted so that an import
// broken halfway leaves no listed version behind.
func (w *Writer) flush(ctx context.Context, list bool) error {
	ctx, span := tracer.Start(ctx, "Writer.Flush")
	defer span.End()

	if !validKeyComponent(w.dataset) || !validKeyComponent(w.version.ID) {
		return fmt.Errorf("flush %s/%s: invalid dataset or version", w.dataset, w.version)
	}
	start := time.Now()
	n := len(w.buffer)

	// Commit in as many transactions as Badger allows. The version marker is set
	// last, so an interrupted flush leaves a new version unlisted.
	txn := w.store.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	pending := slices.SortedFunc(maps.Values(w.buffer), func(a, b resolution.Statement) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	for _, stmt := range pending {
		stmt, err := w.merge(txn, stmt)
		if err != nil {
			return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
		}
		value, err := encodeStatement(stmt)
		if err != nil {
			return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
		}
		key := statementKey(w.dataset, w.version, stmt)
		if err := txn.Set(key, value); errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
			}
			txn = w.store.db.NewTransaction(true)
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
			}
		} else if err != nil {
			return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
		}
	}
	if list {
		if err := txn.Set(versionKey(w.dataset, w.version), nil); err != nil {
			return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("flush %s/%s: %w", w.dataset, w.version, err)
	}

	clear(w.buffer)
	measureFlush(ctx, w.dataset, n, start)
	component.Logger(ctx).Debug("Flushed statements",
		slog.String("dataset", w.dataset),
		slog.String("version", w.version.ID),
		slog.Int("statements", n),
	)
	return nil
}

// merge upserts stmt into an already committed observation of the same
// statement, if any.
func (w *Writer) merge(txn *badger.Txn, stmt resolution.Statement) (resolution.Statement, error) {
	item, err := txn.Get(statementKey(w.dataset, w.version, stmt))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return stmt, nil
	}
	if err != nil {
		return stmt, err
	}
	var prev resolution.Statement
	err = item.Value(func(val []byte) (err error) {
		prev, err = decodeStatement(val)
		return err
	})
	if err != nil {
		return stmt, err
	}
	return prev.Upsert(stmt), nil
}

// Release flushes the writer and marks its version as the latest version of
// the dataset, which is the version views read by default.
func (w *Writer) Release(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if err := w.store.release(w.dataset, w.version); err != nil {
		return err
	}
	component.Logger(ctx).Info("Released dataset version",
		slog.String("dataset", w.dataset),
		slog.String("version", w.version.ID),
	)
	return nil
}
