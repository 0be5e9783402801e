package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/pack"
)

// flushEvery bounds the statements buffered while importing a pack.
const flushEvery = 50_000

// ImportPack reads a statement pack into a version of a dataset and releases
// the version.
func (s *Store) ImportPack(ctx context.Context, dataset string, version resolution.Version, r io.Reader) error {
	w, err := s.importPack(ctx, dataset, version, r)
	if err != nil {
		return err
	}
	return w.Release(ctx)
}

// importPack reads a statement pack into a flushed, unreleased version. The
// version is listed only once the whole pack is imported.
func (s *Store) importPack(ctx context.Context, dataset string, version resolution.Version, r io.Reader) (*Writer, error) {
	ctx, span := tracer.Start(ctx, "ImportPack")
	defer span.End()

	w := s.Writer(dataset, version)
	for stmt, err := range pack.All(r) {
		if err != nil {
			return nil, fmt.Errorf("import %s/%s: %w", dataset, version, err)
		}
		if err := w.Add(stmt); err != nil {
			return nil, fmt.Errorf("import %s/%s: %w", dataset, version, err)
		}
		if w.Buffered() >= flushEvery {
			if err := w.flush(ctx, false); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// ExportPack writes every statement of a dataset version as a statement pack.
func (s *Store) ExportPack(ctx context.Context, dataset string, version resolution.Version, w io.Writer) error {
	_, span := tracer.Start(ctx, "ExportPack")
	defer span.End()

	pw := pack.NewWriter(w)
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(versionKey(dataset, version)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return resolution.ErrNotFound
			}
			return err
		}
		for stmt, err := range scan(txn, statementPrefix(dataset, version)) {
			if err != nil {
				return err
			}
			if err := pw.Write(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("export %s/%s: %w", dataset, version, err)
	}
	if err := pw.Flush(); err != nil {
		return fmt.Errorf("export %s/%s: %w", dataset, version, err)
	}
	return nil
}
