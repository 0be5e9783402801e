// Package store keeps versioned statements of many datasets in Badger, and
// assembles them into entities consistent with the identity graph.
//
// Every run of a crawler writes the statements of a single dataset into a new
// version through a Writer. Readers never observe a version until it is
// released, and then see it in full: a View resolves every leaf dataset of its
// scope to the latest released version (or a pinned one) and merges the
// statements of all identifiers that the resolver linked into one entity.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/danielorbach/go-component"
	"github.com/dgraph-io/badger/v4"

	"github.com/go-digitaltwin/go-resolution"
)

// Config describes how to open a Store.
type Config struct {
	// Path is the directory of the Badger database; ignored when InMemory.
	Path string
	// InMemory keeps the database in memory only. Useful for tests.
	InMemory bool
	// SyncWrites makes every flush durable before it returns.
	SyncWrites bool
	// Registry validates statements; nil means resolution.DefaultRegistry.
	Registry *resolution.Registry
	// Logger receives Badger's own logs; nil silences them.
	Logger *slog.Logger
}

// Store is a versioned statement store. It is safe for concurrent use.
type Store struct {
	db       *badger.DB
	registry *resolution.Registry
}

// Open opens (or creates) the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open store: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("open store: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = resolution.DefaultRegistry
	}
	return &Store{db: db, registry: registry}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Versions returns the flushed versions of a dataset in chronological order.
func (s *Store) Versions(dataset string) ([]resolution.Version, error) {
	var versions []resolution.Version
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := versionPrefix(dataset)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(bytes.TrimPrefix(it.Item().Key(), prefix))
			v, err := resolution.ParseVersion(id)
			if err != nil {
				return fmt.Errorf("corrupted version key: %w", err)
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("versions of %s: %w", dataset, err)
	}
	return versions, nil
}

// Latest returns the released version of a dataset, or resolution.ErrNotFound
// if none was released.
func (s *Store) Latest(dataset string) (resolution.Version, error) {
	var v resolution.Version
	err := s.db.View(func(txn *badger.Txn) (err error) {
		v, err = latest(txn, dataset)
		return err
	})
	if err != nil {
		return resolution.Version{}, fmt.Errorf("latest of %s: %w", dataset, err)
	}
	return v, nil
}

func latest(txn *badger.Txn, dataset string) (resolution.Version, error) {
	item, err := txn.Get(latestKey(dataset))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return resolution.Version{}, resolution.ErrNotFound
	}
	if err != nil {
		return resolution.Version{}, err
	}
	var v resolution.Version
	err = item.Value(func(val []byte) error {
		return v.UnmarshalText(val)
	})
	return v, err
}

// release marks a flushed version as the latest version of the dataset.
func (s *Store) release(dataset string, v resolution.Version) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(versionKey(dataset, v)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("release %s/%s: %w", dataset, v, resolution.ErrNotFound)
		} else if err != nil {
			return err
		}
		return txn.Set(latestKey(dataset), []byte(v.ID))
	})
}

// DropVersion deletes the statements of a version. Dropping the released
// version releases the newest remaining version, if any.
func (s *Store) DropVersion(ctx context.Context, dataset string, v resolution.Version) error {
	ctx, span := tracer.Start(ctx, "DropVersion")
	defer span.End()

	// DropPrefix blocks writes to the whole database while it runs, so it is not
	// used for a single version.
	if err := s.deletePrefix(statementPrefix(dataset, v)); err != nil {
		return fmt.Errorf("drop %s/%s: %w", dataset, v, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(versionKey(dataset, v)); err != nil {
			return err
		}
		current, err := latest(txn, dataset)
		if errors.Is(err, resolution.ErrNotFound) || (err == nil && current.ID != v.ID) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.Delete(latestKey(dataset))
	})
	if err != nil {
		return fmt.Errorf("drop %s/%s: %w", dataset, v, err)
	}

	// Fall back on the newest remaining version.
	if _, err := s.Latest(dataset); errors.Is(err, resolution.ErrNotFound) {
		versions, err := s.Versions(dataset)
		if err != nil {
			return err
		}
		if n := len(versions); n > 0 {
			if err := s.release(dataset, versions[n-1]); err != nil {
				return err
			}
		}
	}
	component.Logger(ctx).Info("Dropped dataset version", slog.String("dataset", dataset), slog.String("version", v.ID))
	return nil
}

// Clear deletes every version of a dataset.
func (s *Store) Clear(dataset string) error {
	err := s.db.DropPrefix(
		datasetStatementsPrefix(dataset),
		versionPrefix(dataset),
		latestKey(dataset),
	)
	if err != nil {
		return fmt.Errorf("clear %s: %w", dataset, err)
	}
	return nil
}

// deletePrefix deletes every key with the given prefix, in as many
// transactions as it takes.
func (s *Store) deletePrefix(prefix []byte) error {
	for {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid() && len(keys) < 10_000; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil || len(keys) == 0 {
			return err
		}
		wb := s.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
	}
}

// Key layout. Components are separated by a zero byte, which appears in none
// of them:
//
//	s \0 dataset \0 version \0 entity \0 statement-id   gob-encoded Statement
//	v \0 dataset \0 version                              flushed version marker
//	l \0 dataset                                         released version id
const sep = "\x00"

func datasetStatementsPrefix(dataset string) []byte {
	return []byte("s" + sep + dataset + sep)
}

func statementPrefix(dataset string, v resolution.Version) []byte {
	return []byte("s" + sep + dataset + sep + v.ID + sep)
}

func entityPrefix(dataset string, v resolution.Version, entityID string) []byte {
	return append(statementPrefix(dataset, v), entityID+sep...)
}

func statementKey(dataset string, v resolution.Version, stmt resolution.Statement) []byte {
	return append(entityPrefix(dataset, v, stmt.EntityID), stmt.ID.String()...)
}

// entityOfKey extracts the entity id from a statement key under prefix.
func entityOfKey(prefix, key []byte) string {
	rest := bytes.TrimPrefix(key, prefix)
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

func versionPrefix(dataset string) []byte {
	return []byte("v" + sep + dataset + sep)
}

func versionKey(dataset string, v resolution.Version) []byte {
	return append(versionPrefix(dataset), v.ID...)
}

func latestKey(dataset string) []byte {
	return []byte("l" + sep + dataset)
}

func encodeStatement(stmt resolution.Statement) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(stmt); err != nil {
		return nil, fmt.Errorf("encode statement %s: %w", stmt.ID, err)
	}
	return b.Bytes(), nil
}

func decodeStatement(b []byte) (stmt resolution.Statement, err error) {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&stmt); err != nil {
		return stmt, fmt.Errorf("decode statement: %w", err)
	}
	return stmt, nil
}

func validKeyComponent(s string) bool {
	return s != "" && !slices.Contains([]byte(s), 0)
}

// badgerLogger forwards Badger's logs to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
