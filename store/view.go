package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/danielorbach/go-component"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/go-resolution"
)

// A Linker resolves source identifiers to the clusters they belong to.
// *resolver.Resolver and *resolver.Linker implement it.
type Linker interface {
	Canonical(id string) string
	Connected(id string) []string
}

// identity links every identifier to itself only.
type identity struct{}

func (identity) Canonical(id string) string   { return id }
func (identity) Connected(id string) []string { return []string{id} }

type viewConfig struct {
	external bool
	versions map[string]resolution.Version
}

// A ViewOption configures a View.
type ViewOption func(*viewConfig)

// WithExternal includes statements of enrichment sources, which views omit by
// default.
func WithExternal() ViewOption {
	return func(c *viewConfig) { c.external = true }
}

// WithVersions pins the version read from leaf datasets. Leaves missing from
// versions read their latest released version.
func WithVersions(versions map[string]resolution.Version) ViewOption {
	return func(c *viewConfig) { maps.Copy(c.versions, versions) }
}

// A View reads the statements of a dataset scope, one version per leaf, and
// assembles them into entities. The versions are resolved once, when the view
// is created; a View never observes versions released afterwards.
type View struct {
	store    *Store
	scope    resolution.Scope
	linker   Linker
	external bool
	leaves   []leaf
}

type leaf struct {
	dataset string
	version resolution.Version
}

// View returns a view over scope. Entities are merged by clusters of linker,
// which may be nil to read every identifier on its own. Leaves without a
// released or pinned version are left out of the view.
func (s *Store) View(scope resolution.Scope, linker Linker, opts ...ViewOption) (*View, error) {
	cfg := viewConfig{versions: make(map[string]resolution.Version)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if linker == nil {
		linker = identity{}
	}

	v := &View{store: s, scope: scope, linker: linker, external: cfg.external}
	for _, dataset := range slices.Sorted(slices.Values(scope.Leaves)) {
		version, ok := cfg.versions[dataset]
		if !ok {
			var err error
			version, err = s.Latest(dataset)
			if errors.Is(err, resolution.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("view %s: %w", scope.Name, err)
			}
		}
		v.leaves = append(v.leaves, leaf{dataset: dataset, version: version})
	}
	return v, nil
}

// Versions returns the version read from each leaf dataset of the view.
func (v *View) Versions() map[string]resolution.Version {
	m := make(map[string]resolution.Version, len(v.leaves))
	for _, l := range v.leaves {
		m[l.dataset] = l.version
	}
	return m
}

// Entities iterates the assembled entities of the view, one per cluster, in
// the order their first identifier is stored. Entities whose statements cannot
// be merged are logged and skipped. The sequence is lazy and may be iterated
// more than once; every iteration reads a consistent snapshot of the store.
func (v *View) Entities(ctx context.Context) iter.Seq2[*resolution.Entity, error] {
	return func(yield func(*resolution.Entity, error) bool) {
		ctx, span := tracer.Start(ctx, "View.Entities")
		defer span.End()

		err := v.store.db.View(func(txn *badger.Txn) error {
			emitted := make(map[string]struct{})
			for _, l := range v.leaves {
				for id := range entityIDs(txn, l) {
					canonical := v.linker.Canonical(id)
					if _, ok := emitted[canonical]; ok {
						continue
					}
					emitted[canonical] = struct{}{}

					stmts, err := v.gather(txn, v.linker.Connected(id))
					if err != nil {
						return err
					}
					e, ok := v.assemble(ctx, canonical, stmts)
					if !ok {
						continue
					}
					if !yield(e, nil) {
						return errStop
					}
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(nil, fmt.Errorf("view %s: %w", v.scope.Name, err))
		}
	}
}

// errStop aborts a read transaction when the consumer of an iterator stops.
var errStop = errors.New("iteration stopped")

// Get assembles the entity of the cluster that id belongs to. It returns
// resolution.ErrNotFound if the view has no statements about the cluster.
func (v *View) Get(ctx context.Context, id string) (*resolution.Entity, error) {
	var stmts []resolution.Statement
	err := v.store.db.View(func(txn *badger.Txn) (err error) {
		stmts, err = v.gather(txn, v.linker.Connected(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, resolution.ErrNotFound)
	}
	e, err := resolution.FromStatements(v.store.registry, v.linker.Canonical(id), stmts)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	e.RewriteRefs(v.linker.Canonical)
	return e, nil
}

// Statements iterates the raw statements of the view, leaf by leaf.
func (v *View) Statements(ctx context.Context) iter.Seq2[resolution.Statement, error] {
	return func(yield func(resolution.Statement, error) bool) {
		_, span := tracer.Start(ctx, "View.Statements")
		defer span.End()

		err := v.store.db.View(func(txn *badger.Txn) error {
			for _, l := range v.leaves {
				for stmt, err := range scan(txn, statementPrefix(l.dataset, l.version)) {
					if err != nil {
						return err
					}
					if stmt.External && !v.external {
						continue
					}
					if !yield(stmt, nil) {
						return errStop
					}
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(resolution.Statement{}, fmt.Errorf("view %s: %w", v.scope.Name, err))
		}
	}
}

// gather reads the statements about the given identifiers from every leaf.
func (v *View) gather(txn *badger.Txn, ids []string) ([]resolution.Statement, error) {
	var stmts []resolution.Statement
	for _, l := range v.leaves {
		for _, id := range ids {
			for stmt, err := range scan(txn, entityPrefix(l.dataset, l.version, id)) {
				if err != nil {
					return nil, err
				}
				if stmt.External && !v.external {
					continue
				}
				stmts = append(stmts, stmt)
			}
		}
	}
	return stmts, nil
}

func (v *View) assemble(ctx context.Context, canonical string, stmts []resolution.Statement) (*resolution.Entity, bool) {
	if len(stmts) == 0 {
		// Only external statements are known about the cluster.
		return nil, false
	}
	e, err := resolution.FromStatements(v.store.registry, canonical, stmts)
	if err != nil {
		dropEntity(ctx, v.scope.Name, canonical, err)
		return nil, false
	}
	e.RewriteRefs(v.linker.Canonical)
	return e, true
}

// Assemble groups statements by the clusters of linker and merges every group
// into one entity identified by the canonical id of its cluster. Groups whose
// statements cannot be merged are logged and dropped. The entities are sorted
// by id.
func Assemble(ctx context.Context, r *resolution.Registry, linker Linker, stmts iter.Seq[resolution.Statement]) []*resolution.Entity {
	if linker == nil {
		linker = identity{}
	}
	groups := make(map[string][]resolution.Statement)
	for stmt := range stmts {
		canonical := linker.Canonical(stmt.EntityID)
		groups[canonical] = append(groups[canonical], stmt)
	}

	entities := make([]*resolution.Entity, 0, len(groups))
	for _, canonical := range slices.Sorted(maps.Keys(groups)) {
		e, err := resolution.FromStatements(r, canonical, groups[canonical])
		if err != nil {
			dropEntity(ctx, "", canonical, err)
			continue
		}
		e.RewriteRefs(linker.Canonical)
		entities = append(entities, e)
	}
	return entities
}

func dropEntity(ctx context.Context, scope, id string, err error) {
	component.Logger(ctx).Warn("Dropped entity with incompatible statements",
		slog.String("scope", scope),
		slog.String("entity", id),
		slog.Any("error", err),
	)
	droppedEntities.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("store.scope", scope))))
}

// entityIDs iterates the distinct entity ids stored in a leaf version.
func entityIDs(txn *badger.Txn, l leaf) iter.Seq[string] {
	return func(yield func(string) bool) {
		prefix := statementPrefix(l.dataset, l.version)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var last string
		for it.Rewind(); it.Valid(); it.Next() {
			id := entityOfKey(prefix, it.Item().Key())
			if id == last {
				continue
			}
			last = id
			if !yield(id) {
				return
			}
		}
	}
}

// scan iterates the statements stored under prefix.
func scan(txn *badger.Txn, prefix []byte) iter.Seq2[resolution.Statement, error] {
	return func(yield func(resolution.Statement, error) bool) {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var stmt resolution.Statement
			err := it.Item().Value(func(val []byte) (err error) {
				stmt, err = decodeStatement(val)
				return err
			})
			if err != nil {
				yield(stmt, fmt.Errorf("read %q: %w", it.Item().Key(), err))
				return
			}
			if !yield(stmt, nil) {
				return
			}
		}
	}
}
