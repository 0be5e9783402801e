package resolution

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// An Entity is a profile of a real-world entity assembled from statements,
// possibly spanning several source identifiers and datasets.
//
// The zero value is not usable; create entities with NewEntity or
// FromStatements.
type Entity struct {
	ID     string
	Schema *Schema
	// Referents lists the source identifiers merged into this entity, other
	// than ID itself. Sorted.
	Referents []string
	// Datasets lists the datasets that contributed statements. Sorted.
	Datasets  []string
	FirstSeen time.Time
	LastSeen  time.Time

	props      map[string][]string
	statements []Statement
}

// NewEntity returns an empty entity of the given schema.
func NewEntity(schema *Schema, id string) *Entity {
	return &Entity{ID: id, Schema: schema, props: make(map[string][]string)}
}

// FromStatements assembles a single entity from statements about it. The
// statements may carry different entity ids (e.g. members of the same
// cluster); the entity takes the given id.
func FromStatements(r *Registry, id string, stmts []Statement) (*Entity, error) {
	e := &Entity{ID: id, props: make(map[string][]string)}
	for _, stmt := range stmts {
		if err := e.AddStatement(r, stmt); err != nil {
			return nil, err
		}
	}
	if e.Schema == nil {
		return nil, fmt.Errorf("entity %s: no statements", id)
	}
	return e, nil
}

// Add appends values to a property, skipping empty and duplicate values. It
// fails with ErrUnknownProperty if the entity's schema does not define prop.
func (e *Entity) Add(prop string, values ...string) error {
	if _, err := e.Schema.Property(prop); err != nil {
		return err
	}
	e.add(prop, values...)
	return nil
}

func (e *Entity) add(prop string, values ...string) {
	for _, v := range values {
		if v == "" || slices.Contains(e.props[prop], v) {
			continue
		}
		e.props[prop] = append(e.props[prop], v)
	}
}

// Get returns the values of a property. It fails with ErrUnknownProperty if the
// entity's schema does not define prop.
func (e *Entity) Get(prop string) ([]string, error) {
	if _, err := e.Schema.Property(prop); err != nil {
		return nil, err
	}
	return slices.Clone(e.props[prop]), nil
}

// First returns the first value of a property, or the empty string if it has
// none.
func (e *Entity) First(prop string) (string, error) {
	values, err := e.Get(prop)
	if err != nil || len(values) == 0 {
		return "", err
	}
	return values[0], nil
}

// Has reports whether the entity has at least one value for prop.
func (e *Entity) Has(prop string) bool {
	return len(e.props[prop]) > 0
}

// Props returns a copy of all property values of the entity.
func (e *Entity) Props() map[string][]string {
	m := make(map[string][]string, len(e.props))
	for k, v := range e.props {
		m[k] = slices.Clone(v)
	}
	return m
}

// PropNames returns the names of properties with at least one value, sorted.
func (e *Entity) PropNames() []string {
	return slices.Sorted(maps.Keys(e.props))
}

// Statements returns the statements the entity was assembled from.
func (e *Entity) Statements() []Statement {
	return slices.Clone(e.statements)
}

// AddStatement folds a statement into the entity, adopting the more specific
// of the entity's and the statement's schema.
func (e *Entity) AddStatement(r *Registry, stmt Statement) error {
	schema, err := r.Get(stmt.Schema)
	if err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	if stmt.Prop != PropID {
		if _, err := schema.Property(stmt.Prop); err != nil {
			return fmt.Errorf("entity %s: %w", e.ID, err)
		}
	}
	if e.Schema != nil {
		schema, err = r.Common(e.Schema, schema)
		if err != nil {
			return fmt.Errorf("entity %s: %w", e.ID, err)
		}
	}
	e.Schema = schema
	if stmt.Prop != PropID {
		e.add(stmt.Prop, stmt.Value)
	}
	e.statements = append(e.statements, stmt)
	e.addDatasets(stmt.Dataset)
	e.addReferents(stmt.EntityID)
	e.seen(stmt.FirstSeen, stmt.LastSeen)
	return nil
}

// Merge folds another entity into e. The merged entity keeps e's id and
// records other's id as a referent.
func (e *Entity) Merge(r *Registry, other *Entity) error {
	schema, err := r.Common(e.Schema, other.Schema)
	if err != nil {
		return fmt.Errorf("merge %s into %s: %w", other.ID, e.ID, err)
	}
	e.Schema = schema
	for _, prop := range other.PropNames() {
		e.add(prop, other.props[prop]...)
	}
	e.statements = append(e.statements, other.statements...)
	e.addDatasets(other.Datasets...)
	e.addReferents(other.ID)
	e.addReferents(other.Referents...)
	e.seen(other.FirstSeen, other.LastSeen)
	return nil
}

// RewriteRefs maps every value of the entity's entity-typed properties through
// fn, which usually resolves identifiers to canonical identifiers.
func (e *Entity) RewriteRefs(fn func(id string) string) {
	for _, prop := range e.Schema.PropertiesOfType(TypeEntity) {
		values := e.props[prop]
		if len(values) == 0 {
			continue
		}
		delete(e.props, prop)
		for _, v := range values {
			e.add(prop, fn(v))
		}
	}
}

// SetID changes the entity's id, moving the previous id into its referents.
func (e *Entity) SetID(id string) {
	if id == e.ID {
		return
	}
	prev := e.ID
	e.ID = id
	e.Referents = slices.DeleteFunc(e.Referents, func(r string) bool { return r == id })
	e.addReferents(prev)
}

func (e *Entity) addDatasets(names ...string) {
	for _, name := range names {
		if i, found := slices.BinarySearch(e.Datasets, name); !found {
			e.Datasets = slices.Insert(e.Datasets, i, name)
		}
	}
}

func (e *Entity) addReferents(ids ...string) {
	for _, id := range ids {
		if id == "" || id == e.ID {
			continue
		}
		if i, found := slices.BinarySearch(e.Referents, id); !found {
			e.Referents = slices.Insert(e.Referents, i, id)
		}
	}
}

func (e *Entity) seen(first, last time.Time) {
	if !first.IsZero() && (e.FirstSeen.IsZero() || first.Before(e.FirstSeen)) {
		e.FirstSeen = first
	}
	if last.After(e.LastSeen) {
		e.LastSeen = last
	}
}
