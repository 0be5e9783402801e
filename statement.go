package resolution

import (
	"fmt"
	"time"
)

// PropID is the pseudo-property whose statements assert that an entity exists
// with a given schema, even when no other property is known about it. Its value
// is the entity id itself.
const PropID = "id"

// A Statement is an atomic (entity, property, value) fact attributed to a
// single dataset.
//
// Statements are created by a single run and never mutated; a later version of
// the dataset supersedes them.
type Statement struct {
	ID            StatementID
	EntityID      string
	Prop          string
	Schema        string
	Value         string
	Dataset       string
	Lang          string
	OriginalValue string
	// External statements come from enrichment sources and are visible only to
	// views that explicitly ask for them.
	External  bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// NewStatement returns a statement with its ID computed from the natural key.
func NewStatement(entityID, prop, schema, value, dataset string) Statement {
	return Statement{
		ID:       ComputeStatementID(entityID, prop, value, dataset),
		EntityID: entityID,
		Prop:     prop,
		Schema:   schema,
		Value:    value,
		Dataset:  dataset,
	}
}

// Normalize fills in the statement's ID if it is missing, and validates the
// statement's schema and property against the registry.
func (s *Statement) Normalize(r *Registry) error {
	if s.EntityID == "" {
		return fmt.Errorf("statement without entity id")
	}
	if s.Dataset == "" {
		return fmt.Errorf("statement %s: without dataset", s.EntityID)
	}
	schema, err := r.Get(s.Schema)
	if err != nil {
		return err
	}
	if s.Prop != PropID {
		if _, err := schema.Property(s.Prop); err != nil {
			return err
		}
	}
	want := ComputeStatementID(s.EntityID, s.Prop, s.Value, s.Dataset)
	if s.ID.IsZero() {
		s.ID = want
	} else if s.ID != want {
		return fmt.Errorf("statement %s: id does not match its natural key", s.ID)
	}
	return nil
}

// Upsert folds a newer observation of the same statement into s: metadata is
// taken from the newer observation while FirstSeen keeps the earliest value.
func (s Statement) Upsert(newer Statement) Statement {
	first := s.FirstSeen
	if first.IsZero() || (!newer.FirstSeen.IsZero() && newer.FirstSeen.Before(first)) {
		first = newer.FirstSeen
	}
	newer.FirstSeen = first
	if newer.LastSeen.Before(s.LastSeen) {
		newer.LastSeen = s.LastSeen
	}
	return newer
}
