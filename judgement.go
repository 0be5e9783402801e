package resolution

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// Judgement is a decision about whether two identifiers refer to the same
// real-world entity.
type Judgement uint8

const (
	// NoJudgement marks a candidate pair that was proposed but never decided.
	NoJudgement Judgement = iota
	// Positive means both identifiers name the same entity.
	Positive
	// Negative means the identifiers name different entities.
	Negative
	// Unsure means a reviewer could not decide.
	Unsure
)

var judgementNames = [...]string{
	NoJudgement: "no_judgement",
	Positive:    "positive",
	Negative:    "negative",
	Unsure:      "unsure",
}

func (j Judgement) String() string {
	if int(j) < len(judgementNames) {
		return judgementNames[j]
	}
	return fmt.Sprintf("Judgement(%d)", uint8(j))
}

// ParseJudgement parses the string form of a Judgement, as returned by
// Judgement.String.
func ParseJudgement(s string) (Judgement, error) {
	for j, name := range judgementNames {
		if name == s {
			return Judgement(j), nil
		}
	}
	return NoJudgement, fmt.Errorf("unknown judgement %q", s)
}

func (j Judgement) MarshalText() ([]byte, error) {
	if int(j) >= len(judgementNames) {
		return nil, fmt.Errorf("invalid judgement %d", uint8(j))
	}
	return []byte(j.String()), nil
}

func (j *Judgement) UnmarshalText(text []byte) error {
	v, err := ParseJudgement(string(text))
	if err != nil {
		return err
	}
	*j = v
	return nil
}

// An Edge records a single Judgement between two identifiers. Edges are never
// modified in place: overriding a judgement tombstones the prior edge (by
// setting DeletedAt) and appends a new one.
//
// Target is always the greater of the two identifiers (see CompareIDs) so that
// an unordered pair has exactly one key.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Judgement Judgement `json:"judgement"`
	User      string    `json:"user,omitempty"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DeletedAt time.Time `json:"deleted_at,omitzero"`
}

// NewEdge returns an edge between a and b, ordered such that Target is the
// greater identifier.
func NewEdge(a, b string, j Judgement) Edge {
	key := NewPair(a, b)
	return Edge{Source: key.Source, Target: key.Target, Judgement: j}
}

// Pair returns the unordered pair of identifiers this edge judges.
func (e Edge) Pair() Pair { return Pair{Source: e.Source, Target: e.Target} }

// IsDeleted reports whether the edge was tombstoned.
func (e Edge) IsDeleted() bool { return !e.DeletedAt.IsZero() }

// LiveAt reports whether the edge existed at t and had not yet been
// tombstoned; an edge deleted after t was still live at t.
func (e Edge) LiveAt(t time.Time) bool {
	if e.CreatedAt.After(t) {
		return false
	}
	return e.DeletedAt.IsZero() || e.DeletedAt.After(t)
}

// Other returns the identifier on the opposite end of the edge from id.
func (e Edge) Other(id string) string {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

func (e Edge) String() string {
	return fmt.Sprintf("(%s)-[%s]->(%s)", e.Source, e.Judgement, e.Target)
}

// Pair is an unordered pair of identifiers in its normal form: Target is the
// greater identifier according to CompareIDs.
type Pair struct {
	Source string
	Target string
}

// NewPair normalises a and b into a Pair.
func NewPair(a, b string) Pair {
	if CompareIDs(a, b) > 0 {
		return Pair{Source: b, Target: a}
	}
	return Pair{Source: a, Target: b}
}

func (p Pair) String() string { return p.Source + "<>" + p.Target }

// EdgeLog is the durable, append-only sequence of judgements behind an identity
// graph.
//
// Implementations must return edges from Edges in the order they were
// appended, with tombstones reflected on the original edges. A log must never
// expose a partially written edge.
type EdgeLog interface {
	// Append records a new edge at the end of the log.
	Append(ctx context.Context, e Edge) error
	// Tombstone marks a previously appended edge (identified by its pair and
	// creation time) as deleted at the given time.
	Tombstone(ctx context.Context, e Edge, at time.Time) error
	// Edges iterates the log in creation order.
	Edges(ctx context.Context) iter.Seq2[Edge, error]
}
