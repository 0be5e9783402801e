package resolution

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CanonicalPrefix marks identifiers minted by the resolver to name a cluster of
// source identifiers.
const CanonicalPrefix = "NK-"

var qidPattern = regexp.MustCompile(`^Q\d+$`)

// Identifiers are ranked by weight before they are compared as strings:
// external authority ids (Wikidata QIDs) outrank minted canonical ids, which in
// turn outrank plain source ids.
const (
	weightSource    = 1
	weightCanonical = 2
	weightQID       = 3
)

func weight(id string) int {
	switch {
	case strings.HasPrefix(id, CanonicalPrefix):
		return weightCanonical
	case qidPattern.MatchString(id):
		return weightQID
	default:
		return weightSource
	}
}

// CompareIDs imposes the total order over identifiers used to pick the
// canonical member of a cluster. It returns -1 if a sorts before b, +1 if a
// sorts after b and 0 if they are equal.
func CompareIDs(a, b string) int {
	wa, wb := weight(a), weight(b)
	switch {
	case wa < wb:
		return -1
	case wa > wb:
		return 1
	}
	return strings.Compare(a, b)
}

// MaxID returns the greatest of the given identifiers according to CompareIDs,
// or the empty string if no identifiers are given.
func MaxID(ids ...string) string {
	var maxID string
	for i, id := range ids {
		if i == 0 || CompareIDs(id, maxID) > 0 {
			maxID = id
		}
	}
	return maxID
}

// IsCanonicalID reports whether id may stand for a cluster on its own; that is
// whether it was minted by the resolver or belongs to an external authority.
// A plain source id is never canonical for a cluster of more than one member.
func IsCanonicalID(id string) bool {
	return weight(id) > weightSource
}

// IsQID reports whether id is a Wikidata item identifier.
func IsQID(id string) bool {
	return weight(id) == weightQID
}

// NewCanonicalID mints a fresh canonical identifier.
func NewCanonicalID() string {
	return CanonicalPrefix + uuid.NewString()
}
