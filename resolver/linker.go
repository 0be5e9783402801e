package resolver

import (
	"iter"
	"slices"

	"github.com/go-digitaltwin/go-resolution"
)

// A Linker is an immutable projection of the identity graph. It answers the
// same read queries as a Resolver, without write access, and is safe to share
// between goroutines.
type Linker struct {
	clusters map[string][]string // members of clusters with more than one identifier
}

func newLinker(positives iter.Seq[resolution.Edge]) *Linker {
	links := make(map[string]map[string]struct{})
	for e := range positives {
		for _, x := range [][2]string{{e.Source, e.Target}, {e.Target, e.Source}} {
			if links[x[0]] == nil {
				links[x[0]] = make(map[string]struct{})
			}
			links[x[0]][x[1]] = struct{}{}
		}
	}
	l := &Linker{clusters: make(map[string][]string, len(links))}
	for id := range links {
		if _, ok := l.clusters[id]; ok {
			continue
		}
		cluster := reachable(links, id)
		for _, member := range cluster {
			l.clusters[member] = cluster
		}
	}
	return l
}

// Canonical returns the canonical id of the cluster containing id.
func (l *Linker) Canonical(id string) string {
	cluster, ok := l.clusters[id]
	if !ok {
		return id
	}
	return resolution.MaxID(cluster...)
}

// Connected returns all identifiers in the cluster containing id, sorted.
func (l *Linker) Connected(id string) []string {
	cluster, ok := l.clusters[id]
	if !ok {
		return []string{id}
	}
	return slices.Clone(cluster)
}

// Len returns the number of identifiers that belong to a merged cluster.
func (l *Linker) Len() int { return len(l.clusters) }

// Apply rewrites the entity's id and its references to other entities into
// canonical form. It modifies and returns e.
func (l *Linker) Apply(e *resolution.Entity) *resolution.Entity {
	e.SetID(l.Canonical(e.ID))
	e.RewriteRefs(l.Canonical)
	return e
}
