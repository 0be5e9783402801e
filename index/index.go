// Package index finds candidate duplicates among entities without comparing
// every pair.
//
// An Index holds an inverted index from blocking tokens (normalised names,
// name parts, identifiers, countries and years) to the entities carrying them.
// Two entities are candidates when they share a token that is not a stop word;
// the most frequent tokens of the corpus are stop words, since they would pair
// up most of the corpus while saying little about identity.
//
// Pairs are scored by the sum of the shared tokens' scores, where a token
// scores its field weight times ln(1 + N/df) for a corpus of N entities of
// which df carry the token. A token repeated by both entities (say, a name
// part shared by several aliases) counts as often as the rarer side has it.
package index

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-resolution"
)

// DefaultStopwordsPct is the share of distinct tokens, in percent, treated as
// stop words unless WithStopwordsPct says otherwise.
const DefaultStopwordsPct = 0.8

type config struct {
	stopwordsPct float64
	maxPairs     int
	registry     *resolution.Registry
}

// An Option configures an Index.
type Option func(*config)

// WithStopwordsPct treats the given percentage of distinct tokens, the most
// frequent by document frequency, as stop words.
func WithStopwordsPct(pct float64) Option {
	return func(c *config) { c.stopwordsPct = pct }
}

// WithMaxPairs bounds the number of pairs yielded by Index.Pairs. Zero means no
// bound.
func WithMaxPairs(n int) Option {
	return func(c *config) { c.maxPairs = n }
}

// WithRegistry sets the registry deciding whether schemata are compatible.
func WithRegistry(r *resolution.Registry) Option {
	return func(c *config) { c.registry = r }
}

// An EntitySource yields the entities to index; *store.View is one.
type EntitySource interface {
	Entities(ctx context.Context) iter.Seq2[*resolution.Entity, error]
}

// Index is an inverted index of blocking tokens. It is read-only once built,
// except for matching subjects, and is safe for concurrent reads. Rebuilding is
// the only way to reflect changes of the corpus.
type Index struct {
	cfg       config
	entities  map[string]*resolution.Schema
	postings  map[string][]posting
	stopwords map[string]struct{}
	subjects  []*resolution.Entity
}

type posting struct {
	id        string
	frequency int
}

// Build indexes the matchable entities of src.
func Build(ctx context.Context, src EntitySource, opts ...Option) (*Index, error) {
	ctx, span := tracer.Start(ctx, "Build")
	defer span.End()
	start := time.Now()

	cfg := config{stopwordsPct: DefaultStopwordsPct, registry: resolution.DefaultRegistry}
	for _, opt := range opts {
		opt(&cfg)
	}
	idx := &Index{
		cfg:      cfg,
		entities: make(map[string]*resolution.Schema),
		postings: make(map[string][]posting),
	}
	for e, err := range src.Entities(ctx) {
		if err != nil {
			return nil, fmt.Errorf("build index: %w", err)
		}
		if !e.Schema.Matchable {
			continue
		}
		idx.add(e)
	}
	idx.stopwords = stopwords(idx.postings, cfg.stopwordsPct)

	measureBuild(ctx, len(idx.entities), len(idx.postings), start)
	component.Logger(ctx).Info("Built blocking index",
		slog.Int("entities", len(idx.entities)),
		slog.Int("tokens", len(idx.postings)),
		slog.Int("stopwords", len(idx.stopwords)),
	)
	return idx, nil
}

func (idx *Index) add(e *resolution.Entity) {
	if _, ok := idx.entities[e.ID]; ok {
		return
	}
	idx.entities[e.ID] = e.Schema
	for token, n := range Tokens(e) {
		idx.postings[token] = append(idx.postings[token], posting{id: e.ID, frequency: n})
	}
}

// stopwords returns the pct percent most frequent tokens by document
// frequency. Ties are broken by the tokens, so that a higher percentage always
// yields a superset.
func stopwords(postings map[string][]posting, pct float64) map[string]struct{} {
	n := int(float64(len(postings)) * pct / 100)
	tokens := slices.SortedFunc(maps.Keys(postings), func(a, b string) int {
		if c := cmp.Compare(len(postings[b]), len(postings[a])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	stop := make(map[string]struct{}, n)
	for _, token := range tokens[:min(n, len(tokens))] {
		stop[token] = struct{}{}
	}
	return stop
}

// Len returns the number of indexed entities.
func (idx *Index) Len() int { return len(idx.entities) }

// IsStopword reports whether token is ignored for being too frequent.
func (idx *Index) IsStopword(token string) bool {
	_, ok := idx.stopwords[token]
	return ok
}

func (idx *Index) score(token string) float64 {
	df := len(idx.postings[token])
	if df == 0 {
		return 0
	}
	return weight(token) * math.Log(1+float64(len(idx.entities))/float64(df))
}

func (idx *Index) compatible(a, b *resolution.Schema) bool {
	_, err := idx.cfg.registry.Common(a, b)
	return err == nil
}

// Pairs iterates pairs of indexed entities sharing at least one token that is
// not a stop word, best score first. Ties are broken by the pair's
// identifiers. Pairs of entities with incompatible schemata are left out.
func (idx *Index) Pairs() iter.Seq2[resolution.Pair, float64] {
	scores := make(map[resolution.Pair]float64)
	// Tokens are visited in order so that scores sum up identically every time.
	for _, token := range slices.Sorted(maps.Keys(idx.postings)) {
		postings := idx.postings[token]
		if len(postings) < 2 || idx.IsStopword(token) {
			continue
		}
		score := idx.score(token)
		for i, a := range postings {
			for _, b := range postings[i+1:] {
				if !idx.compatible(idx.entities[a.id], idx.entities[b.id]) {
					continue
				}
				scores[resolution.NewPair(a.id, b.id)] += score * float64(min(a.frequency, b.frequency))
			}
		}
	}
	ranked := rank(scores, func(a, b resolution.Pair) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	if idx.cfg.maxPairs > 0 && len(ranked) > idx.cfg.maxPairs {
		ranked = ranked[:idx.cfg.maxPairs]
	}

	return func(yield func(resolution.Pair, float64) bool) {
		for _, r := range ranked {
			if !yield(r.key, r.score) {
				return
			}
		}
	}
}

// AddMatchingSubject registers an entity from outside the corpus to be matched
// against it by Matches.
func (idx *Index) AddMatchingSubject(e *resolution.Entity) {
	idx.subjects = append(idx.subjects, e)
}

// A Match is an indexed entity matching a subject.
type Match struct {
	ID    string
	Score float64
}

// Matches iterates the matching subjects in the order they were added, each
// with the indexed entities sharing a non-stop-word token with it, best score
// first.
func (idx *Index) Matches() iter.Seq2[*resolution.Entity, []Match] {
	return func(yield func(*resolution.Entity, []Match) bool) {
		for _, subject := range idx.subjects {
			if !yield(subject, idx.match(subject)) {
				return
			}
		}
	}
}

func (idx *Index) match(subject *resolution.Entity) []Match {
	scores := make(map[string]float64)
	tokens := Tokens(subject)
	for _, token := range slices.Sorted(maps.Keys(tokens)) {
		if idx.IsStopword(token) {
			continue
		}
		score := idx.score(token)
		for _, p := range idx.postings[token] {
			if p.id == subject.ID || !idx.compatible(subject.Schema, idx.entities[p.id]) {
				continue
			}
			scores[p.id] += score * float64(min(tokens[token], p.frequency))
		}
	}
	ranked := rank(scores, cmp.Compare[string])
	matches := make([]Match, len(ranked))
	for i, r := range ranked {
		matches[i] = Match{ID: r.key, Score: r.score}
	}
	return matches
}

type scored[K comparable] struct {
	key   K
	score float64
}

// rank sorts scores descending, breaking ties with compare.
func rank[K comparable](scores map[K]float64, compare func(a, b K) int) []scored[K] {
	ranked := make([]scored[K], 0, len(scores))
	for k, s := range scores {
		ranked = append(ranked, scored[K]{key: k, score: s})
	}
	slices.SortFunc(ranked, func(a, b scored[K]) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return compare(a.key, b.key)
	})
	return ranked
}
