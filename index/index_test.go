package index

import (
	"context"
	"iter"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
	"github.com/go-digitaltwin/go-resolution/resolver"
)

// corpus is an EntitySource over a fixed list of entities.
type corpus []*resolution.Entity

func (c corpus) Entities(context.Context) iter.Seq2[*resolution.Entity, error] {
	return func(yield func(*resolution.Entity, error) bool) {
		for _, e := range c {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func entity(t *testing.T, schema, id string, props map[string][]string) *resolution.Entity {
	t.Helper()
	e := resolution.NewEntity(resolution.MustLookup(schema), id)
	for prop, values := range props {
		if err := e.Add(prop, values...); err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func person(t *testing.T, id, name string) *resolution.Entity {
	return entity(t, "Person", id, map[string][]string{"name": {name}})
}

func pairs(idx *Index) []resolution.Pair {
	var got []resolution.Pair
	for pair := range idx.Pairs() {
		got = append(got, pair)
	}
	return got
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "Müller-Lüdenscheidt", want: []string{"muller", "ludenscheidt"}},
		{in: "  JOSÉ   maría ", want: []string{"jose", "maria"}},
		{in: "ＡＣＭＥ Ltd.", want: []string{"acme", "ltd"}},
		{in: "O'Brien", want: []string{"o", "brien"}},
		{in: "---", want: []string{}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, Normalize(tt.in)); diff != "" {
			t.Errorf("Normalize(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestTokens(t *testing.T) {
	e := entity(t, "Person", "p1", map[string][]string{
		"name":           {"Jean Dupont"},
		"alias":          {"J. Dupont"},
		"nationality":    {"FR"},
		"birthDate":      {"1961-05-04", "unknown"},
		"passportNumber": {"AB 12-34"},
	})
	want := map[string]int{
		"nm:jean dupont": 1,
		"nm:j dupont":    1,
		"np:jean":        1,
		"np:dupont":      2,
		"c:fr":           1,
		"y:1961":         1,
		"id:ab1234":      1,
	}
	if diff := cmp.Diff(want, Tokens(e)); diff != "" {
		t.Errorf("Tokens() mismatch (-want +got):\n%s", diff)
	}
}

func TestIndex_Pairs_ranking(t *testing.T) {
	ctx := context.Background()
	nationals := func(id, name string) *resolution.Entity {
		return entity(t, "Person", id, map[string][]string{"name": {name}, "nationality": {"ru"}})
	}
	idx, err := Build(ctx, corpus{
		nationals("a", "Vladimir Putin"),
		nationals("b", "Vladimir Putin"),
		entity(t, "Person", "c", map[string][]string{"name": {"Igor Putin"}, "nationality": {"ua"}}),
		nationals("d", "Dmitry Medvedev"),
		entity(t, "Company", "e", map[string][]string{"name": {"Putin"}}),
		// Not matchable.
		entity(t, "Address", "f", map[string][]string{"full": {"Vladimir Putin street"}}),
	}, WithStopwordsPct(0))
	if err != nil {
		t.Fatal("Build:", err)
	}
	if idx.Len() != 5 {
		t.Errorf("Len() = %d, want 5", idx.Len())
	}

	got := pairs(idx)
	want := []resolution.Pair{
		// Full name, every name part and the country.
		resolution.NewPair("a", "b"),
		// A single shared surname outranks the country alone.
		resolution.NewPair("a", "c"),
		resolution.NewPair("b", "c"),
		resolution.NewPair("a", "d"),
		resolution.NewPair("b", "d"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pairs() mismatch (-want +got):\n%s", diff)
	}

	// The order is stable.
	if diff := cmp.Diff(got, pairs(idx)); diff != "" {
		t.Errorf("second Pairs() mismatch (-first +second):\n%s", diff)
	}

	limited, err := Build(ctx, corpus{nationals("a", "Vladimir Putin"), nationals("b", "Vladimir Putin"), nationals("d", "Dmitry Medvedev")},
		WithStopwordsPct(0), WithMaxPairs(1))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]resolution.Pair{resolution.NewPair("a", "b")}, pairs(limited)); diff != "" {
		t.Errorf("Pairs() with max pairs mismatch (-want +got):\n%s", diff)
	}
}

// johns is a corpus where "John" is a common first name, shared by five of six
// people, while "Zelinski" is a rare surname.
func johns(t *testing.T) corpus {
	return corpus{
		person(t, "1", "John Smith"),
		person(t, "2", "John Zelinski"),
		person(t, "3", "John Brown"),
		person(t, "4", "John Green"),
		person(t, "5", "John Black"),
		person(t, "6", "Anna Zelinski"),
	}
}

func TestIndex_stopwords(t *testing.T) {
	ctx := context.Background()
	var previous int
	for i, pct := range []float64{0, DefaultStopwordsPct, 10, 50} {
		idx, err := Build(ctx, johns(t), WithStopwordsPct(pct))
		if err != nil {
			t.Fatal(err)
		}
		got := pairs(idx)
		if i > 0 && len(got) > previous {
			t.Errorf("raising stop words to %v%% increased pairs from %d to %d", pct, previous, len(got))
		}
		previous = len(got)

		switch pct {
		case 0, DefaultStopwordsPct:
			// Every pair of Johns, and the Zelinskis.
			if len(got) != 11 {
				t.Errorf("Pairs() with %v%% stop words yielded %d pairs, want 11", pct, len(got))
			}
		case 10:
			if !idx.IsStopword("np:john") {
				t.Errorf("np:john is not a stop word at %v%%", pct)
			}
			if diff := cmp.Diff([]resolution.Pair{resolution.NewPair("2", "6")}, got); diff != "" {
				t.Errorf("Pairs() with %v%% stop words mismatch (-want +got):\n%s", pct, diff)
			}
		}
	}
}

func TestIndex_Matches(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		pct  float64
		want []string
	}{
		{name: "Default", pct: DefaultStopwordsPct, want: []string{"2", "6", "1", "3", "4", "5"}},
		{name: "CommonFirstName", pct: 10, want: []string{"2", "6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Build(ctx, johns(t), WithStopwordsPct(tt.pct))
			if err != nil {
				t.Fatal(err)
			}
			idx.AddMatchingSubject(person(t, "subject", "John Zelinski"))
			idx.AddMatchingSubject(entity(t, "Company", "acme", map[string][]string{"name": {"John Zelinski Holdings"}}))

			var subjects []string
			for subject, matches := range idx.Matches() {
				subjects = append(subjects, subject.ID)
				if subject.ID == "acme" {
					if len(matches) != 0 {
						t.Errorf("company subject matched people: %v", matches)
					}
					continue
				}
				var got []string
				for _, m := range matches {
					got = append(got, m.ID)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("Matches() mismatch (-want +got):\n%s", diff)
				}
			}
			if diff := cmp.Diff([]string{"subject", "acme"}, subjects); diff != "" {
				t.Errorf("Matches() subjects mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestXref(t *testing.T) {
	ctx := context.Background()
	idx, err := Build(ctx, johns(t), WithStopwordsPct(0))
	if err != nil {
		t.Fatal(err)
	}
	r, err := resolver.New(ctx, new(resolver.MemoryLog))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Decide(ctx, "2", "6", resolution.Negative); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Decide(ctx, "1", "3", resolution.Positive); err != nil {
		t.Fatal(err)
	}

	n, err := Xref(ctx, idx, r, 3)
	if err != nil {
		t.Fatal("Xref:", err)
	}
	if n != 3 {
		t.Errorf("Xref() = %d, want 3", n)
	}
	// The rest of the pairs, less the judged ones.
	n, err = Xref(ctx, idx, r, 0)
	if err != nil {
		t.Fatal("Xref:", err)
	}
	if n != 11-2-3 {
		t.Errorf("second Xref() = %d, want %d", n, 11-2-3)
	}

	var candidates int
	for pair := range r.Candidates() {
		if pair == resolution.NewPair("2", "6") || pair == resolution.NewPair("1", "3") {
			t.Errorf("Candidates() include the judged pair %s", pair)
		}
		candidates++
	}
	if candidates != 11-2 {
		t.Errorf("Candidates() yielded %d pairs, want %d", candidates, 11-2)
	}
}
