package resolution

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{a: "a", b: "b", want: -1},
		{a: "b", b: "a", want: 1},
		{a: "a", b: "a", want: 0},
		// weight wins over lexical order
		{a: "zzz", b: "NK-aaa", want: -1},
		{a: "NK-zzz", b: "Q1", want: -1},
		{a: "Q2", b: "Q10", want: 1},
		// almost-QIDs are plain source ids
		{a: "Q12x", b: "NK-1", want: -1},
		{a: "q12", b: "NK-1", want: -1},
	}
	for _, tt := range tests {
		if got := CompareIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMaxID(t *testing.T) {
	ids := []string{"ofac-1", "NK-b", "eu-2", "NK-a"}
	if got := MaxID(ids...); got != "NK-b" {
		t.Errorf("MaxID(%v) = %q, want NK-b", ids, got)
	}
	if got := MaxID(); got != "" {
		t.Errorf("MaxID() = %q, want empty", got)
	}

	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, CompareIDs)
	want := []string{"eu-2", "ofac-1", "NK-a", "NK-b"}
	if diff := cmp.Diff(want, sorted); diff != "" {
		t.Errorf("SortFunc(CompareIDs) mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCanonicalID(t *testing.T) {
	a, b := NewCanonicalID(), NewCanonicalID()
	if a == b {
		t.Errorf("NewCanonicalID() returned %q twice", a)
	}
	if !strings.HasPrefix(a, CanonicalPrefix) || !IsCanonicalID(a) {
		t.Errorf("NewCanonicalID() = %q, not canonical", a)
	}
	if IsCanonicalID("ofac-1") {
		t.Error("IsCanonicalID(ofac-1) = true, want false")
	}
	if !IsQID("Q42") || !IsCanonicalID("Q42") {
		t.Error("Q42 is not recognised as a canonical QID")
	}
}
