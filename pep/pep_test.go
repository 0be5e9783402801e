package pep

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
)

// service is a fake categorisation service counting the requests it serves.
type service struct {
	mu       sync.Mutex
	known    map[string]Categorisation
	requests int
}

func (s *service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	id, ok := strings.CutPrefix(r.URL.Path, "/positions/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cat, ok := s.known[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(cat)
	case http.MethodPost:
		var cat Categorisation
		if err := json.NewDecoder(r.Body).Decode(&cat); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.known[id] = cat
		_ = json.NewEncoder(w).Encode(cat)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *service) served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func newClient(t *testing.T, s http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatal("NewClient:", err)
	}
	return c
}

func yes() *bool { b := true; return &b }
func no() *bool  { b := false; return &b }

func TestClient_Categorise(t *testing.T) {
	ctx := context.Background()
	s := &service{known: map[string]Categorisation{
		"pos-minister": {IsPEP: yes(), Topics: []string{"gov.national", "role.pep"}},
	}}
	c := newClient(t, s)

	for range 3 {
		got, err := c.Categorise(ctx, "pos-minister")
		if err != nil {
			t.Fatal("Categorise:", err)
		}
		if diff := cmp.Diff(s.known["pos-minister"], got); diff != "" {
			t.Errorf("Categorise() mismatch (-want +got):\n%s", diff)
		}
	}
	if n := s.served(); n != 1 {
		t.Errorf("service served %d requests, want 1 for memoised answers", n)
	}

	c.Invalidate("pos-minister")
	if _, err := c.Categorise(ctx, "pos-minister"); err != nil {
		t.Fatal(err)
	}
	if n := s.served(); n != 2 {
		t.Errorf("service served %d requests after invalidation, want 2", n)
	}

	if _, err := c.Categorise(ctx, "pos-unknown"); !errors.Is(err, resolution.ErrNotFound) {
		t.Errorf("Categorise(unknown) error = %v, want %v", err, resolution.ErrNotFound)
	}
}

func TestClient_Update(t *testing.T) {
	ctx := context.Background()
	s := &service{known: map[string]Categorisation{
		"pos/mayor": {IsPEP: nil},
	}}
	c := newClient(t, s)
	if _, err := c.Categorise(ctx, "pos/mayor"); err != nil {
		t.Fatal(err)
	}

	want := Categorisation{IsPEP: yes(), Topics: []string{"gov.muni"}}
	stored, err := c.Update(ctx, "pos/mayor", want)
	if err != nil {
		t.Fatal("Update:", err)
	}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("Update() mismatch (-want +got):\n%s", diff)
	}
	// The update replaces the memoised answer.
	got, err := c.Categorise(ctx, "pos/mayor")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Categorise() after Update mismatch (-want +got):\n%s", diff)
	}
	if n := s.served(); n != 2 {
		t.Errorf("service served %d requests, want 2", n)
	}
}

func TestClient_statusError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	_, err := c.Categorise(context.Background(), "pos")
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusServiceUnavailable || status.Message != "overloaded" {
		t.Errorf("Categorise() error = %v, want a 503 StatusError", err)
	}
}

func TestNewClient_invalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "://"} {
		if _, err := NewClient(Config{URL: u}); err == nil {
			t.Errorf("NewClient(%q) succeeded", u)
		}
	}
}

// categories is a Categoriser over a fixed set of categorisations.
type categories map[string]Categorisation

func (c categories) Categorise(_ context.Context, id string) (Categorisation, error) {
	cat, ok := c[id]
	if !ok {
		return Categorisation{}, resolution.ErrNotFound
	}
	return cat, nil
}

func TestAnnotate(t *testing.T) {
	cats := categories{
		"minister": {IsPEP: yes(), Topics: []string{"gov.national", "role.pep"}},
		"clerk":    {IsPEP: no(), Topics: []string{"gov.admin"}},
		"pending":  {Topics: []string{"gov.muni"}},
	}
	tests := []struct {
		schema  string
		id      string
		changed bool
		topics  []string
	}{
		{schema: "Position", id: "minister", changed: true, topics: []string{"gov.national", "role.pep"}},
		{schema: "Position", id: "clerk"},
		{schema: "Position", id: "pending", changed: true, topics: []string{"gov.muni"}},
		{schema: "Position", id: "unknown"},
		{schema: "Person", id: "minister"},
	}
	for _, tt := range tests {
		t.Run(tt.schema+"/"+tt.id, func(t *testing.T) {
			e := resolution.NewEntity(resolution.MustLookup(tt.schema), tt.id)
			changed, err := Annotate(context.Background(), cats, e)
			if err != nil {
				t.Fatal("Annotate:", err)
			}
			if changed != tt.changed {
				t.Errorf("Annotate() = %v, want %v", changed, tt.changed)
			}
			if diff := cmp.Diff(tt.topics, e.Props()["topics"]); diff != "" {
				t.Errorf("topics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
