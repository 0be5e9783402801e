package pack

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-resolution"
)

func TestWriteRead(t *testing.T) {
	seen := time.Date(2024, 3, 1, 8, 30, 0, 500, time.UTC)
	stmts := []resolution.Statement{
		resolution.NewStatement("p1", resolution.PropID, "Person", "p1", "ds"),
		resolution.NewStatement("p1", "name", "Person", "Jane \"JJ\" Doe, Jr.", "ds"),
		{
			ID:            resolution.ComputeStatementID("p1", "notes", "line one\nline two", "ds"),
			EntityID:      "p1",
			Prop:          "notes",
			Schema:        "Person",
			Value:         "line one\nline two",
			Dataset:       "ds",
			Lang:          "eng",
			OriginalValue: "Line One",
			External:      true,
			FirstSeen:     seen,
			LastSeen:      seen.Add(time.Hour),
		},
	}

	var b bytes.Buffer
	w := NewWriter(&b)
	for _, stmt := range stmts {
		if err := w.Write(stmt); err != nil {
			t.Fatal("Write:", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal("Flush:", err)
	}

	var got []resolution.Statement
	for stmt, err := range All(&b) {
		if err != nil {
			t.Fatal("All:", err)
		}
		got = append(got, stmt)
	}
	if diff := cmp.Diff(stmts, got); diff != "" {
		t.Errorf("All(Write(stmts)) mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_tolerant(t *testing.T) {
	// Blank lines, reordered and unknown columns, and missing ids.
	const input = "schema,dataset,entity_id,value,prop,comment\n" +
		"\n" +
		"Company,ds,c1,ACME,name,first\n" +
		"\n" +
		"\n" +
		"Company,ds,c1,gb,jurisdiction,second\n"

	var got []resolution.Statement
	for stmt, err := range All(strings.NewReader(input)) {
		if err != nil {
			t.Fatal("All:", err)
		}
		got = append(got, stmt)
	}
	want := []resolution.Statement{
		resolution.NewStatement("c1", "name", "Company", "ACME", "ds"),
		resolution.NewStatement("c1", "jurisdiction", "Company", "gb", "ds"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "Empty", input: ""},
		{name: "MissingColumn", input: "entity_id,prop,value\nc1,name,ACME\n"},
		{name: "MalformedID", input: "id,entity_id,prop,schema,value,dataset\nxyz,c1,name,Company,ACME,ds\n"},
		{name: "MalformedTime", input: "entity_id,prop,schema,value,dataset,first_seen\nc1,name,Company,ACME,ds,yesterday\n"},
		{name: "MalformedExternal", input: "entity_id,prop,schema,value,dataset,external\nc1,name,Company,ACME,ds,perhaps\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).Read()
			if err == nil || errors.Is(err, io.EOF) {
				t.Errorf("Read() error = %v, want a parse error", err)
			}
		})
	}
}

func TestWriter_emptyPack(t *testing.T) {
	var b bytes.Buffer
	if err := NewWriter(&b).Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&b)
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read(empty pack) error = %v, want io.EOF", err)
	}
}
