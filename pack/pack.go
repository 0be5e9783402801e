// Package pack reads and writes statement packs: CSV files holding one
// statement per row, under a header naming the columns.
//
// Packs are the unit of exchange between the statement store and the archive.
// Readers accept the columns in any order, ignore unknown columns and skip
// blank lines, so that packs written by other tools load as well.
package pack

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/go-digitaltwin/go-resolution"
)

// Header lists the columns written by Writer, in order.
var Header = []string{
	"id",
	"entity_id",
	"prop",
	"schema",
	"value",
	"dataset",
	"lang",
	"original_value",
	"external",
	"first_seen",
	"last_seen",
}

// required lists the columns a pack must have to be read.
var required = []string{"entity_id", "prop", "schema", "value", "dataset"}

// A Writer writes statements to a pack. The header is written before the first
// statement, or by Flush on an empty pack.
type Writer struct {
	w             *csv.Writer
	headerWritten bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

func (w *Writer) Write(stmt resolution.Statement) error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	record := []string{
		stmt.ID.String(),
		stmt.EntityID,
		stmt.Prop,
		stmt.Schema,
		stmt.Value,
		stmt.Dataset,
		stmt.Lang,
		stmt.OriginalValue,
		strconv.FormatBool(stmt.External),
		formatTime(stmt.FirstSeen),
		formatTime(stmt.LastSeen),
	}
	if err := w.w.Write(record); err != nil {
		return fmt.Errorf("write statement %s: %w", stmt.ID, err)
	}
	return nil
}

// Flush writes any buffered rows to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	w.headerWritten = true
	if err := w.w.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// A Reader reads statements from a pack.
type Reader struct {
	r       *csv.Reader
	columns map[string]int
}

// NewReader returns a Reader reading from r. The header is read by the first
// call to Read.
func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	// Packs may be written with a different number of columns than ours.
	cr.FieldsPerRecord = -1
	return &Reader{r: cr}
}

// Read returns the next statement of the pack, or io.EOF once the pack is
// exhausted. Statement ids missing from the pack are computed.
func (r *Reader) Read() (resolution.Statement, error) {
	if r.columns == nil {
		if err := r.readHeader(); err != nil {
			return resolution.Statement{}, err
		}
	}
	record, err := r.r.Read()
	if err != nil {
		return resolution.Statement{}, err
	}
	line, _ := r.r.FieldPos(0)
	stmt, err := r.parse(record)
	if err != nil {
		return resolution.Statement{}, fmt.Errorf("line %d: %w", line, err)
	}
	return stmt, nil
}

func (r *Reader) readHeader() error {
	header, err := r.r.Read()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("read header: missing column %q", name)
		}
	}
	r.columns = columns
	return nil
}

func (r *Reader) parse(record []string) (stmt resolution.Statement, err error) {
	field := func(name string) string {
		i, ok := r.columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	stmt = resolution.Statement{
		EntityID:      field("entity_id"),
		Prop:          field("prop"),
		Schema:        field("schema"),
		Value:         field("value"),
		Dataset:       field("dataset"),
		Lang:          field("lang"),
		OriginalValue: field("original_value"),
	}
	if id := field("id"); id != "" {
		if stmt.ID, err = resolution.ParseStatementID(id); err != nil {
			return stmt, err
		}
	} else {
		stmt.ID = resolution.ComputeStatementID(stmt.EntityID, stmt.Prop, stmt.Value, stmt.Dataset)
	}
	if external := field("external"); external != "" {
		if stmt.External, err = strconv.ParseBool(external); err != nil {
			return stmt, fmt.Errorf("external: %w", err)
		}
	}
	if stmt.FirstSeen, err = parseTime(field("first_seen")); err != nil {
		return stmt, fmt.Errorf("first_seen: %w", err)
	}
	if stmt.LastSeen, err = parseTime(field("last_seen")); err != nil {
		return stmt, fmt.Errorf("last_seen: %w", err)
	}
	return stmt, nil
}

// All iterates the statements of a pack. Iteration stops after the first
// error.
func All(r io.Reader) iter.Seq2[resolution.Statement, error] {
	return func(yield func(resolution.Statement, error) bool) {
		pr := NewReader(r)
		for {
			stmt, err := pr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(stmt, err) || err != nil {
				return
			}
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
