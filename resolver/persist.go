package resolver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-digitaltwin/go-resolution"
)

// Save writes every edge of the resolver, tombstoned edges included, to w as
// JSON lines in creation order.
func Save(w io.Writer, r *Resolver) error {
	enc := json.NewEncoder(w)
	for e := range r.Edges() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode %v: %w", e, err)
		}
	}
	return nil
}

// SaveFile writes the resolver's edges to the named file, replacing it
// atomically.
func SaveFile(path string, r *Resolver) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := Save(w, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadLog reads JSON lines written by Save into a MemoryLog. Blank lines are
// skipped.
func ReadLog(r io.Reader) (*MemoryLog, error) {
	var edges []resolution.Edge
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e resolution.Edge
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		edges = append(edges, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return NewMemoryLog(edges...), nil
}

// Load reads an edge log saved by SaveFile and returns a Resolver over it. The
// returned resolver keeps its edges in memory; call SaveFile to persist
// further judgements.
//
// A missing file yields an empty resolver.
func Load(ctx context.Context, path string, opts ...Option) (*Resolver, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(ctx, new(MemoryLog), opts...)
	} else if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	log, err := ReadLog(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return New(ctx, log, opts...)
}
