// Package source loads import records written by the upstream generators.
//
// Input is JSON lines, one record per line:
//
//	{"kind": "customer", "natural_key": "C0001", "payload": {"name": "Acme"}}
//
// A path may be a single file holding every kind, or a directory of *.jsonl
// files. Inside a directory, a line without "kind" takes it from the file
// name (customers.jsonl, orders.jsonl, order_lines.jsonl).
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// MaxLineBytes bounds a single record line.
const MaxLineBytes = 4 << 20

const progressEvery = 10000

// LineError describes a line that could not be turned into a record.
type LineError struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Err  string `json:"error"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Err)
}

// Set holds records grouped by kind in input order.
type Set struct {
	byKind   map[core.Kind][]core.ImportRecord
	Rejected []LineError
	Bytes    int64
}

// NewSet builds a Set from records.
func NewSet(records ...core.ImportRecord) *Set {
	s := &Set{byKind: make(map[core.Kind][]core.ImportRecord)}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add appends a record to its kind.
func (s *Set) Add(r core.ImportRecord) {
	s.byKind[r.Kind] = append(s.byKind[r.Kind], r)
}

// Records iterates the records of one kind.
func (s *Set) Records(kind core.Kind) iter.Seq[core.ImportRecord] {
	return slices.Values(s.byKind[kind])
}

// Count returns the number of records of one kind.
func (s *Set) Count(kind core.Kind) int {
	return len(s.byKind[kind])
}

// Len returns the number of records of every kind.
func (s *Set) Len() int {
	n := 0
	for _, recs := range s.byKind {
		n += len(recs)
	}
	return n
}

// Kinds returns the kinds present, sorted.
func (s *Set) Kinds() []core.Kind {
	kinds := make([]core.Kind, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

type line struct {
	Kind       string         `json:"kind"`
	NaturalKey string         `json:"natural_key"`
	Payload    map[string]any `json:"payload"`
}

// LoadFile loads a file or a directory of *.jsonl files.
func LoadFile(ctx context.Context, path string, logger *slog.Logger) (*Set, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	set := NewSet()
	if !info.IsDir() {
		return set, loadOne(ctx, set, path, "", logger)
	}

	files, err := filepath.Glob(filepath.Join(path, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .jsonl files in %s", path)
	}
	slices.Sort(files)
	for _, f := range files {
		fallback := strings.TrimSuffix(filepath.Base(f), ".jsonl")
		if err := loadOne(ctx, set, f, fallback, logger); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func loadOne(ctx context.Context, set *Set, path, fallbackKind string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return Read(ctx, set, f, ReadOptions{Name: path, Size: size, FallbackKind: fallbackKind, Logger: logger})
}

// ReadOptions configures Read.
type ReadOptions struct {
	Name         string // used in LineError
	Size         int64  // expected byte size for progress logging, 0 if unknown
	FallbackKind string // kind for lines that omit it
	Logger       *slog.Logger
}

// Read decodes JSON lines from r into set. Lines that fail to decode or
// carry an unknown kind or an empty natural key are collected in
// set.Rejected; only I/O errors and cancellation abort the read.
func Read(ctx context.Context, set *Set, r io.Reader, opts ReadOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	counter := wrap(r, opts.Size)
	scanner := bufio.NewScanner(counter)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	lineNum, loaded, rejected := 0, 0, 0
	for scanner.Scan() {
		lineNum++
		if lineNum%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.Info("loading records",
				"file", opts.Name,
				"lines", lineNum,
				"percent", fmt.Sprintf("%.1f", counter.Percent()),
			)
		}

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeLine(raw, opts.FallbackKind)
		if err != nil {
			set.Rejected = append(set.Rejected, LineError{File: opts.Name, Line: lineNum, Err: err.Error()})
			rejected++
			continue
		}
		set.Add(rec)
		loaded++
	}
	set.Bytes += counter.BytesRead()

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%s line %d: longer than %d bytes", opts.Name, lineNum+1, MaxLineBytes)
		}
		return fmt.Errorf("read %s: %w", opts.Name, err)
	}

	logger.Info("records loaded",
		"file", opts.Name,
		"records", loaded,
		"rejected", rejected,
		"bytes", counter.BytesRead(),
	)
	return nil
}

func decodeLine(raw []byte, fallbackKind string) (core.ImportRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var l line
	if err := dec.Decode(&l); err != nil {
		return core.ImportRecord{}, fmt.Errorf("invalid JSON: %w", err)
	}

	kindName := l.Kind
	if kindName == "" {
		kindName = fallbackKind
	}
	kind, err := core.ParseKind(kindName)
	if err != nil {
		return core.ImportRecord{}, err
	}

	key := strings.TrimSpace(l.NaturalKey)
	if key == "" {
		return core.ImportRecord{}, errors.New("missing natural_key")
	}

	return core.ImportRecord{Kind: kind, NaturalKey: key, Payload: l.Payload}, nil
}
