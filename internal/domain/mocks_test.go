package domain

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// memRepo implements ManifestRepository for testing.
type memRepo struct {
	mu        sync.Mutex
	rows      map[Key]Entry
	putErr    error
	deleteErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[Key]Entry)}
}

func (m *memRepo) Load(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.rows {
		out = append(out, e)
	}
	return out, nil
}

func (m *memRepo) Put(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.rows[e.Key] = e
	return nil
}

func (m *memRepo) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.rows, key)
	return nil
}

func (m *memRepo) has(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[key]
	return ok
}

// fakeSource implements Source and Searcher for testing.
type fakeSource struct {
	kind       SourceKind
	prefix     string
	filename   string
	resolveErr error
	resolves   atomic.Int32
	results    []DatasetSummary
}

func (f *fakeSource) Kind() SourceKind { return f.kind }

func (f *fakeSource) Match(identifier string) bool {
	return strings.HasPrefix(identifier, f.prefix)
}

func (f *fakeSource) Resolve(ctx context.Context, identifier string) (Descriptor, error) {
	f.resolves.Add(1)
	if f.resolveErr != nil {
		return Descriptor{}, f.resolveErr
	}
	return Descriptor{Kind: f.kind, Identifier: identifier, URL: "mem://" + identifier, Filename: f.filename, Size: -1}, nil
}

func (f *fakeSource) Preview(ctx context.Context, identifier string, rows int) (*Preview, error) {
	return &Preview{Title: identifier, Columns: []string{"a"}, Rows: make([][]string, rows)}, nil
}

func (f *fakeSource) Retryable(err error) bool { return false }

func (f *fakeSource) Search(ctx context.Context, query string, limit int) iter.Seq2[DatasetSummary, error] {
	return func(yield func(DatasetSummary, error) bool) {
		for i, r := range f.results {
			if i >= limit || !yield(r, nil) {
				return
			}
		}
	}
}

// registry implements SourceRegistry for testing.
type registry []Source

func (r registry) Get(kind SourceKind) (Source, bool) {
	for _, s := range r {
		if s.Kind() == kind {
			return s, true
		}
	}
	return nil, false
}

func (r registry) Match(identifier string) Source {
	for _, s := range r {
		if s.Match(identifier) {
			return s
		}
	}
	return nil
}

// fakeFetcher writes a fixed payload into the stage dir.
type fakeFetcher struct {
	content string
	err     error
	calls   atomic.Int32
	// gate, when set, blocks each fetch until closed or ctx ends.
	gate chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, d Descriptor, stageDir string, retryable func(error) bool) (*Download, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(stageDir, d.Filename)
	if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
		return nil, err
	}
	return &Download{Path: path, Filename: d.Filename, Size: int64(len(f.content))}, nil
}

// fakeExtractor treats .zip files as archives holding files.
type fakeExtractor struct {
	files map[string]string
	err   error
}

func (f *fakeExtractor) IsArchive(path string) bool {
	return strings.HasSuffix(path, ".zip")
}

func (f *fakeExtractor) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var names []string
	for name, content := range f.files {
		p := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// extDetector classifies by extension only.
type extDetector struct{}

func (extDetector) Detect(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".csv":
		return FormatDelimited, nil
	case ".xlsx":
		return FormatSpreadsheet, nil
	case ".json":
		return FormatJSONRecords, nil
	}
	return FormatUnknown, NewError(ErrFormat, "detect", Key{}, errors.New(path))
}

func (d extDetector) DetectTree(dir string) (string, Format, []string, error) {
	var files []string
	primary, format := "", FormatUnknown
	err := filepath.WalkDir(dir, func(p string, e os.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		files = append(files, rel)
		if f, err := d.Detect(p); err == nil && primary == "" {
			primary, format = rel, f
		}
		return nil
	})
	if err != nil {
		return "", FormatUnknown, nil, err
	}
	if primary == "" {
		return "", FormatUnknown, nil, NewError(ErrFormat, "detect", Key{}, errors.New("no data file"))
	}
	return primary, format, files, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCatalog(t *testing.T) (*Catalog, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	c, err := OpenCatalog(context.Background(), t.TempDir(), repo, discardLogger())
	if err != nil {
		t.Fatalf("OpenCatalog() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, repo
}
