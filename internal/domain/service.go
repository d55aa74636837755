package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSearchLimit caps search results when the caller gives no limit.
const DefaultSearchLimit = 50

// DefaultPreviewRows is the preview sample size when the caller gives none.
const DefaultPreviewRows = 5

// FetchRequest asks for a dataset to be made available locally.
type FetchRequest struct {
	// Kind selects the source; empty means match on the identifier.
	Kind       SourceKind
	Identifier string
	Force      bool
}

// Deps are the collaborators of a Service.
type Deps struct {
	Catalog   *Catalog
	Sources   SourceRegistry
	Fetcher   Fetcher
	Extractor Extractor
	Detector  Detector
	Logger    *slog.Logger
}

// Service runs the acquisition pipeline and exposes the catalog to the CLI,
// the HTTP adapter and analysis collaborators.
type Service struct {
	catalog   *Catalog
	sources   SourceRegistry
	fetcher   Fetcher
	extractor Extractor
	detector  Detector
	guard     *CacheGuard
	logger    *slog.Logger
	security  *slog.Logger
	now       func() time.Time
}

// NewService creates a new Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:   d.Catalog,
		sources:   d.Sources,
		fetcher:   d.Fetcher,
		extractor: d.Extractor,
		detector:  d.Detector,
		guard:     NewCacheGuard(),
		logger:    logger,
		security:  logger.With("category", "security"),
		now:       time.Now,
	}
}

// Catalog returns the catalog the service writes to.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Fetch returns the cached entry for the request, downloading it first when
// it is missing or when Force is set. Concurrent requests for the same key
// share one download.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (*Entry, error) {
	src, key, err := s.source(req.Kind, req.Identifier)
	if err != nil {
		return nil, err
	}

	if !req.Force {
		if e, err := s.catalog.Get(ctx, key); err == nil {
			s.logger.Debug("cache hit", "key", key.String())
			return e, nil
		}
	}

	entry, joined, err := s.guard.Do(ctx, key, func() (*Entry, error) {
		if !req.Force {
			if e, err := s.catalog.Get(ctx, key); err == nil {
				return e, nil
			}
		}
		return s.acquire(ctx, src, key, req.Force)
	})
	if joined {
		s.logger.Debug("joined in-flight fetch", "key", key.String())
	}
	if err != nil {
		err = ensureKind(ErrFetch, "fetch", key, err)
		s.logFailure(key, err)
		return nil, err
	}
	return entry, nil
}

func (s *Service) acquire(ctx context.Context, src Source, key Key, force bool) (*Entry, error) {
	start := s.now()
	d, err := src.Resolve(ctx, key.Identifier)
	if err != nil {
		return nil, ensureKind(ErrSourceResolution, "resolve", key, err)
	}
	s.logger.Info("fetching dataset", "key", key.String(), "url", d.URL)

	stage, err := s.catalog.NewStagingDir()
	if err != nil {
		return nil, NewError(ErrFetch, "stage", key, err)
	}
	// A committed stage has been renamed away; anything left is discarded.
	defer os.RemoveAll(stage)

	dl, err := s.fetcher.Fetch(ctx, d, stage, src.Retryable)
	if err != nil {
		return nil, ensureKind(ErrFetch, "fetch", key, err)
	}

	entry := Entry{Key: key, FetchedAt: s.now().UTC()}
	committed, rel := stage, dl.Filename

	if s.extractor.IsArchive(dl.Path) {
		tree := s.catalog.StagingPath("tree")
		defer os.RemoveAll(tree)
		if _, err := s.extractor.Extract(ctx, dl.Path, tree); err != nil {
			return nil, ensureKind(ErrArchive, "extract", key, err)
		}
		primary, format, files, err := s.detector.DetectTree(tree)
		if err != nil {
			return nil, ensureKind(ErrFormat, "detect", key, err)
		}
		entry.Format, entry.Files, entry.Primary = format, files, primary
		entry.Size, err = treeSize(tree)
		if err != nil {
			return nil, NewError(ErrFetch, "stat", key, err)
		}
		committed, rel = tree, ""
	} else {
		format, err := s.detector.Detect(dl.Path)
		if err != nil {
			return nil, ensureKind(ErrFormat, "detect", key, err)
		}
		entry.Format, entry.Files, entry.Size = format, []string{dl.Filename}, dl.Size
	}

	out, err := s.catalog.Commit(ctx, committed, rel, entry, force)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dataset cached",
		"key", key.String(),
		"path", out.LocalPath,
		"format", out.Format.String(),
		"bytes", out.Size,
		"elapsed", s.now().Sub(start).Round(time.Millisecond),
	)
	return out, nil
}

func (s *Service) logFailure(key Key, err error) {
	if errors.Is(err, ErrUnsafePath) {
		s.security.Warn("rejected archive with path traversal", "key", key.String(), "error", err)
		return
	}
	s.logger.Error("fetch failed", "key", key.String(), "error", err)
}

// Preview returns a bounded sample of a remote dataset without caching it.
func (s *Service) Preview(ctx context.Context, kind SourceKind, identifier string, rows int) (*Preview, error) {
	src, key, err := s.source(kind, identifier)
	if err != nil {
		return nil, err
	}
	if rows <= 0 {
		rows = DefaultPreviewRows
	}
	p, err := src.Preview(ctx, key.Identifier, rows)
	if err != nil {
		if errors.Is(err, ErrUnsafePath) {
			s.security.Warn("rejected archive with path traversal", "key", key.String(), "error", err)
		}
		return nil, ensureKind(ErrFetch, "preview", key, err)
	}
	p.Key = key
	return p, nil
}

// Search lists datasets from the first source that supports searching.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]DatasetSummary, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewError(ErrSourceResolution, "search", Key{}, errors.New("empty query"))
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	src, ok := s.sources.Get(KindDatasetSearch)
	if !ok {
		return nil, NewError(ErrSourceResolution, "search", Key{}, ErrNoSource)
	}
	searcher, ok := src.(Searcher)
	if !ok {
		return nil, NewError(ErrSourceResolution, "search", Key{}, ErrNoSource)
	}

	var out []DatasetSummary
	for summary, err := range searcher.Search(ctx, query, limit) {
		if err != nil {
			return out, ensureKind(ErrSourceResolution, "search", Key{}, err)
		}
		out = append(out, summary)
	}
	return out, nil
}

// ListDatasets returns the catalog in list order. File listings are dropped
// unless includeFiles is set.
func (s *Service) ListDatasets(ctx context.Context, includeFiles bool) ([]Entry, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if !includeFiles {
		for i := range entries {
			entries[i].Files = nil
		}
	}
	return entries, nil
}

// SelectForAnalysis hands the dataset at the 1-based index of ListDatasets
// to an analysis routine after checking it is still present, readable and of
// the recorded format.
func (s *Service) SelectForAnalysis(ctx context.Context, index int) (*Handoff, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(entries) {
		return nil, NewError(ErrCatalog, "select", Key{}, fmt.Errorf("%w: index %d out of range 1-%d", ErrNotFound, index, len(entries)))
	}
	return s.handoff(entries[index-1])
}

// Handoff validates a cached entry for analysis.
func (s *Service) Handoff(ctx context.Context, key Key) (*Handoff, error) {
	e, err := s.catalog.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.handoff(*e)
}

func (s *Service) handoff(e Entry) (*Handoff, error) {
	path := e.DataPath()
	f, err := os.Open(path)
	if err != nil {
		return nil, NewError(ErrCatalog, "select", e.Key, err)
	}
	_ = f.Close()

	format, err := s.detector.Detect(path)
	if err != nil {
		return nil, ensureKind(ErrFormat, "select", e.Key, err)
	}
	if format != e.Format {
		return nil, NewError(ErrFormat, "select", e.Key, fmt.Errorf("recorded %s, found %s", e.Format, format))
	}
	return &Handoff{Path: path, Format: format, Entry: e}, nil
}

// DeleteDataset removes a dataset from disk and from the catalog.
func (s *Service) DeleteDataset(ctx context.Context, key Key) error {
	return s.catalog.Delete(ctx, key)
}

// source picks the adapter for a request and normalizes its key.
func (s *Service) source(kind SourceKind, identifier string) (Source, Key, error) {
	identifier = strings.TrimSpace(identifier)
	key := Key{Kind: kind, Identifier: identifier}
	if identifier == "" {
		return nil, key, NewError(ErrSourceResolution, "resolve", key, errors.New("empty identifier"))
	}

	var src Source
	if kind != "" {
		src, _ = s.sources.Get(kind)
	} else {
		src = s.sources.Match(identifier)
	}
	if src == nil {
		return nil, key, NewError(ErrSourceResolution, "resolve", key, ErrNoSource)
	}
	key.Kind = src.Kind()
	return src, key, nil
}

// ensureKind keeps an already classified error and wraps anything else.
func ensureKind(kind error, op string, key Key, err error) error {
	if KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrFetch, op, key, err)
	}
	return NewError(kind, op, key, err)
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
