package domain

import (
	"context"
	"iter"
)

// ManifestRepository is the driven port for the persisted catalog manifest.
type ManifestRepository interface {
	Load(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key Key) error
}

// Source is the driven port for a source adapter.
type Source interface {
	Kind() SourceKind
	Match(identifier string) bool
	Resolve(ctx context.Context, identifier string) (Descriptor, error)
	Preview(ctx context.Context, identifier string, rows int) (*Preview, error)
	// Retryable classifies transfer errors for this source.
	Retryable(err error) bool
}

// Searcher is implemented by sources that can list datasets.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) iter.Seq2[DatasetSummary, error]
}

// SourceRegistry finds the adapter for an identifier.
type SourceRegistry interface {
	Get(kind SourceKind) (Source, bool)
	Match(identifier string) Source
}

// Download is a fetched payload sitting in the staging area.
type Download struct {
	Path        string
	Filename    string
	Size        int64
	ContentType string
}

// Fetcher is the driven port that streams a descriptor to disk.
type Fetcher interface {
	Fetch(ctx context.Context, d Descriptor, stageDir string, retryable func(error) bool) (*Download, error)
}

// Extractor is the driven port for archive expansion.
type Extractor interface {
	// IsArchive reports whether the file at path must be extracted.
	IsArchive(path string) bool
	Extract(ctx context.Context, archivePath, destDir string) ([]string, error)
}

// Detector is the driven port for format classification.
type Detector interface {
	Detect(path string) (Format, error)
	DetectTree(dir string) (primary string, format Format, files []string, err error)
}
