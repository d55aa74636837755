package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwygoda/datastash/internal/adapter/format"
	"github.com/cwygoda/datastash/internal/domain"
)

// Previewer downloads a descriptor into a scratch directory outside the
// cache, samples it and removes everything again.
type Previewer struct {
	fetcher    domain.Fetcher
	extractor  domain.Extractor
	detector   domain.Detector
	scratchDir string
}

// NewPreviewer creates a Previewer. An empty scratchDir means os.TempDir.
func NewPreviewer(fetcher domain.Fetcher, extractor domain.Extractor, detector domain.Detector, scratchDir string) *Previewer {
	return &Previewer{
		fetcher:    fetcher,
		extractor:  extractor,
		detector:   detector,
		scratchDir: scratchDir,
	}
}

// Sample fetches d and returns its header and the first rows.
func (p *Previewer) Sample(ctx context.Context, d domain.Descriptor, retryable func(error) bool, rows int) (*domain.Preview, error) {
	if p == nil {
		return nil, domain.NewError(domain.ErrFetch, "preview", d.Key(), fmt.Errorf("preview not configured"))
	}
	if p.scratchDir != "" {
		if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
			return nil, domain.NewError(domain.ErrResource, "preview", d.Key(), err)
		}
	}
	scratch, err := os.MkdirTemp(p.scratchDir, "datastash-preview-*")
	if err != nil {
		return nil, domain.NewError(domain.ErrResource, "preview", d.Key(), err)
	}
	defer os.RemoveAll(scratch)

	stage := filepath.Join(scratch, "download")
	if err := os.Mkdir(stage, 0o755); err != nil {
		return nil, domain.NewError(domain.ErrResource, "preview", d.Key(), err)
	}
	dl, err := p.fetcher.Fetch(ctx, d, stage, retryable)
	if err != nil {
		return nil, err
	}

	preview := &domain.Preview{Key: d.Key()}
	path := dl.Path
	if p.extractor.IsArchive(dl.Path) {
		tree := filepath.Join(scratch, "tree")
		if _, err := p.extractor.Extract(ctx, dl.Path, tree); err != nil {
			return nil, err
		}
		primary, f, files, err := p.detector.DetectTree(tree)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(tree, filepath.FromSlash(primary))
		preview.File, preview.Format, preview.Files = primary, f, files
	} else {
		f, err := p.detector.Detect(dl.Path)
		if err != nil {
			return nil, err
		}
		preview.File, preview.Format, preview.Files = dl.Filename, f, []string{dl.Filename}
	}

	sample, err := format.ReadSample(path, preview.Format, rows)
	if err != nil {
		return nil, err
	}
	preview.Columns, preview.Rows = sample.Columns, sample.Rows
	return preview, nil
}
