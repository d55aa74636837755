// Package archive expands downloaded archives into the cache without letting
// any entry escape the extraction root.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/cwygoda/datastash/internal/diskspace"
	"github.com/cwygoda/datastash/internal/domain"
)

type kind int

const (
	kindNone kind = iota
	kindZip
	kindTar
	kindTarGzip
	kindTarZstd
	kindGzip
	kindZstd
)

func (k kind) String() string {
	switch k {
	case kindZip:
		return "zip"
	case kindTar:
		return "tar"
	case kindTarGzip:
		return "tar.gz"
	case kindTarZstd:
		return "tar.zst"
	case kindGzip:
		return "gzip"
	case kindZstd:
		return "zstd"
	}
	return "none"
}

// Extensions that always denote a data file, even when the container is zip.
var dataExtensions = map[string]bool{
	".csv": true, ".tsv": true, ".psv": true,
	".xlsx": true, ".xlsm": true, ".xls": true,
	".json": true, ".jsonl": true, ".ndjson": true,
}

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Extractor implements domain.Extractor.
type Extractor struct {
	logger   *slog.Logger
	security *slog.Logger
}

// NewExtractor creates an extractor. Unsafe entries are reported on a logger
// tagged with category=security.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger:   logger,
		security: logger.With("category", "security"),
	}
}

// IsArchive reports whether path holds a supported archive.
func (e *Extractor) IsArchive(path string) bool {
	k, err := detect(path)
	return err == nil && k != kindNone
}

// Extract expands archivePath into destDir, which must not exist yet. All
// entries are validated before anything is written; on any failure destDir
// is left absent. The returned paths are relative to destDir.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	k, err := detect(archivePath)
	if err != nil {
		return nil, archiveError(err)
	}
	if k == kindNone {
		return nil, archiveError(fmt.Errorf("%s is not a supported archive", filepath.Base(archivePath)))
	}
	if _, err := os.Lstat(destDir); err == nil {
		return nil, archiveError(fmt.Errorf("destination %s already exists", destDir))
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, archiveError(err)
	}
	tmp, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return nil, archiveError(err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	var files []string
	switch k {
	case kindZip:
		files, err = e.extractZip(ctx, archivePath, tmp)
	case kindTar, kindTarGzip, kindTarZstd:
		files, err = e.extractTar(ctx, archivePath, k, tmp)
	case kindGzip, kindZstd:
		files, err = e.decompressSingle(ctx, archivePath, k, tmp)
	}
	if err != nil {
		return nil, e.classify(archivePath, err)
	}

	if err := os.Rename(tmp, destDir); err != nil {
		return nil, archiveError(err)
	}
	committed = true
	sort.Strings(files)

	e.logger.Debug("archive extracted",
		"archive", filepath.Base(archivePath),
		"kind", k.String(),
		"files", len(files))
	return files, nil
}

func (e *Extractor) classify(archivePath string, err error) error {
	var unsafe *unsafeEntryError
	switch {
	case errors.As(err, &unsafe):
		e.security.Warn("rejected archive with unsafe entry",
			"archive", filepath.Base(archivePath),
			"entry", unsafe.name,
			"reason", unsafe.reason)
		return archiveError(err)
	case errors.Is(err, diskspace.ErrInsufficient):
		return domain.NewError(domain.ErrResource, "extract", domain.Key{}, err)
	}
	return archiveError(err)
}

func archiveError(err error) error {
	return domain.NewError(domain.ErrArchive, "extract", domain.Key{}, err)
}

// detect identifies the archive kind from the file name, falling back to
// magic bytes for names that carry no usable extension.
func detect(path string) (kind, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return kindTarGzip, nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return kindTarZstd, nil
	case strings.HasSuffix(name, ".tar"):
		return kindTar, nil
	case strings.HasSuffix(name, ".zip"):
		return kindZip, nil
	case strings.HasSuffix(name, ".gz"):
		return peekTar(path, kindGzip)
	case strings.HasSuffix(name, ".zst"):
		return peekTar(path, kindZstd)
	}
	if dataExtensions[filepath.Ext(name)] {
		return kindNone, nil
	}
	return sniff(path)
}

func sniff(path string) (kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return kindNone, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return kindNone, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic):
		if isWorkbook(path) {
			return kindNone, nil
		}
		return kindZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return peekTar(path, kindGzip)
	case bytes.HasPrefix(head, zstdMagic):
		return peekTar(path, kindZstd)
	case isTarHeader(head):
		return kindTar, nil
	}
	return kindNone, nil
}

// peekTar decompresses the first block of a compressed stream to tell a
// compressed tarball from a single compressed file.
func peekTar(path string, k kind) (kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return kindNone, err
	}
	defer f.Close()

	r, closeFn, err := decompressor(bufio.NewReader(f), k)
	if err != nil {
		return kindNone, err
	}
	defer closeFn()

	head := make([]byte, 512)
	n, _ := io.ReadFull(r, head)
	if isTarHeader(head[:n]) {
		if k == kindGzip {
			return kindTarGzip, nil
		}
		return kindTarZstd, nil
	}
	return k, nil
}

func isTarHeader(block []byte) bool {
	return len(block) >= 262 && bytes.HasPrefix(block[257:], []byte("ustar"))
}

func isWorkbook(path string) bool {
	zr, _ := zip.OpenReader(path)
	if zr == nil {
		return false
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == "xl/workbook.xml" {
			return true
		}
	}
	return false
}

func decompressor(r io.Reader, k kind) (io.Reader, func(), error) {
	switch k {
	case kindGzip, kindTarGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case kindZstd, kindTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

// Ensure Extractor implements domain.Extractor
var _ domain.Extractor = (*Extractor)(nil)
