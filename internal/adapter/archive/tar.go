package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwygoda/datastash/internal/diskspace"
)

// extractTar makes two passes: the first validates headers and sums sizes,
// the second writes regular files.
func (e *Extractor) extractTar(ctx context.Context, archivePath string, k kind, root string) ([]string, error) {
	var total int64
	err := walkTar(archivePath, k, func(h *tar.Header, _ io.Reader) error {
		rel, err := cleanEntry(h.Name)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeSymlink:
			return checkLink(h.Name, rel, h.Linkname)
		case tar.TypeLink:
			if _, err := cleanEntry(h.Linkname); err != nil {
				return &unsafeEntryError{name: h.Name, reason: "links outside the extraction root"}
			}
		case tar.TypeReg:
			total += h.Size
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if err := diskspace.Check(filepath.Dir(root), total); err != nil {
		return nil, err
	}

	var files []string
	err = walkTar(archivePath, k, func(h *tar.Header, r io.Reader) error {
		rel, _ := cleanEntry(h.Name)
		if rel == "" {
			return nil
		}
		switch h.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0o755)
		case tar.TypeReg:
			if err := writeEntry(ctx, root, rel, r, os.FileMode(h.Mode)); err != nil {
				return err
			}
			files = append(files, rel)
		default:
			e.logger.Debug("skipping non-regular archive entry", "entry", h.Name, "type", string(h.Typeflag))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func walkTar(archivePath string, k kind, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := decompressor(bufio.NewReader(f), k)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if h.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(h, tr); err != nil {
			return err
		}
	}
}

// decompressSingle writes the payload of a .gz or .zst file under its name
// without the compression suffix.
func (e *Extractor) decompressSingle(ctx context.Context, archivePath string, k kind, root string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if err := diskspace.Check(filepath.Dir(root), info.Size()); err != nil {
			return nil, err
		}
	}

	r, closeFn, err := decompressor(bufio.NewReader(f), k)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	name := singleName(archivePath)
	if err := writeEntry(ctx, root, name, r, 0o644); err != nil {
		return nil, err
	}
	return []string{name}, nil
}

func singleName(archivePath string) string {
	base := filepath.Base(archivePath)
	lower := strings.ToLower(base)
	for _, suffix := range []string{".gz", ".zst"} {
		if strings.HasSuffix(lower, suffix) {
			base = base[:len(base)-len(suffix)]
			break
		}
	}
	if base == "" || base == "." || strings.HasPrefix(base, ".") {
		base = "data"
	}
	return base
}
