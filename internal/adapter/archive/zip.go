package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/cwygoda/datastash/internal/diskspace"
)

const maxLinkTarget = 4 << 10

func (e *Extractor) extractZip(ctx context.Context, archivePath, root string) ([]string, error) {
	// A reader is returned alongside insecure-path errors; names are
	// validated below.
	zr, err := zip.OpenReader(archivePath)
	if zr == nil {
		return nil, err
	}
	defer zr.Close()

	// Validate every entry before writing anything.
	names := make([]string, len(zr.File))
	var total uint64
	for i, f := range zr.File {
		rel, err := cleanEntry(f.Name)
		if err != nil {
			return nil, err
		}
		names[i] = rel
		if f.Mode()&os.ModeSymlink != 0 {
			target, err := readLinkTarget(f)
			if err != nil {
				return nil, err
			}
			if err := checkLink(f.Name, rel, target); err != nil {
				return nil, err
			}
		}
		total += f.UncompressedSize64
	}
	if err := diskspace.Check(filepath.Dir(root), int64(total)); err != nil {
		return nil, err
	}

	var files []string
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := names[i]
		mode := f.Mode()
		switch {
		case rel == "":
			continue
		case mode.IsDir():
			if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0o755); err != nil {
				return nil, err
			}
			continue
		case !mode.IsRegular():
			e.logger.Debug("skipping non-regular archive entry", "entry", f.Name, "mode", mode.String())
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		err = writeEntry(ctx, root, rel, rc, mode)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, rel)
	}
	return files, nil
}

func readLinkTarget(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
