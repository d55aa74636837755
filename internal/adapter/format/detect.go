// Package format classifies cached files into the supported tabular formats
// and reads bounded samples from them.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zip"

	"github.com/cwygoda/datastash/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sniffSize = 8 << 10

var byExtension = map[string]domain.Format{
	".csv":    domain.FormatDelimited,
	".tsv":    domain.FormatDelimited,
	".psv":    domain.FormatDelimited,
	".xlsx":   domain.FormatSpreadsheet,
	".xlsm":   domain.FormatSpreadsheet,
	".xls":    domain.FormatSpreadsheet,
	".json":   domain.FormatJSONRecords,
	".jsonl":  domain.FormatJSONRecords,
	".ndjson": domain.FormatJSONRecords,
}

// Extensions that say nothing about the content; these are sniffed.
var ambiguous = map[string]bool{
	"":      true,
	".txt":  true,
	".dat":  true,
	".data": true,
}

var (
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

// FromExtension returns the format implied by the file name alone.
func FromExtension(name string) domain.Format {
	return byExtension[strings.ToLower(filepath.Ext(name))]
}

// Detector implements domain.Detector.
type Detector struct{}

// NewDetector creates a format detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect classifies a single file by extension, sniffing the content only
// when the extension is missing or ambiguous.
func (d *Detector) Detect(path string) (domain.Format, error) {
	if f := FromExtension(path); f != domain.FormatUnknown {
		return f, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !ambiguous[ext] {
		return domain.FormatUnknown, formatError(path, fmt.Errorf("unsupported extension %q", ext))
	}
	f, err := sniff(path)
	if err != nil {
		return domain.FormatUnknown, formatError(path, err)
	}
	return f, nil
}

// DetectTree classifies every file below dir. The largest recognized file is
// returned as primary; files lists all regular files relative to dir.
func (d *Detector) DetectTree(dir string) (string, domain.Format, []string, error) {
	type candidate struct {
		rel    string
		size   int64
		format domain.Format
	}
	var (
		files []string
		best  *candidate
	)
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := e.Name()
		if e.IsDir() {
			if path != dir && (name == "__MACOSX" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, rel)

		f, err := d.Detect(path)
		if err != nil {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		c := candidate{rel: rel, size: info.Size(), format: f}
		if best == nil || c.size > best.size || (c.size == best.size && c.rel < best.rel) {
			best = &c
		}
		return nil
	})
	if err != nil {
		return "", domain.FormatUnknown, nil, formatError(dir, err)
	}
	if best == nil {
		return "", domain.FormatUnknown, nil, formatError(dir, errors.New("no supported data file in tree"))
	}
	sort.Strings(files)
	return best.rel, best.format, files, nil
}

func formatError(path string, err error) error {
	return domain.NewError(domain.ErrFormat, "detect "+filepath.Base(path), domain.Key{}, err)
}

func sniff(path string) (domain.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.FormatUnknown, err
	}
	head = head[:n]
	if len(head) == 0 {
		return domain.FormatUnknown, errors.New("empty file")
	}

	switch {
	case bytes.HasPrefix(head, oleMagic):
		return domain.FormatSpreadsheet, nil
	case bytes.HasPrefix(head, zipMagic):
		if isWorkbook(path) {
			return domain.FormatSpreadsheet, nil
		}
		return domain.FormatUnknown, errors.New("zip container is not a workbook")
	case bytes.IndexByte(head, 0) >= 0:
		return domain.FormatUnknown, errors.New("binary content")
	}

	text := bytes.TrimLeft(bytes.TrimPrefix(head, utf8BOM), " \t\r\n")
	if len(text) > 0 && (text[0] == '[' || text[0] == '{') {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return domain.FormatUnknown, err
		}
		if validJSONHead(f) {
			return domain.FormatJSONRecords, nil
		}
	}

	if n == sniffSize {
		// Drop a possibly truncated trailing rune or line.
		if i := bytes.LastIndexByte(text, '\n'); i > 0 {
			text = text[:i]
		}
	}
	if !utf8.Valid(text) {
		return domain.FormatUnknown, errors.New("content is not UTF-8 text")
	}
	if _, ok := sniffDelimiter(text); ok {
		return domain.FormatDelimited, nil
	}
	return domain.FormatUnknown, errors.New("no consistent delimiter found")
}

// validJSONHead reports whether r starts with a well-formed JSON record:
// the first element of an array or the first object of a JSON lines stream.
func validJSONHead(r io.Reader) bool {
	iter := jsoniter.Parse(json, r, 4096)
	switch iter.WhatIsNext() {
	case jsoniter.ArrayValue:
		if !iter.ReadArray() {
			return iter.Error == nil
		}
		iter.Skip()
	case jsoniter.ObjectValue:
		iter.Skip()
	default:
		return false
	}
	return iter.Error == nil || errors.Is(iter.Error, io.EOF)
}

var delimiters = []byte{',', '\t', ';', '|'}

// sniffDelimiter finds a delimiter that occurs the same, non-zero number of
// times on each of the first lines.
func sniffDelimiter(text []byte) (rune, bool) {
	lines := bytes.Split(text, []byte("\n"))
	var sample [][]byte
	for _, l := range lines {
		l = bytes.TrimRight(l, "\r")
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		sample = append(sample, l)
		if len(sample) == 20 {
			break
		}
	}
	if len(sample) == 0 {
		return 0, false
	}
	for _, d := range delimiters {
		want := countOutsideQuotes(sample[0], d)
		if want == 0 {
			continue
		}
		consistent := true
		for _, l := range sample[1:] {
			if countOutsideQuotes(l, d) != want {
				consistent = false
				break
			}
		}
		if consistent {
			return rune(d), true
		}
	}
	return 0, false
}

func countOutsideQuotes(line []byte, d byte) int {
	n, quoted := 0, false
	for _, c := range line {
		switch {
		case c == '"':
			quoted = !quoted
		case c == d && !quoted:
			n++
		}
	}
	return n
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

// Ensure Detector implements domain.Detector
var _ domain.Detector = (*Detector)(nil)
