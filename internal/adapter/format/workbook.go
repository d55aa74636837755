package format

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

var errLegacyWorkbook = errors.New("legacy binary workbooks cannot be sampled")

// sampleWorkbook reads the first worksheet of an OOXML workbook.
func sampleWorkbook(p string, rows int) (*Sample, error) {
	if isOLE(p) {
		return nil, errLegacyWorkbook
	}
	zr, err := zip.OpenReader(p)
	if zr == nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var shared []string
	if f, ok := files["xl/sharedStrings.xml"]; ok {
		if shared, err = readSharedStrings(f); err != nil {
			return nil, err
		}
	}

	sheet := firstSheet(zr.File)
	if sheet == nil {
		return nil, errors.New("workbook has no worksheets")
	}
	table, err := readSheet(sheet, shared, rows+1)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return &Sample{}, nil
	}
	return &Sample{Columns: table[0], Rows: table[1:]}, nil
}

func isOLE(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(oleMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, oleMagic)
}

// firstSheet picks the lowest-numbered xl/worksheets/sheetN.xml entry.
func firstSheet(files []*zip.File) *zip.File {
	var sheets []*zip.File
	for _, f := range files {
		if path.Dir(f.Name) == "xl/worksheets" && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f)
		}
	}
	if len(sheets) == 0 {
		return nil
	}
	num := func(name string) int {
		base := strings.TrimSuffix(path.Base(name), ".xml")
		n, err := strconv.Atoi(strings.TrimPrefix(base, "sheet"))
		if err != nil {
			return 1 << 30
		}
		return n
	}
	sort.Slice(sheets, func(i, j int) bool {
		ni, nj := num(sheets[i].Name), num(sheets[j].Name)
		if ni != nj {
			return ni < nj
		}
		return sheets[i].Name < sheets[j].Name
	})
	return sheets[0]
}

func readSharedStrings(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var (
		out  []string
		cur  strings.Builder
		inT  bool
		inSI bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("shared strings: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				cur.Reset()
			case "t":
				inT = inSI
			case "rPh":
				// Phonetic runs are not part of the cell text.
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				out = append(out, cur.String())
				inSI = false
			case "t":
				inT = false
			}
		case xml.CharData:
			if inT {
				cur.Write(t)
			}
		}
	}
}

type sheetCell struct {
	Ref    string `xml:"r,attr"`
	Type   string `xml:"t,attr"`
	Value  string `xml:"v"`
	Inline struct {
		Text []string `xml:"t"`
		Runs []struct {
			Text string `xml:"t"`
		} `xml:"r"`
	} `xml:"is"`
}

type sheetRow struct {
	Cells []sheetCell `xml:"c"`
}

// readSheet streams rows from a worksheet, stopping after limit rows.
func readSheet(f *zip.File, shared []string, limit int) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out [][]string
	dec := xml.NewDecoder(rc)
	for len(out) < limit {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("worksheet: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "row" {
			continue
		}
		var row sheetRow
		if err := dec.DecodeElement(&row, &se); err != nil {
			return nil, fmt.Errorf("worksheet row: %w", err)
		}
		out = append(out, row.values(shared))
	}
	return out, nil
}

func (r sheetRow) values(shared []string) []string {
	var vals []string
	next := 0
	for _, c := range r.Cells {
		col := next
		if c.Ref != "" {
			if n, ok := columnIndex(c.Ref); ok {
				col = n
			}
		}
		for len(vals) < col {
			vals = append(vals, "")
		}
		vals = append(vals, c.text(shared))
		next = col + 1
	}
	return vals
}

func (c sheetCell) text(shared []string) string {
	switch c.Type {
	case "s":
		i, err := strconv.Atoi(strings.TrimSpace(c.Value))
		if err != nil || i < 0 || i >= len(shared) {
			return ""
		}
		return shared[i]
	case "inlineStr":
		if len(c.Inline.Text) > 0 {
			return strings.Join(c.Inline.Text, "")
		}
		var b strings.Builder
		for _, r := range c.Inline.Runs {
			b.WriteString(r.Text)
		}
		return b.String()
	case "b":
		if c.Value == "1" {
			return "TRUE"
		}
		return "FALSE"
	}
	return c.Value
}

// columnIndex converts the letters of a cell reference like "AB12" to a
// zero-based column index.
func columnIndex(ref string) (int, bool) {
	n := 0
	i := 0
	for ; i < len(ref); i++ {
		ch := ref[i]
		if ch < 'A' || ch > 'Z' {
			break
		}
		n = n*26 + int(ch-'A'+1)
	}
	if i == 0 {
		return 0, false
	}
	return n - 1, true
}
