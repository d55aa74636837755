package format

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/cwygoda/datastash/internal/domain"
)

// Sample is the header and first rows of a tabular file.
type Sample struct {
	Columns []string
	Rows    [][]string
}

// ReadSample reads the header and at most rows records from path.
func ReadSample(path string, f domain.Format, rows int) (*Sample, error) {
	if rows < 0 {
		rows = 0
	}
	var (
		s   *Sample
		err error
	)
	switch f {
	case domain.FormatDelimited:
		s, err = sampleDelimited(path, rows)
	case domain.FormatJSONRecords:
		s, err = sampleJSON(path, rows)
	case domain.FormatSpreadsheet:
		s, err = sampleWorkbook(path, rows)
	default:
		err = fmt.Errorf("cannot sample %s content", f)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrFormat, "sample "+filepath.Base(path), domain.Key{}, err)
	}
	return s, nil
}

func sampleDelimited(path string, rows int) (*Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	br := bufio.NewReaderSize(file, sniffSize)
	if b, _ := br.Peek(len(utf8BOM)); bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	head, _ := br.Peek(sniffSize)

	comma := delimiterFor(path, head)
	r := csv.NewReader(br)
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Sample{}, nil
	}
	if err != nil {
		return nil, err
	}
	s := &Sample{Columns: header}
	for len(s.Rows) < rows {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s.Rows = append(s.Rows, rec)
	}
	return s, nil
}

func delimiterFor(path string, head []byte) rune {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv":
		return '\t'
	case ".psv":
		return '|'
	}
	if i := bytes.LastIndexByte(head, '\n'); i > 0 && len(head) == sniffSize {
		head = head[:i]
	}
	if d, ok := sniffDelimiter(head); ok {
		return d
	}
	return ','
}

// sampleJSON reads records from a JSON array of objects or a JSON lines
// stream. Columns are the union of keys in first-seen order.
func sampleJSON(path string, rows int) (*Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	if head, _ := br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	iter := jsoniter.Parse(json, br, 4096)
	var records []map[string]string
	cols := newColumnSet()

	readRecord := func() bool {
		rec := map[string]string{}
		if iter.WhatIsNext() != jsoniter.ObjectValue {
			iter.ReportError("sample", "record is not an object")
			return false
		}
		iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			cols.add(field)
			rec[field] = it.ReadAny().ToString()
			return true
		})
		if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
			return false
		}
		records = append(records, rec)
		return true
	}

	switch iter.WhatIsNext() {
	case jsoniter.ArrayValue:
		for len(records) < rows+1 && iter.ReadArray() {
			if !readRecord() {
				break
			}
		}
	case jsoniter.ObjectValue:
		for len(records) < rows+1 {
			if !readRecord() {
				break
			}
			iter.Error = nil
			if iter.WhatIsNext() != jsoniter.ObjectValue {
				break
			}
		}
	default:
		return nil, errors.New("content is not a JSON array or object stream")
	}
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return nil, iter.Error
	}

	if len(records) > rows {
		records = records[:rows]
	}
	s := &Sample{Columns: cols.list}
	for _, rec := range records {
		row := make([]string, len(cols.list))
		for i, c := range cols.list {
			row[i] = rec[c]
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

type columnSet struct {
	seen map[string]bool
	list []string
}

func newColumnSet() *columnSet {
	return &columnSet{seen: map[string]bool{}}
}

func (c *columnSet) add(name string) {
	if !c.seen[name] {
		c.seen[name] = true
		c.list = append(c.list, name)
	}
}
