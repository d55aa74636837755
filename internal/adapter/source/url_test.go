package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/datastash/internal/domain"
)

func TestURLSource_Match(t *testing.T) {
	s := NewURLSource(nil, 0, nil, discardLogger())

	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/data.csv", true},
		{"http://example.com", true},
		{"ftp://example.com/data.csv", false},
		{"example.com/data.csv", false},
		{"https:///nohost", false},
		{"owner/dataset", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Match(tt.in), tt.in)
	}
}

func TestURLSource_ResolveProbe(t *testing.T) {
	var heads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads++
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Length", "42")
		w.Header().Set("Content-Disposition", `attachment; filename="real.csv"`)
	}))
	defer srv.Close()

	s := NewURLSource(srv.Client(), 0, nil, discardLogger())
	d, err := s.Resolve(context.Background(), srv.URL+"/export?id=1")
	require.NoError(t, err)

	assert.Equal(t, 1, heads)
	assert.Equal(t, domain.KindURL, d.Kind)
	assert.Equal(t, srv.URL+"/export?id=1", d.URL)
	assert.Equal(t, "real.csv", d.Filename)
	assert.Equal(t, int64(42), d.Size)
	assert.Equal(t, "text/csv", d.ContentType)
	assert.Equal(t, domain.FormatDelimited, d.FormatHint)
}

func TestURLSource_ProbeFailureIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	s := NewURLSource(srv.Client(), 0, nil, discardLogger())
	d, err := s.Resolve(context.Background(), srv.URL+"/files/rows.json")
	require.NoError(t, err)
	assert.Equal(t, "rows.json", d.Filename)
	assert.Equal(t, int64(-1), d.Size)
	assert.Equal(t, domain.FormatJSONRecords, d.FormatHint)
}

func TestURLSource_ResolveMalformed(t *testing.T) {
	s := NewURLSource(nil, -1, nil, discardLogger())

	_, err := s.Resolve(context.Background(), "not a url")
	assert.True(t, errors.Is(err, domain.ErrSourceResolution), "got %v", err)
}

func TestURLSource_Preview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "id,name\n1,a\n2,b\n3,c\n")
	}))
	defer srv.Close()

	previewer, scratch := newTestPreviewer(t)
	s := NewURLSource(srv.Client(), -1, previewer, discardLogger())

	p, err := s.Preview(context.Background(), srv.URL+"/people.csv", 2)
	require.NoError(t, err)
	assert.Equal(t, "people.csv", p.File)
	assert.Equal(t, domain.FormatDelimited, p.Format)
	assert.Equal(t, []string{"id", "name"}, p.Columns)
	assert.Equal(t, [][]string{{"1", "a"}, {"2", "b"}}, p.Rows)
	assertEmptyDir(t, scratch)
}

func TestURLSource_PreviewUnsupportedFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "binary-ish")
	}))
	defer srv.Close()

	previewer, scratch := newTestPreviewer(t)
	s := NewURLSource(srv.Client(), -1, previewer, discardLogger())

	_, err := s.Preview(context.Background(), srv.URL+"/report.bin", 5)
	assert.True(t, errors.Is(err, domain.ErrFormat), "got %v", err)
	assertEmptyDir(t, scratch)
}
