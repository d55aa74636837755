package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/datastash/internal/adapter/fetch"
	"github.com/cwygoda/datastash/internal/domain"
)

// fakeDatasetAPI serves three pages of two results and one dataset.
type fakeDatasetAPI struct {
	t         *testing.T
	bundle    []byte
	listCalls atomic.Int32
	authSeen  atomic.Bool
}

func (f *fakeDatasetAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u, p, ok := r.BasicAuth(); ok && u == "alice" && p == "secret" {
		f.authSeen.Store(true)
	}
	switch r.URL.Path {
	case "/api/v1/datasets/list":
		f.listCalls.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var items []map[string]any
		if page <= 3 {
			for i := 0; i < 2; i++ {
				n := (page-1)*2 + i
				items = append(items, map[string]any{
					"ref":           fmt.Sprintf("owner/set-%d", n),
					"title":         fmt.Sprintf("Set %d", n),
					"totalBytes":    1000 * (n + 1),
					"lastUpdated":   "2024-03-01T10:00:00.000Z",
					"downloadCount": 7,
					"voteCount":     2,
				})
			}
		}
		if items == nil {
			items = []map[string]any{}
		}
		json.NewEncoder(w).Encode(items)
	case "/api/v1/datasets/view/owner/wine":
		fmt.Fprint(w, `{"ref":"owner/wine","title":"Wine Reviews","totalBytes":123}`)
	case "/api/v1/datasets/list/owner/wine":
		fmt.Fprint(w, `{"datasetFiles":[{"name":"reviews.csv","totalBytes":40},{"name":"README.md","totalBytes":4}]}`)
	case "/api/v1/datasets/download/owner/wine":
		w.Header().Set("Content-Type", "application/zip")
		w.Write(f.bundle)
	default:
		http.NotFound(w, r)
	}
}

func newFakeAPI(t *testing.T) (*fakeDatasetAPI, *httptest.Server) {
	api := &fakeDatasetAPI{t: t, bundle: zipBytes(t, map[string]string{
		"reviews.csv": "country,points\nfr,90\nit,88\n",
		"README.md":   "wine",
	})}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func newTestDatasetSearch(srv *httptest.Server, previewer *Previewer) *DatasetSearch {
	return NewDatasetSearch(DatasetSearchConfig{BaseURL: srv.URL, Username: "alice", Key: "secret"},
		srv.Client(), previewer, discardLogger())
}

func TestDatasetSearch_SearchPagesLazily(t *testing.T) {
	api, srv := newFakeAPI(t)
	s := newTestDatasetSearch(srv, nil)

	var refs []string
	for sum, err := range s.Search(context.Background(), "wine", 3) {
		require.NoError(t, err)
		refs = append(refs, sum.Ref)
	}
	assert.Equal(t, []string{"owner/set-0", "owner/set-1", "owner/set-2"}, refs)
	assert.Equal(t, int32(2), api.listCalls.Load(), "third page must not be requested")
	assert.True(t, api.authSeen.Load())
}

func TestDatasetSearch_SearchStopsOnEmptyPage(t *testing.T) {
	api, srv := newFakeAPI(t)
	s := newTestDatasetSearch(srv, nil)

	var got []domain.DatasetSummary
	for sum, err := range s.Search(context.Background(), "wine", 0) {
		require.NoError(t, err)
		got = append(got, sum)
	}
	require.Len(t, got, 6)
	assert.Equal(t, int32(4), api.listCalls.Load())
	assert.Equal(t, "Set 0", got[0].Title)
	assert.Equal(t, int64(1000), got[0].Size)
	assert.Equal(t, int64(7), got[0].DownloadCount)
	assert.Equal(t, 2024, got[0].LastUpdated.Year())
}

func TestDatasetSearch_SearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	s := NewDatasetSearch(DatasetSearchConfig{BaseURL: srv.URL}, srv.Client(), nil, discardLogger())

	var errs int
	for _, err := range s.Search(context.Background(), "wine", 10) {
		require.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestDatasetSearch_Resolve(t *testing.T) {
	_, srv := newFakeAPI(t)
	s := newTestDatasetSearch(srv, nil)

	d, err := s.Resolve(context.Background(), "owner/wine")
	require.NoError(t, err)
	assert.Equal(t, domain.KindDatasetSearch, d.Kind)
	assert.Equal(t, srv.URL+"/api/v1/datasets/download/owner/wine", d.URL)
	assert.Equal(t, "wine.zip", d.Filename)
	assert.NotEmpty(t, d.Header.Get("Authorization"))
}

func TestDatasetSearch_ResolveErrors(t *testing.T) {
	_, srv := newFakeAPI(t)
	s := newTestDatasetSearch(srv, nil)

	_, err := s.Resolve(context.Background(), "owner/missing")
	assert.True(t, errors.Is(err, domain.ErrSourceResolution), "got %v", err)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	_, err = s.Resolve(context.Background(), "not-a-slug")
	assert.True(t, errors.Is(err, domain.ErrSourceResolution), "got %v", err)
}

func TestDatasetSearch_Preview(t *testing.T) {
	_, srv := newFakeAPI(t)
	previewer, scratch := newTestPreviewer(t)
	s := newTestDatasetSearch(srv, previewer)

	p, err := s.Preview(context.Background(), "owner/wine", 1)
	require.NoError(t, err)
	assert.Equal(t, "Wine Reviews", p.Title)
	assert.Equal(t, "reviews.csv", p.File)
	assert.Equal(t, domain.FormatDelimited, p.Format)
	assert.Equal(t, []string{"country", "points"}, p.Columns)
	assert.Equal(t, [][]string{{"fr", "90"}}, p.Rows)
	assert.Equal(t, []string{"reviews.csv", "README.md"}, p.Files)
	assertEmptyDir(t, scratch)
}

func TestDatasetSearch_Match(t *testing.T) {
	s := NewDatasetSearch(DatasetSearchConfig{}, nil, nil, discardLogger())

	assert.True(t, s.Match("zynicide/wine-reviews"))
	assert.True(t, s.Match("owner/data.set_v2"))
	assert.False(t, s.Match("https://example.com/a/b"))
	assert.False(t, s.Match("owner"))
	assert.False(t, s.Match("a/b/c"))
}

func TestDatasetSearch_Retryable(t *testing.T) {
	s := NewDatasetSearch(DatasetSearchConfig{}, nil, nil, discardLogger())

	assert.False(t, s.Retryable(&fetch.StatusError{StatusCode: http.StatusUnauthorized}))
	assert.True(t, s.Retryable(&fetch.StatusError{StatusCode: http.StatusServiceUnavailable}))
}
