package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/datastash/internal/domain"
)

func newTestFetcher() *Fetcher {
	return New(nil, Options{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		UserAgent:      "datastash-test",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func descriptor(url string) domain.Descriptor {
	return domain.Descriptor{Kind: domain.KindURL, Identifier: url, URL: url, Size: -1}
}

func stageFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetch_Success(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="sales 2024.csv"`)
		fmt.Fprint(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	stage := t.TempDir()
	dl, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/export"), stage, nil)
	require.NoError(t, err)

	assert.Equal(t, "sales 2024.csv", dl.Filename)
	assert.Equal(t, filepath.Join(stage, "sales 2024.csv"), dl.Path)
	assert.Equal(t, int64(8), dl.Size)
	assert.Equal(t, "text/csv", dl.ContentType)
	assert.Equal(t, "datastash-test", ua)
	assert.Equal(t, []string{"sales 2024.csv"}, stageFiles(t, stage))
}

func TestFetch_FilenameFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cd") != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="../../etc/passwd"`)
		}
		fmt.Fprint(w, "x")
	}))
	defer srv.Close()

	tests := []struct {
		name string
		d    domain.Descriptor
		want string
	}{
		{"url path", descriptor(srv.URL + "/files/data.json"), "data.json"},
		{"descriptor name", domain.Descriptor{URL: srv.URL + "/x/", Filename: "rows.csv", Size: -1}, "rows.csv"},
		{"nothing usable", descriptor(srv.URL + "/"), "download"},
		{"traversal in header", descriptor(srv.URL + "/a.csv?cd=1"), "passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl, err := newTestFetcher().Fetch(context.Background(), tt.d, t.TempDir(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dl.Filename)
		})
	}
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "a\n1\n")
	}))
	defer srv.Close()

	dl, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/d.csv"), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(4), dl.Size)
}

func TestFetch_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	stage := t.TempDir()
	_, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/d.csv"), stage, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetch))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, stageFiles(t, stage))
}

func TestFetch_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/missing.csv"), t.TempDir(), nil)
	assert.True(t, errors.Is(err, domain.ErrFetch))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_CustomClassifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	never := func(error) bool { return false }
	_, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/d.csv"), t.TempDir(), never)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		fmt.Fprint(w, "only a few bytes")
	}))
	defer srv.Close()

	stage := t.TempDir()
	_, err := newTestFetcher().Fetch(context.Background(), descriptor(srv.URL+"/d.csv"), stage, nil)
	assert.True(t, errors.Is(err, domain.ErrFetch), "got %v", err)
	assert.Empty(t, stageFiles(t, stage))
}

func TestFetch_CancelMidTransfer(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	stage := t.TempDir()
	_, err := newTestFetcher().Fetch(ctx, descriptor(srv.URL+"/big.csv"), stage, nil)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.True(t, errors.Is(err, domain.ErrFetch))
	assert.Empty(t, stageFiles(t, stage))
}

func TestFetch_HeadersForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	d := descriptor(srv.URL + "/d.csv")
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("u", "k")
	d.Header = req.Header

	_, err := newTestFetcher().Fetch(context.Background(), d, t.TempDir(), nil)
	require.NoError(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &StatusError{StatusCode: 502}, true},
		{"throttled", &StatusError{StatusCode: 429}, true},
		{"not found", &StatusError{StatusCode: 404}, false},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"forbidden", &StatusError{StatusCode: 403}, false},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"size mismatch", domain.ErrSizeMismatch, true},
		{"canceled", context.Canceled, false},
		{"attempt timeout", context.DeadlineExceeded, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
