package source

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/datastash/internal/adapter/archive"
	"github.com/cwygoda/datastash/internal/adapter/fetch"
	"github.com/cwygoda/datastash/internal/adapter/format"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestPreviewer wires the real adapters over a dedicated scratch dir.
func newTestPreviewer(t *testing.T) (*Previewer, string) {
	t.Helper()
	scratch := t.TempDir()
	f := fetch.New(nil, fetch.Options{MaxAttempts: 2, InitialBackoff: time.Millisecond}, discardLogger())
	return NewPreviewer(f, archive.NewExtractor(discardLogger()), format.NewDetector(), scratch), scratch
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directory not cleaned up")
}
