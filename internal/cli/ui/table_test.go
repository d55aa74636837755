package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cwygoda/datastash/internal/domain"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "-", FormatSize(-1))
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "1.0 KiB", FormatSize(1024))
}

func TestRenderDatasets(t *testing.T) {
	entries := []domain.Entry{
		{
			Key:       domain.Key{Kind: domain.KindURL, Identifier: "https://example.com/rows.csv"},
			LocalPath: "/cache/abc/rows.csv",
			Format:    domain.FormatDelimited,
			Size:      2048,
			FetchedAt: time.Now().Add(-time.Hour),
			Files:     []string{"rows.csv"},
		},
		{
			Key:       domain.Key{Kind: domain.KindDatasetSearch, Identifier: "owner/wine"},
			LocalPath: "/cache/def",
			Format:    domain.FormatSpreadsheet,
			Size:      10,
			FetchedAt: time.Now().Add(-2 * time.Hour),
			Files:     []string{"README.md", "wine.xlsx"},
			Primary:   "wine.xlsx",
		},
	}

	out := RenderDatasets(entries, false)
	assert.Contains(t, out, "https://example.com/rows.csv")
	assert.Contains(t, out, "owner/wine")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, entries[0].Key.ID())
	assert.NotContains(t, out, "README.md")

	out = RenderDatasets(entries, true)
	assert.Contains(t, out, "* wine.xlsx")
	assert.Contains(t, out, "  README.md")
	assert.Contains(t, out, "* rows.csv")
}

func TestRenderDatasets_Empty(t *testing.T) {
	assert.Contains(t, RenderDatasets(nil, false), "No datasets cached")
}

func TestRenderSearchResults(t *testing.T) {
	out := RenderSearchResults([]domain.DatasetSummary{{
		Ref:           "owner/wine",
		Title:         "Wine Quality",
		Size:          -1,
		LastUpdated:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DownloadCount: 12345,
		VoteCount:     7,
	}})
	assert.Contains(t, out, "owner/wine")
	assert.Contains(t, out, "2024-03-01")
	assert.Contains(t, out, "12,345")

	assert.Contains(t, RenderSearchResults(nil), "No datasets found")
}

func TestRenderPreview(t *testing.T) {
	p := &domain.Preview{
		Key:     domain.Key{Kind: domain.KindURL, Identifier: "https://example.com/rows.csv"},
		File:    "rows.csv",
		Format:  domain.FormatDelimited,
		Columns: []string{"id", "name"},
		Rows:    [][]string{{"1", strings.Repeat("x", 40)}, {"2"}},
	}
	out := RenderPreview(p)
	assert.Contains(t, out, "https://example.com/rows.csv")
	assert.Contains(t, out, "rows.csv (delimited)")
	assert.Contains(t, out, "id")
	assert.Contains(t, out, "…")
	assert.NotContains(t, out, strings.Repeat("x", 40))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
	assert.Equal(t, "äö…", truncate("äöüß", 3))
}
