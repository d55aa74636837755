package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/cwygoda/datastash/internal/domain"
)

// maxCellWidth truncates preview cells so wide datasets stay readable.
const maxCellWidth = 32

// FormatSize renders a byte count, or "-" when it is unknown.
func FormatSize(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
}

// RenderDatasets renders the catalog as a numbered table. The numbers are
// the indexes accepted by select.
func RenderDatasets(entries []domain.Entry, showFiles bool) string {
	if len(entries) == 0 {
		return Styles.Muted.Render("No datasets cached")
	}

	t := newTable("#", "ID", "SOURCE", "IDENTIFIER", "FORMAT", "SIZE", "FETCHED")
	for i, e := range entries {
		t.Row(
			strconv.Itoa(i+1),
			e.Key.ID(),
			string(e.Key.Kind),
			e.Key.Identifier,
			e.Format.String(),
			FormatSize(e.Size),
			humanize.Time(e.FetchedAt),
		)
	}

	out := t.Render()
	if !showFiles {
		return out
	}

	var b strings.Builder
	b.WriteString(out)
	for i, e := range entries {
		fmt.Fprintf(&b, "\n\n%s %s\n", Styles.Bold.Render(fmt.Sprintf("[%d]", i+1)), e.LocalPath)
		for _, f := range e.Files {
			marker := "  "
			if f == e.Primary || (e.Primary == "" && len(e.Files) == 1) {
				marker = "* "
			}
			fmt.Fprintf(&b, "  %s%s\n", marker, f)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderSearchResults renders search hits.
func RenderSearchResults(results []domain.DatasetSummary) string {
	if len(results) == 0 {
		return Styles.Muted.Render("No datasets found")
	}

	t := newTable("REF", "TITLE", "SIZE", "UPDATED", "DOWNLOADS", "VOTES")
	for _, r := range results {
		updated := "-"
		if !r.LastUpdated.IsZero() {
			updated = r.LastUpdated.Format(time.DateOnly)
		}
		t.Row(
			r.Ref,
			truncate(r.Title, 48),
			FormatSize(r.Size),
			updated,
			humanize.Comma(r.DownloadCount),
			humanize.Comma(r.VoteCount),
		)
	}
	return t.Render()
}

// RenderPreview renders the sampled columns and rows of a preview.
func RenderPreview(p *domain.Preview) string {
	var b strings.Builder

	title := p.Title
	if title == "" {
		title = p.Key.Identifier
	}
	b.WriteString(Styles.Title.Render(title))
	b.WriteString("\n")
	if p.File != "" {
		fmt.Fprintf(&b, "file: %s (%s)\n", p.File, p.Format)
	}

	if len(p.Columns) == 0 {
		b.WriteString(Styles.Muted.Render("No columns found"))
	} else {
		headers := make([]string, len(p.Columns))
		for i, c := range p.Columns {
			headers[i] = truncate(c, maxCellWidth)
		}
		t := newTable(headers...)
		for _, row := range p.Rows {
			cells := make([]string, len(p.Columns))
			for i := range cells {
				if i < len(row) {
					cells[i] = truncate(row[i], maxCellWidth)
				}
			}
			t.Row(cells...)
		}
		b.WriteString(t.Render())
	}

	if len(p.Files) > 1 {
		b.WriteString("\n\n")
		b.WriteString(Styles.Bold.Render("FILES"))
		for _, f := range p.Files {
			fmt.Fprintf(&b, "\n  %s", f)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
