package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// SourceKind identifies which source adapter produced a dataset.
type SourceKind string

const (
	KindURL           SourceKind = "url"
	KindCloudShare    SourceKind = "cloudshare"
	KindDatasetSearch SourceKind = "datasetsearch"
)

// ParseSourceKind validates a user supplied kind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindURL, KindCloudShare, KindDatasetSearch:
		return k, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Key is the catalog key of a dataset.
type Key struct {
	Kind       SourceKind
	Identifier string
}

// ID returns the stable short hash used as the on-disk directory name.
func (k Key) ID() string {
	sum := sha256.Sum256([]byte(string(k.Kind) + "\x00" + k.Identifier))
	return hex.EncodeToString(sum[:8])
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Identifier
}

// Format is the closed set of tabular formats the cache accepts.
type Format int

const (
	FormatUnknown Format = iota
	FormatDelimited
	FormatSpreadsheet
	FormatJSONRecords
)

func (f Format) String() string {
	switch f {
	case FormatDelimited:
		return "delimited"
	case FormatSpreadsheet:
		return "spreadsheet"
	case FormatJSONRecords:
		return "json-records"
	case FormatUnknown:
	}
	return "unknown"
}

// ParseFormat is the inverse of Format.String. Unknown names map to FormatUnknown.
func ParseFormat(s string) Format {
	switch s {
	case "delimited":
		return FormatDelimited
	case "spreadsheet":
		return FormatSpreadsheet
	case "json-records":
		return FormatJSONRecords
	}
	return FormatUnknown
}

// Descriptor tells the fetcher exactly what to download.
// Descriptors are passed by value and never modified once built.
type Descriptor struct {
	Kind        SourceKind
	Identifier  string
	URL         string
	FormatHint  Format
	Filename    string
	Size        int64 // -1 when unknown
	ContentType string
	Header      http.Header
}

// Key returns the catalog key the descriptor resolves.
func (d Descriptor) Key() Key {
	return Key{Kind: d.Kind, Identifier: d.Identifier}
}

// Entry is one completed, validated fetch.
type Entry struct {
	Key       Key
	LocalPath string
	Format    Format
	Size      int64
	FetchedAt time.Time
	Files     []string
	// Primary is the data file relative to LocalPath; empty when LocalPath is the file.
	Primary string
}

// DataPath returns the file handed to analysis routines.
func (e *Entry) DataPath() string {
	if e.Primary == "" {
		return e.LocalPath
	}
	return filepath.Join(e.LocalPath, e.Primary)
}

// DatasetSummary describes a dataset offered by a search provider.
type DatasetSummary struct {
	Ref           string
	Title         string
	Size          int64
	LastUpdated   time.Time
	DownloadCount int64
	VoteCount     int64
}

// Preview is a bounded sample of a remote dataset.
type Preview struct {
	Key     Key
	Title   string
	File    string
	Format  Format
	Columns []string
	Rows    [][]string
	Files   []string
}

// Handoff is what analysis collaborators receive.
type Handoff struct {
	Path   string
	Format Format
	Entry  Entry
}
