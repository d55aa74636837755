package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cwygoda/datastash/internal/adapter/fetch"
	"github.com/cwygoda/datastash/internal/domain"
)

// DefaultDatasetSearchBase is the public dataset API host.
const DefaultDatasetSearchBase = "https://www.kaggle.com"

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*/[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// maxMetadataBody caps metadata responses read into memory.
const maxMetadataBody = 8 << 20

// DatasetSearchConfig configures the dataset API client.
type DatasetSearchConfig struct {
	BaseURL  string
	Username string
	Key      string
	Timeout  time.Duration
}

// DatasetSearch resolves owner/name slugs against a dataset search and
// download API and implements domain.Searcher.
type DatasetSearch struct {
	base      string
	auth      string
	timeout   time.Duration
	client    *http.Client
	previewer *Previewer
	logger    *slog.Logger
}

// NewDatasetSearch creates a DatasetSearch source.
func NewDatasetSearch(cfg DatasetSearchConfig, client *http.Client, previewer *Previewer, logger *slog.Logger) *DatasetSearch {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultDatasetSearchBase
	}
	s := &DatasetSearch{
		base:      strings.TrimRight(base, "/"),
		timeout:   cfg.Timeout,
		client:    client,
		previewer: previewer,
		logger:    logger,
	}
	if cfg.Username != "" && cfg.Key != "" {
		s.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Key))
	}
	return s
}

func (s *DatasetSearch) Kind() domain.SourceKind { return domain.KindDatasetSearch }

// Match accepts owner/name slugs.
func (s *DatasetSearch) Match(identifier string) bool {
	return slugPattern.MatchString(strings.TrimSpace(identifier))
}

// Resolve looks up the dataset metadata and returns a descriptor for its
// zip bundle.
func (s *DatasetSearch) Resolve(ctx context.Context, identifier string) (domain.Descriptor, error) {
	d, _, err := s.resolve(ctx, identifier)
	return d, err
}

func (s *DatasetSearch) resolve(ctx context.Context, identifier string) (domain.Descriptor, gjson.Result, error) {
	key := domain.Key{Kind: domain.KindDatasetSearch, Identifier: identifier}
	owner, name, err := splitSlug(identifier)
	if err != nil {
		return domain.Descriptor{}, gjson.Result{}, domain.NewError(domain.ErrSourceResolution, "resolve", key, err)
	}

	body, err := s.get(ctx, "/api/v1/datasets/view/"+url.PathEscape(owner)+"/"+url.PathEscape(name), nil)
	if err != nil {
		return domain.Descriptor{}, gjson.Result{}, domain.NewError(domain.ErrSourceResolution, "resolve", key, err)
	}
	meta := gjson.ParseBytes(body)
	if !meta.IsObject() {
		return domain.Descriptor{}, gjson.Result{}, domain.NewError(domain.ErrSourceResolution, "resolve", key, errors.New("malformed metadata response"))
	}

	d := domain.Descriptor{
		Kind:       domain.KindDatasetSearch,
		Identifier: identifier,
		URL:        s.base + "/api/v1/datasets/download/" + url.PathEscape(owner) + "/" + url.PathEscape(name),
		Filename:   name + ".zip",
		Size:       -1,
		Header:     s.header(),
	}
	return d, meta, nil
}

// Preview returns the dataset title and file listing with a row sample of
// its primary file.
func (s *DatasetSearch) Preview(ctx context.Context, identifier string, rows int) (*domain.Preview, error) {
	d, meta, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	files := s.listFiles(ctx, identifier)

	p, err := s.previewer.Sample(ctx, d, s.Retryable, rows)
	if err != nil {
		return nil, err
	}
	p.Title = meta.Get("title").String()
	if len(files) > 0 {
		p.Files = files
	}
	return p, nil
}

// listFiles returns the remote file listing; failures only drop the listing.
func (s *DatasetSearch) listFiles(ctx context.Context, identifier string) []string {
	owner, name, err := splitSlug(identifier)
	if err != nil {
		return nil
	}
	body, err := s.get(ctx, "/api/v1/datasets/list/"+url.PathEscape(owner)+"/"+url.PathEscape(name), nil)
	if err != nil {
		s.logger.Debug("file listing failed", "dataset", identifier, "error", err)
		return nil
	}
	var files []string
	gjson.GetBytes(body, "datasetFiles.#.name").ForEach(func(_, v gjson.Result) bool {
		files = append(files, v.String())
		return true
	})
	return files
}

// Search pages through the dataset listing lazily, stopping at limit results
// or an empty page.
func (s *DatasetSearch) Search(ctx context.Context, query string, limit int) iter.Seq2[domain.DatasetSummary, error] {
	if limit <= 0 {
		limit = domain.DefaultSearchLimit
	}
	return func(yield func(domain.DatasetSummary, error) bool) {
		n := 0
		for page := 1; ; page++ {
			q := url.Values{}
			q.Set("search", query)
			q.Set("page", strconv.Itoa(page))
			body, err := s.get(ctx, "/api/v1/datasets/list", q)
			if err != nil {
				yield(domain.DatasetSummary{}, err)
				return
			}
			res := gjson.ParseBytes(body)
			if !res.IsArray() {
				yield(domain.DatasetSummary{}, errors.New("malformed search response"))
				return
			}
			items := res.Array()
			if len(items) == 0 {
				return
			}
			for _, item := range items {
				if !yield(summaryFrom(item), nil) {
					return
				}
				n++
				if n >= limit {
					return
				}
			}
		}
	}
}

// Retryable uses the default transient error classification, under which
// rejected credentials (401, 403) are terminal.
func (s *DatasetSearch) Retryable(err error) bool {
	return fetch.IsRetryable(err)
}

func summaryFrom(item gjson.Result) domain.DatasetSummary {
	sum := domain.DatasetSummary{
		Ref:           item.Get("ref").String(),
		Title:         item.Get("title").String(),
		Size:          item.Get("totalBytes").Int(),
		DownloadCount: item.Get("downloadCount").Int(),
		VoteCount:     item.Get("voteCount").Int(),
	}
	if ts := item.Get("lastUpdated").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sum.LastUpdated = t
		}
	}
	return sum
}

func (s *DatasetSearch) header() http.Header {
	h := http.Header{}
	if s.auth != "" {
		h.Set("Authorization", s.auth)
	}
	return h
}

func (s *DatasetSearch) get(ctx context.Context, p string, q url.Values) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	u := s.base + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.header()
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path.Clean(p))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("credentials rejected: %w", &fetch.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &fetch.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
}

func splitSlug(identifier string) (string, string, error) {
	identifier = strings.TrimSpace(identifier)
	if !slugPattern.MatchString(identifier) {
		return "", "", fmt.Errorf("malformed dataset slug %q, want owner/name", identifier)
	}
	owner, name, _ := strings.Cut(identifier, "/")
	return owner, name, nil
}

// Ensure DatasetSearch implements domain.Source and domain.Searcher
var (
	_ domain.Source   = (*DatasetSearch)(nil)
	_ domain.Searcher = (*DatasetSearch)(nil)
)
