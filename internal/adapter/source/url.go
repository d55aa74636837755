package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cwygoda/datastash/internal/adapter/fetch"
	"github.com/cwygoda/datastash/internal/adapter/format"
	"github.com/cwygoda/datastash/internal/domain"
)

// DefaultProbeTimeout bounds the HEAD request made while resolving a URL.
const DefaultProbeTimeout = 10 * time.Second

// URLSource resolves plain http(s) URLs.
type URLSource struct {
	client       *http.Client
	probeTimeout time.Duration
	previewer    *Previewer
	logger       *slog.Logger
}

// NewURLSource creates a URL source. A zero probeTimeout uses
// DefaultProbeTimeout; a negative one disables probing.
func NewURLSource(client *http.Client, probeTimeout time.Duration, previewer *Previewer, logger *slog.Logger) *URLSource {
	if client == nil {
		client = http.DefaultClient
	}
	if probeTimeout == 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &URLSource{client: client, probeTimeout: probeTimeout, previewer: previewer, logger: logger}
}

func (s *URLSource) Kind() domain.SourceKind { return domain.KindURL }

// Match accepts absolute http and https URLs with a host.
func (s *URLSource) Match(identifier string) bool {
	_, err := parseHTTPURL(identifier)
	return err == nil
}

// Resolve validates the URL and probes it with HEAD for size, type and
// file name. Probe failures are not fatal.
func (s *URLSource) Resolve(ctx context.Context, identifier string) (domain.Descriptor, error) {
	key := domain.Key{Kind: domain.KindURL, Identifier: identifier}
	u, err := parseHTTPURL(identifier)
	if err != nil {
		return domain.Descriptor{}, domain.NewError(domain.ErrSourceResolution, "resolve", key, err)
	}

	d := domain.Descriptor{
		Kind:       domain.KindURL,
		Identifier: identifier,
		URL:        u.String(),
		Filename:   path.Base(u.Path),
		Size:       -1,
	}
	if d.Filename == "/" || d.Filename == "." {
		d.Filename = ""
	}
	if s.probeTimeout > 0 {
		s.probe(ctx, &d)
	}
	d.FormatHint = format.FromExtension(d.Filename)
	return d, nil
}

func (s *URLSource) probe(ctx context.Context, d *domain.Descriptor) {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("probe failed", "url", d.URL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("probe returned non-success status", "url", d.URL, "status", resp.StatusCode)
		return
	}

	d.ContentType = resp.Header.Get("Content-Type")
	if resp.ContentLength >= 0 {
		d.Size = resp.ContentLength
	}
	if name := dispositionName(resp.Header.Get("Content-Disposition")); name != "" {
		d.Filename = name
	}
}

// Preview samples the file behind the URL.
func (s *URLSource) Preview(ctx context.Context, identifier string, rows int) (*domain.Preview, error) {
	d, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	p, err := s.previewer.Sample(ctx, d, s.Retryable, rows)
	if err != nil {
		return nil, err
	}
	p.Title = d.Filename
	return p, nil
}

// Retryable uses the default transient error classification.
func (s *URLSource) Retryable(err error) bool {
	return fetch.IsRetryable(err)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	return u, nil
}

func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := path.Base(strings.ReplaceAll(params["filename"], "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// Ensure URLSource implements domain.Source
var _ domain.Source = (*URLSource)(nil)
