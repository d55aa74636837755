// Package fetch streams resolved descriptors into the staging area with
// retries on transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cwygoda/datastash/internal/diskspace"
	"github.com/cwygoda/datastash/internal/domain"
)

// Defaults applied by New for zero option values.
const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Options tune the transfer behaviour.
type Options struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout bounds a single attempt; zero means no limit.
	AttemptTimeout time.Duration
	UserAgent      string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected response status " + e.Status
}

// IsRetryable reports whether err is a transient transfer failure: timeouts,
// resets, truncated bodies, throttling and server errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, domain.ErrSizeMismatch) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Fetcher implements domain.Fetcher over HTTP.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// New creates a Fetcher. A nil client means http.DefaultClient.
func New(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Fetcher{client: client, opts: opts, logger: logger}
}

// Fetch downloads d into stageDir. Transient failures, as judged by
// retryable (IsRetryable when nil), are retried with exponential backoff.
// On error nothing is left in stageDir.
func (f *Fetcher) Fetch(ctx context.Context, d domain.Descriptor, stageDir string, retryable func(error) bool) (*domain.Download, error) {
	key := d.Key()
	if retryable == nil {
		retryable = IsRetryable
	}
	if err := diskspace.Check(stageDir, d.Size); err != nil {
		return nil, domain.NewError(domain.ErrResource, "download", key, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialBackoff
	b.MaxInterval = f.opts.MaxBackoff

	attempt := 0
	dl, err := backoff.Retry(ctx, func() (*domain.Download, error) {
		attempt++
		dl, err := f.attempt(ctx, d, stageDir)
		if err == nil {
			return dl, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("download attempt failed, retrying",
				"key", key.String(),
				"attempt", attempt,
				"retry_in", next.Round(time.Millisecond),
				"error", err)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %v", cerr, err)
		}
		if errors.Is(err, diskspace.ErrInsufficient) {
			return nil, domain.NewError(domain.ErrResource, "download", key, err)
		}
		return nil, domain.NewError(domain.ErrFetch, "download", key, err)
	}

	f.logger.Debug("download complete",
		"key", key.String(),
		"file", dl.Filename,
		"bytes", dl.Size,
		"attempts", attempt)
	return dl, nil
}

func (f *Fetcher) attempt(ctx context.Context, d domain.Descriptor, stageDir string) (*domain.Download, error) {
	if f.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.opts.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := diskspace.Check(stageDir, resp.ContentLength); err != nil {
		return nil, err
	}

	name := filenameFor(resp, d)
	final := filepath.Join(stageDir, name)
	part := final + ".part"

	n, err := writePart(part, resp.Body)
	if err != nil {
		os.Remove(part)
		return nil, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(part)
		return nil, fmt.Errorf("%w: got %d of %d bytes", domain.ErrSizeMismatch, n, resp.ContentLength)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return nil, err
	}

	return &domain.Download{
		Path:        final,
		Filename:    name,
		Size:        n,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func writePart(path string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// filenameFor picks the local file name: Content-Disposition first, then the
// descriptor, then the last URL path segment.
func filenameFor(resp *http.Response, d domain.Descriptor) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := safeName(params["filename"]); name != "" {
				return name
			}
		}
	}
	if name := safeName(d.Filename); name != "" {
		return name
	}
	if u, err := url.Parse(d.URL); err == nil {
		if name := safeName(path.Base(u.Path)); name != "" {
			return name
		}
	}
	return "download"
}

// safeName reduces a remote-supplied name to a single path element.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

// Ensure Fetcher implements domain.Fetcher
var _ domain.Fetcher = (*Fetcher)(nil)
