package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cwygoda/datastash/internal/domain"
)

type unsafeEntryError struct {
	name   string
	reason string
}

func (e *unsafeEntryError) Error() string {
	return fmt.Sprintf("%s: %q %s", domain.ErrUnsafePath, e.name, e.reason)
}

func (e *unsafeEntryError) Unwrap() error { return domain.ErrUnsafePath }

// cleanEntry returns the slash-separated, cleaned form of an archive entry
// name relative to the extraction root. "" means the root itself.
func cleanEntry(name string) (string, error) {
	n := strings.ReplaceAll(name, "\\", "/")
	if n == "" {
		return "", &unsafeEntryError{name: name, reason: "is empty"}
	}
	if strings.HasPrefix(n, "/") || hasVolume(n) {
		return "", &unsafeEntryError{name: name, reason: "is absolute"}
	}
	c := path.Clean(n)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", &unsafeEntryError{name: name, reason: "escapes the extraction root"}
	}
	if c == "." {
		return "", nil
	}
	return c, nil
}

// checkLink validates that a link entry points inside the extraction root.
func checkLink(name, entry, target string) error {
	t := strings.ReplaceAll(target, "\\", "/")
	if t == "" || strings.HasPrefix(t, "/") || hasVolume(t) {
		return &unsafeEntryError{name: name, reason: "links outside the extraction root"}
	}
	resolved := path.Clean(path.Join(path.Dir(entry), t))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return &unsafeEntryError{name: name, reason: "links outside the extraction root"}
	}
	return nil
}

func hasVolume(n string) bool {
	return len(n) >= 2 && n[1] == ':' &&
		(('a' <= n[0] && n[0] <= 'z') || ('A' <= n[0] && n[0] <= 'Z'))
}

// writeEntry copies r into root/rel, creating parent directories.
func writeEntry(ctx context.Context, root, rel string, r io.Reader, mode os.FileMode) error {
	dst := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
