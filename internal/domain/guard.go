package domain

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// CacheGuard admits at most one in-flight fetch per key. Later callers for
// the same key join the running fetch and receive its outcome.
type CacheGuard struct {
	group singleflight.Group
}

// NewCacheGuard creates an empty guard.
func NewCacheGuard() *CacheGuard {
	return &CacheGuard{}
}

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call. joined reports whether the result was shared.
// fn runs under the first caller's context, so aborting that caller aborts
// the shared call for everyone. A joined caller whose ctx ends only stops
// waiting.
func (g *CacheGuard) Do(ctx context.Context, key Key, fn func() (*Entry, error)) (entry *Entry, joined bool, err error) {
	ch := g.group.DoChan(key.String(), func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		e, _ := res.Val.(*Entry)
		if e == nil {
			return nil, res.Shared, nil
		}
		out := *e
		return &out, res.Shared, nil
	}
}
