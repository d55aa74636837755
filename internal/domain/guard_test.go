package domain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheGuard_SharesInFlightCall(t *testing.T) {
	g := NewCacheGuard()
	key := Key{Kind: KindURL, Identifier: "x"}
	release := make(chan struct{})
	var calls atomic.Int32

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = g.Do(context.Background(), key, func() (*Entry, error) {
				calls.Add(1)
				<-release
				return &Entry{Key: key, LocalPath: "/cache/x"}, nil
			})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fn ran %d times, want 1", calls.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
			continue
		}
		if results[i].LocalPath != "/cache/x" {
			t.Errorf("caller %d LocalPath = %q", i, results[i].LocalPath)
		}
	}
}

func TestCacheGuard_SharesFailure(t *testing.T) {
	g := NewCacheGuard()
	key := Key{Kind: KindURL, Identifier: "x"}
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), key, func() (*Entry, error) {
				<-release
				return nil, boom
			})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d error = %v, want boom", i, err)
		}
	}
}

func TestCacheGuard_DifferentKeysIndependent(t *testing.T) {
	g := NewCacheGuard()
	var calls atomic.Int32
	fn := func() (*Entry, error) {
		calls.Add(1)
		return &Entry{}, nil
	}

	g.Do(context.Background(), Key{Kind: KindURL, Identifier: "a"}, fn)
	g.Do(context.Background(), Key{Kind: KindURL, Identifier: "b"}, fn)
	g.Do(context.Background(), Key{Kind: KindCloudShare, Identifier: "a"}, fn)

	if calls.Load() != 3 {
		t.Errorf("fn ran %d times, want 3", calls.Load())
	}
}

func TestCacheGuard_WaiterCancel(t *testing.T) {
	g := NewCacheGuard()
	key := Key{Kind: KindURL, Identifier: "x"}
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	go g.Do(context.Background(), key, func() (*Entry, error) {
		close(started)
		<-release
		return &Entry{}, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, key, func() (*Entry, error) {
		t.Error("joined caller started a second call")
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}
}
