package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cwygoda/datastash/internal/domain"
)

// catalogReader is the part of the service the reference lookup needs.
type catalogReader interface {
	ListDatasets(ctx context.Context, includeFiles bool) ([]domain.Entry, error)
}

// resolveEntry finds a cached dataset by list index, catalog id, kind:identifier
// or bare identifier.
func resolveEntry(ctx context.Context, svc catalogReader, ref string) (*domain.Entry, error) {
	entries, err := svc.ListDatasets(ctx, false)
	if err != nil {
		return nil, err
	}

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(entries) {
			return nil, domain.NewError(domain.ErrCatalog, "resolve", domain.Key{},
				fmt.Errorf("%w: index %d out of range 1-%d", domain.ErrNotFound, n, len(entries)))
		}
		return &entries[n-1], nil
	}

	var match *domain.Entry
	for i := range entries {
		e := &entries[i]
		if e.Key.ID() == ref || e.Key.String() == ref {
			return e, nil
		}
		if e.Key.Identifier == ref {
			if match != nil {
				return nil, domain.NewError(domain.ErrCatalog, "resolve", domain.Key{},
					fmt.Errorf("%q is cached from several sources, use kind:identifier or the id", ref))
			}
			match = e
		}
	}
	if match == nil {
		return nil, domain.NewError(domain.ErrCatalog, "resolve", domain.Key{},
			fmt.Errorf("%w: %s", domain.ErrNotFound, ref))
	}
	return match, nil
}
