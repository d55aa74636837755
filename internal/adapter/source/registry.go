// Package source holds the adapters that turn user identifiers into
// download descriptors.
package source

import "github.com/cwygoda/datastash/internal/domain"

// Registry holds registered sources in match order.
type Registry struct {
	sources []domain.Source
}

// NewRegistry creates a new source registry.
func NewRegistry(sources ...domain.Source) *Registry {
	r := &Registry{}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source to the registry.
func (r *Registry) Register(s domain.Source) {
	r.sources = append(r.sources, s)
}

// Match returns the first source that claims the identifier, or nil.
func (r *Registry) Match(identifier string) domain.Source {
	for _, s := range r.sources {
		if s.Match(identifier) {
			return s
		}
	}
	return nil
}

// Get returns the source of the given kind.
func (r *Registry) Get(kind domain.SourceKind) (domain.Source, bool) {
	for _, s := range r.sources {
		if s.Kind() == kind {
			return s, true
		}
	}
	return nil, false
}

// Sources returns all registered sources.
func (r *Registry) Sources() []domain.Source {
	return r.sources
}

// Ensure Registry implements domain.SourceRegistry
var _ domain.SourceRegistry = (*Registry)(nil)
