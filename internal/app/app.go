// Package app wires the adapters into a domain.Service from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/cwygoda/datastash/internal/adapter/archive"
	"github.com/cwygoda/datastash/internal/adapter/fetch"
	"github.com/cwygoda/datastash/internal/adapter/format"
	"github.com/cwygoda/datastash/internal/adapter/source"
	"github.com/cwygoda/datastash/internal/adapter/sqlite"
	"github.com/cwygoda/datastash/internal/config"
	"github.com/cwygoda/datastash/internal/domain"
	"github.com/cwygoda/datastash/internal/worker"
)

// ManifestFile is the manifest database name inside the cache root.
const ManifestFile = "catalog.db"

// App holds the wired service and the resources it owns.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Service *domain.Service

	repo    *sqlite.Repository
	catalog *domain.Catalog
}

// Option customizes New.
type Option func(*options)

type options struct {
	client *http.Client
}

// WithHTTPClient sets the client used for all outbound requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// New opens the cache under cfg.CacheRoot, clears stale staging leftovers
// and builds the service.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{client: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	repo, err := sqlite.New(filepath.Join(cfg.CacheRoot, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	catalog, err := domain.OpenCatalog(ctx, cfg.CacheRoot, repo, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	if removed, err := catalog.RecoverStale(cfg.Fetch.StaleAfter.Duration); err != nil {
		logger.Warn("failed to clear stale staging artifacts", "error", err)
	} else if removed > 0 {
		logger.Info("cleared stale staging artifacts", "count", removed)
	}

	fetcher := fetch.New(o.client, fetch.Options{
		MaxAttempts:    uint(cfg.Fetch.MaxAttempts),
		InitialBackoff: cfg.Fetch.InitialBackoff.Duration,
		MaxBackoff:     cfg.Fetch.MaxBackoff.Duration,
		AttemptTimeout: cfg.Fetch.Timeout.Duration,
		UserAgent:      cfg.Fetch.UserAgent,
	}, logger)
	extractor := archive.NewExtractor(logger)
	detector := format.NewDetector()
	previewer := source.NewPreviewer(fetcher, extractor, detector, cfg.ScratchDir)

	registry := source.NewRegistry(
		source.NewCloudShare(cfg.CloudShare.BaseURL, previewer),
		source.NewURLSource(o.client, cfg.Fetch.ProbeTimeout.Duration, previewer, logger),
		source.NewDatasetSearch(source.DatasetSearchConfig{
			BaseURL:  cfg.Search.BaseURL,
			Username: cfg.Search.Username,
			Key:      cfg.Search.Key,
			Timeout:  cfg.Search.Timeout.Duration,
		}, o.client, previewer, logger),
	)

	svc := domain.NewService(domain.Deps{
		Catalog:   catalog,
		Sources:   registry,
		Fetcher:   fetcher,
		Extractor: extractor,
		Detector:  detector,
		Logger:    logger,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Service: svc,
		repo:    repo,
		catalog: catalog,
	}, nil
}

// Worker returns a batch fetcher sized by the prefetch configuration.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.Service, a.Config.Prefetch.Concurrency, a.Logger)
}

// Close releases the catalog lock and the manifest database.
func (a *App) Close() error {
	return errors.Join(a.catalog.Close(), a.repo.Close())
}
