package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pattern-search/internal/assets"
	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/search"
	"github.com/sells-group/pattern-search/internal/store"
	"github.com/sells-group/pattern-search/pkg/anthropic"
	"github.com/sells-group/pattern-search/pkg/commercetools"
	"github.com/sells-group/pattern-search/pkg/typesense"
)

// initStore opens and migrates the run store selected by config.
func initStore(ctx context.Context) (store.Store, error) {
	dsn := cfg.Store.DatabaseURL
	if dsn == "" && (cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite") {
		dsn = "pattern-search.db"
	}
	st, err := store.Open(ctx, cfg.Store.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// labelDeps bundles the labeling collaborators. Anthropic and Provider are
// nil unless the anthropic provider is configured.
type labelDeps struct {
	Client    *label.Client
	Anthropic anthropic.Client
	Provider  *label.AnthropicProvider
}

func initLabeler() (*labelDeps, error) {
	switch cfg.Label.Provider {
	case "anthropic":
		ac := anthropic.NewClient(cfg.Anthropic.Key)
		p := label.NewAnthropicProvider(ac, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, cfg.Label.MaxImagePx)
		return &labelDeps{Client: label.NewClient(p), Anthropic: ac, Provider: p}, nil
	case "openai":
		var opts []label.OpenAIOption
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, label.WithOpenAIBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Organization != "" {
			opts = append(opts, label.WithOpenAIOrganization(cfg.OpenAI.Organization))
		}
		p, err := label.NewOpenAIProvider(cfg.OpenAI.Key, cfg.OpenAI.Model, cfg.Label.MaxImagePx, opts...)
		if err != nil {
			return nil, err
		}
		return &labelDeps{Client: label.NewClient(p)}, nil
	default:
		return nil, eris.Errorf("unknown label provider %q", cfg.Label.Provider)
	}
}

func initFetcher() *assets.Fetcher {
	dl := assets.NewDownloader(assets.HTTPOptions{
		UserAgent:         "pattern-search/1.0",
		Timeout:           time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		RequestsPerSecond: float64(cfg.Fetch.RequestsPerSecond),
	})
	return assets.NewFetcher(dl, cfg.Enrich.AssetDir)
}

func initTypesense() typesense.Client {
	return typesense.NewClient(cfg.Typesense.URL, cfg.Typesense.Key)
}

func initCatalog() (*commercetools.Client, error) {
	return commercetools.NewClient(commercetools.Config{
		AuthURL:       cfg.Commercetools.AuthURL,
		APIURL:        cfg.Commercetools.APIURL,
		ProjectKey:    cfg.Commercetools.ProjectKey,
		ClientID:      cfg.Commercetools.ClientID,
		ClientSecret:  cfg.Commercetools.ClientSecret,
		Locale:        cfg.Commercetools.Locale,
		StorefrontURL: cfg.Commercetools.StorefrontURL,
	})
}

// initSearchService wires the query service. Image search needs a labeler.
func initSearchService() (*search.Service, error) {
	ld, err := initLabeler()
	if err != nil {
		return nil, err
	}
	catalog, err := initCatalog()
	if err != nil {
		return nil, err
	}
	return search.NewService(ld.Client, initTypesense(), catalog, search.Options{
		Collection: cfg.Typesense.Collection,
		PerPage:    cfg.Typesense.PerPage,
	}), nil
}
