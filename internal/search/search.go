// Package search answers keyword and image queries against the label index
// and joins each hit with catalog display metadata.
package search

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/index"
	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/pkg/typesense"
)

// Labeler produces labels for one image.
type Labeler interface {
	Label(ctx context.Context, img label.ImageRef) ([]string, string, error)
}

// Index runs keyword queries. typesense.Client satisfies it.
type Index interface {
	Search(ctx context.Context, collection string, params typesense.SearchParams) (*typesense.SearchResponse, error)
}

// CatalogLookup resolves SKUs to display metadata in one call.
type CatalogLookup interface {
	ProductInfo(ctx context.Context, keys []string) (map[string]model.CatalogInfo, error)
}

// Options tunes a Service.
type Options struct {
	Collection string
	PerPage    int
}

// Response is the answer to one query.
type Response struct {
	Term       string                     `json:"searchTerm" yaml:"searchTerm"`
	QueryField string                     `json:"queryBy" yaml:"queryBy"`
	Found      int                        `json:"hits" yaml:"hits"`
	Labels     []string                   `json:"labels,omitempty" yaml:"labels,omitempty"`
	Results    []model.SearchResult       `json:"results" yaml:"results"`
	Warnings   []model.ConsistencyWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Service is the query front end.
type Service struct {
	labeler Labeler
	index   Index
	catalog CatalogLookup
	opts    Options
}

// NewService creates a Service. labeler may be nil when image search is not
// needed.
func NewService(labeler Labeler, idx Index, catalog CatalogLookup, opts Options) *Service {
	if opts.Collection == "" {
		opts.Collection = "products"
	}
	return &Service{labeler: labeler, index: idx, catalog: catalog, opts: opts}
}

var imageExt = regexp.MustCompile(`(?i)\.(jpe?g|gif|png)$`)

// ValidateImageURL accepts absolute http(s) URLs whose path ends in a
// jpg, jpeg, gif or png extension.
func ValidateImageURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &QueryError{Kind: KindInvalidImageURL, Detail: "no image url provided"}
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return &QueryError{Kind: KindInvalidImageURL, Detail: raw, Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &QueryError{Kind: KindInvalidImageURL, Detail: raw}
	}
	if !imageExt.MatchString(u.Path) {
		return &QueryError{Kind: KindInvalidImageURL, Detail: raw}
	}
	return nil
}

// Search runs a keyword query. An empty queryField selects the joined
// labels field; known aliases resolve to their stored field.
func (s *Service) Search(ctx context.Context, term, queryField string) (*Response, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, &QueryError{Kind: KindEmptyTerm, Detail: "search term is empty"}
	}
	queryField = index.ResolveQueryFields(queryField)

	resp, err := s.index.Search(ctx, s.opts.Collection, typesense.SearchParams{
		Q:       term,
		QueryBy: queryField,
		PerPage: s.opts.PerPage,
	})
	if err != nil {
		return nil, &QueryError{Kind: KindIndex, Detail: "index query failed", Err: err}
	}

	hits, err := toHits(resp, queryField)
	if err != nil {
		return nil, &QueryError{Kind: KindIndex, Detail: "decode index hits", Err: err}
	}

	out := &Response{Term: term, QueryField: queryField, Found: resp.Found}
	if err := s.join(ctx, hits, out); err != nil {
		return nil, err
	}

	zap.L().Info("search: query answered",
		zap.String("term", term),
		zap.String("query_by", queryField),
		zap.Int("found", out.Found),
		zap.Int("returned", len(out.Results)),
		zap.Int("warnings", len(out.Warnings)),
	)
	return out, nil
}

// SearchByImage labels the image at imageURL and searches queryField with
// the labels joined by spaces. The URL is validated before any outbound call.
func (s *Service) SearchByImage(ctx context.Context, imageURL, queryField string) (*Response, error) {
	if err := ValidateImageURL(imageURL); err != nil {
		return nil, err
	}
	if s.labeler == nil {
		return nil, &QueryError{Kind: KindLabelingFailed, Detail: "image labeling is not configured"}
	}

	labels, raw, err := s.labeler.Label(ctx, label.FromURL(imageURL))
	if err != nil {
		detail := "image analysis failed"
		if raw != "" {
			detail += ": " + raw
		}
		return nil, &QueryError{Kind: KindLabelingFailed, Detail: detail, Err: err}
	}
	if len(labels) == 0 {
		return nil, &QueryError{Kind: KindLabelingFailed, Detail: "image analysis returned no labels"}
	}

	resp, err := s.Search(ctx, strings.Join(labels, " "), queryField)
	if err != nil {
		return nil, err
	}
	resp.Labels = labels
	return resp, nil
}

type hitDocument struct {
	SKU                 string `json:"sku"`
	ImageKeywordsJoined string `json:"imageKeywordsString"`
}

func toHits(resp *typesense.SearchResponse, queryField string) ([]model.SearchHit, error) {
	hits := make([]model.SearchHit, 0, len(resp.Hits))
	for i, h := range resp.Hits {
		var doc hitDocument
		if err := json.Unmarshal(h.Document, &doc); err != nil {
			return nil, eris.Wrapf(err, "search: decode hit %d", i)
		}
		hits = append(hits, model.SearchHit{
			SKU:                 doc.SKU,
			ImageKeywordsJoined: doc.ImageKeywordsJoined,
			Rank:                i + 1,
			TextMatch:           h.TextMatch,
			MatchedTerms:        matchedTokens(h.Highlights, queryField),
		})
	}
	return hits, nil
}

// matchedTokens prefers the highlight for the queried field and falls back
// to the first one.
func matchedTokens(hl []typesense.Highlight, field string) []string {
	for _, h := range hl {
		if h.Field == field {
			return h.MatchedTokens
		}
	}
	if len(hl) > 0 {
		return hl[0].MatchedTokens
	}
	return nil
}

// join resolves all hit SKUs with a single catalog lookup and keeps engine
// order. A SKU the catalog does not know is kept with empty display fields
// and reported as a warning.
func (s *Service) join(ctx context.Context, hits []model.SearchHit, out *Response) error {
	out.Results = make([]model.SearchResult, 0, len(hits))
	if len(hits) == 0 {
		return nil
	}

	skus := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if !seen[h.SKU] {
			seen[h.SKU] = true
			skus = append(skus, h.SKU)
		}
	}

	info, err := s.catalog.ProductInfo(ctx, skus)
	if err != nil {
		return &QueryError{Kind: KindCatalog, Detail: "catalog lookup failed", Err: err}
	}

	for _, h := range hits {
		res := model.SearchResult{SearchHit: h}
		ci, ok := info[h.SKU]
		if !ok {
			out.Warnings = append(out.Warnings, model.ConsistencyWarning{
				SKU:     h.SKU,
				Message: "indexed item has no catalog entry",
			})
			zap.L().Warn("search: hit missing from catalog", zap.String("sku", h.SKU))
		} else {
			res.DisplayURL = ci.DisplayURL
			res.DisplayName = ci.DisplayName
			res.RepresentativeImageURI = ci.RepresentativeImageURI
		}
		out.Results = append(out.Results, res)
	}
	return nil
}
