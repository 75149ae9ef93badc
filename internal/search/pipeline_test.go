package search_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pattern-search/internal/enrich"
	"github.com/sells-group/pattern-search/internal/index"
	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/labellog"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/internal/resilience"
	"github.com/sells-group/pattern-search/internal/search"
	"github.com/sells-group/pattern-search/pkg/typesense"
)

// memEngine is a tiny in-memory keyword engine: a document matches when its
// query field shares at least one token with the query.
type memEngine struct {
	mu   sync.Mutex
	docs map[string][]model.SearchDocument
}

func newMemEngine() *memEngine {
	return &memEngine{docs: make(map[string][]model.SearchDocument)}
}

func (m *memEngine) CreateCollection(_ context.Context, s typesense.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[s.Name] = nil
	return nil
}

func (m *memEngine) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[name]; !ok {
		return &typesense.APIError{StatusCode: 404, Message: "Not Found"}
	}
	delete(m.docs, name)
	return nil
}

func (m *memEngine) ImportDocuments(_ context.Context, coll string, jsonl []byte, _ string) ([]typesense.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []typesense.ImportResult
	for _, line := range strings.Split(strings.TrimSpace(string(jsonl)), "\n") {
		var d model.SearchDocument
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, err
		}
		m.docs[coll] = append(m.docs[coll], d)
		out = append(out, typesense.ImportResult{Success: true})
	}
	return out, nil
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (m *memEngine) Search(_ context.Context, coll string, p typesense.SearchParams) (*typesense.SearchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		doc     model.SearchDocument
		matched []string
	}
	var found []scored
	for _, d := range m.docs[coll] {
		have := make(map[string]bool)
		for _, tok := range tokens(d.ImageKeywordsJoined) {
			have[tok] = true
		}
		var matched []string
		for _, q := range tokens(p.Q) {
			if have[q] {
				matched = append(matched, q)
			}
		}
		if len(matched) > 0 {
			found = append(found, scored{doc: d, matched: matched})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].matched) > len(found[j].matched) })

	resp := &typesense.SearchResponse{Found: len(found)}
	for _, f := range found {
		raw, _ := json.Marshal(f.doc)
		resp.Hits = append(resp.Hits, typesense.Hit{
			Document:   raw,
			TextMatch:  int64(len(f.matched)),
			Highlights: []typesense.Highlight{{Field: p.QueryBy, MatchedTokens: f.matched}},
		})
	}
	return resp, nil
}

type staticCatalog map[string]model.CatalogInfo

func (c staticCatalog) ProductInfo(_ context.Context, keys []string) (map[string]model.CatalogInfo, error) {
	out := make(map[string]model.CatalogInfo)
	for _, k := range keys {
		if ci, ok := c[k]; ok {
			out[k] = ci
		}
	}
	return out, nil
}

type funcProvider func(ctx context.Context, img label.ImageRef) (*label.Completion, error)

func (f funcProvider) Name() string { return "func" }

func (f funcProvider) Complete(ctx context.Context, _ string, img label.ImageRef) (*label.Completion, error) {
	return f(ctx, img)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2}
}

// enrichAndIndex labels items through p, rebuilds the index from the log and
// returns a query service over it.
func enrichAndIndex(t *testing.T, p label.Provider, items []model.CatalogItem) (*search.Service, []model.LabelRecord) {
	t.Helper()
	ctx := context.Background()
	logPath := filepath.Join(t.TempDir(), "image_analysis.csv")

	w, err := labellog.Open(logPath)
	require.NoError(t, err)

	strategy := enrich.NewSyncStrategy(label.NewClient(p), enrich.SyncOptions{Retry: fastRetry()})
	_, err = enrich.New(strategy, w, enrich.Options{}).Run(ctx, items)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records, err := labellog.ReadFile(logPath)
	require.NoError(t, err)

	engine := newMemEngine()
	_, err = index.NewBuilder(engine, "products").Build(ctx, records)
	require.NoError(t, err)

	catalog := staticCatalog{
		"SKU1": {SKU: "SKU1", DisplayURL: "https://shop.example/p/cable-cardigan", DisplayName: "Cable Cardigan"},
	}
	return search.NewService(nil, engine, catalog, search.Options{Collection: "products"}), records
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()

	p := funcProvider(func(context.Context, label.ImageRef) (*label.Completion, error) {
		return &label.Completion{Text: `"cable knit";"cardigan";"cream"`}, nil
	})
	svc, records := enrichAndIndex(t, p, []model.CatalogItem{
		{ItemKey: "SKU1", SourceDetailURL: "https://shop.example/p/cable-cardigan", ImageURI: "https://ex/1.jpg"},
	})

	require.Len(t, records, 1)
	assert.Equal(t, model.LabelStatusSuccess, records[0].Status)
	assert.Equal(t, []string{"cable knit", "cardigan", "cream"}, records[0].Labels)

	resp, err := svc.Search(context.Background(), "cardigan", "")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "SKU1", resp.Results[0].SKU)
	assert.Equal(t, "Cable Cardigan", resp.Results[0].DisplayName)
	assert.Equal(t, "https://shop.example/p/cable-cardigan", resp.Results[0].DisplayURL)
	assert.Empty(t, resp.Warnings)
}

func TestPipeline_FailedItemIsUnsearchable(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	p := funcProvider(func(_ context.Context, img label.ImageRef) (*label.Completion, error) {
		if strings.Contains(img.String(), "2.jpg") {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, &label.LabelError{Kind: label.KindTransport, Err: errors.New("connection reset")}
		}
		return &label.Completion{Text: `"lace";"shawl"`}, nil
	})
	svc, records := enrichAndIndex(t, p, []model.CatalogItem{
		{ItemKey: "SKU1", ImageURI: "https://ex/1.jpg"},
		{ItemKey: "SKU2", ImageURI: "https://ex/2.jpg"},
	})

	latest := model.LatestByKey(records)
	require.Len(t, latest, 2)
	byKey := map[string]model.LabelRecord{}
	for _, r := range latest {
		byKey[r.ItemKey] = r
	}
	assert.Equal(t, model.LabelStatusFailed, byKey["SKU2"].Status)
	assert.Equal(t, 5, calls)

	resp, err := svc.Search(context.Background(), "lace shawl", "")
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "SKU2", r.SKU)
	}
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "SKU1", resp.Results[0].SKU)
}
