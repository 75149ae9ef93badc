// Package index builds the keyword search collection from the label result log.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/pkg/typesense"
)

// DefaultQueryField is the field searched when a query names none.
const DefaultQueryField = "imageKeywordsString"

// fieldAliases maps alternate field names onto stored fields.
var fieldAliases = map[string]string{
	"imageKeywordsJoined": DefaultQueryField,
}

// ResolveQueryFields maps a caller-supplied query_by value onto stored field
// names. The value may be a comma-separated list; empty selects
// DefaultQueryField.
func ResolveQueryFields(queryBy string) string {
	var fields []string
	for _, f := range strings.Split(queryBy, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if stored, ok := fieldAliases[f]; ok {
			f = stored
		}
		if !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return DefaultQueryField
	}
	return strings.Join(fields, ",")
}

// LabelSeparator joins an item's labels into its default query field.
const LabelSeparator = "; "

// Schema returns the collection schema. No field is faceted.
func Schema(collection string) typesense.Schema {
	return typesense.Schema{
		Name: collection,
		Fields: []typesense.Field{
			{Name: "sku", Type: "string", Facet: false},
			{Name: "imageKeywords", Type: "string[]", Facet: false},
			{Name: DefaultQueryField, Type: "string", Facet: false},
		},
	}
}

// Documents turns log records into search documents. Only the latest record
// per item counts, and only if it succeeded with at least one label. Output is
// sorted by SKU.
func Documents(records []model.LabelRecord) []model.SearchDocument {
	latest := model.LatestByKey(records)
	docs := make([]model.SearchDocument, 0, len(latest))
	for _, r := range latest {
		if !r.Succeeded() || r.ItemKey == "" {
			continue
		}
		labels := cleanLabels(r.Labels)
		if len(labels) == 0 {
			continue
		}
		docs = append(docs, model.SearchDocument{
			SKU:                 r.ItemKey,
			ImageKeywords:       labels,
			ImageKeywordsJoined: strings.Join(labels, LabelSeparator),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].SKU < docs[j].SKU })
	return docs
}

func cleanLabels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		l = strings.TrimSpace(strings.ReplaceAll(l, `"`, ""))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// EncodeJSONL renders documents one JSON object per line.
func EncodeJSONL(docs []model.SearchDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, eris.Wrapf(err, "index: encode document %s", d.SKU)
		}
	}
	return buf.Bytes(), nil
}

// ImportError is a document the engine refused.
type ImportError struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason"`
}

func (e ImportError) Error() string {
	return "index: rejected " + e.SKU + ": " + e.Reason
}

// ImportReport summarises one rebuild.
type ImportReport struct {
	Collection string        `json:"collection"`
	Documents  int           `json:"documents"`
	Succeeded  int           `json:"succeeded"`
	Rejected   []ImportError `json:"rejected,omitempty"`
}

// Builder rebuilds the collection from scratch.
type Builder struct {
	engine     typesense.Client
	collection string
}

// NewBuilder creates a Builder for the named collection.
func NewBuilder(engine typesense.Client, collection string) *Builder {
	return &Builder{engine: engine, collection: collection}
}

// Build drops the collection, recreates it and imports one document per
// successfully labeled item. Rejected documents are reported, not fatal.
// Running Build twice over the same records leaves the same collection.
func (b *Builder) Build(ctx context.Context, records []model.LabelRecord) (*ImportReport, error) {
	docs := Documents(records)
	report := &ImportReport{Collection: b.collection, Documents: len(docs)}

	if err := b.engine.DeleteCollection(ctx, b.collection); err != nil && !typesense.IsNotFound(err) {
		return nil, eris.Wrap(err, "index: drop collection")
	}
	if err := b.engine.CreateCollection(ctx, Schema(b.collection)); err != nil {
		return nil, eris.Wrap(err, "index: create collection")
	}

	if len(docs) == 0 {
		zap.L().Warn("index: no labeled items to import", zap.String("collection", b.collection))
		return report, nil
	}

	payload, err := EncodeJSONL(docs)
	if err != nil {
		return nil, err
	}

	results, err := b.engine.ImportDocuments(ctx, b.collection, payload, "create")
	if err != nil {
		return nil, eris.Wrap(err, "index: import documents")
	}
	if len(results) != len(docs) {
		return nil, eris.Errorf("index: import returned %d results for %d documents", len(results), len(docs))
	}

	for i, r := range results {
		if r.Success {
			report.Succeeded++
			continue
		}
		report.Rejected = append(report.Rejected, ImportError{SKU: docs[i].SKU, Reason: r.Error})
		zap.L().Warn("index: document rejected",
			zap.String("sku", docs[i].SKU),
			zap.String("reason", r.Error),
		)
	}

	zap.L().Info("index: rebuild complete",
		zap.String("collection", b.collection),
		zap.Int("documents", report.Documents),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}
