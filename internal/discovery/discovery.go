// Package discovery loads the catalog item lists produced by the storefront
// discovery step. Lists may be CSV, a JSON array, or an XLSX workbook.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/model"
)

// Column aliases accepted in headers and JSON objects. The first entry is the
// canonical name; the rest match the scraper's output (sku, href, src).
var (
	keyColumns    = []string{"item_key", "sku", "key"}
	sourceColumns = []string{"source_detail_url", "href", "source_url", "url"}
	imageColumns  = []string{"image_uri", "src", "image_url", "image"}
)

// Load reads items from path, choosing the decoder by file extension.
func Load(ctx context.Context, path string) ([]model.CatalogItem, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return LoadXLSX(ctx, path, XLSXOptions{})
	case ".csv", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "discovery: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		if ext == ".json" {
			return LoadJSON(ctx, f)
		}
		return LoadCSV(ctx, f)
	default:
		return nil, eris.Errorf("discovery: unsupported item list format %q", ext)
	}
}

// columnMap records where each field lives in a header row.
type columnMap struct {
	key, source, image int
}

func mapHeader(header []string) (columnMap, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	find := func(aliases []string) int {
		for _, a := range aliases {
			if i, ok := idx[a]; ok {
				return i
			}
		}
		return -1
	}

	cm := columnMap{key: find(keyColumns), source: find(sourceColumns), image: find(imageColumns)}
	var missing []string
	if cm.key < 0 {
		missing = append(missing, keyColumns[0])
	}
	if cm.image < 0 {
		missing = append(missing, imageColumns[0])
	}
	if len(missing) > 0 {
		return cm, eris.Errorf("discovery: header missing column(s) %s", strings.Join(missing, ", "))
	}
	return cm, nil
}

func (cm columnMap) item(row []string) model.CatalogItem {
	cell := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	return model.CatalogItem{
		ItemKey:         cell(cm.key),
		SourceDetailURL: cell(cm.source),
		ImageURI:        cell(cm.image),
	}
}

// collector deduplicates items by key. Items are immutable once
// discovered, so the first occurrence wins.
type collector struct {
	seen  map[string]bool
	items []model.CatalogItem
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) add(item model.CatalogItem) {
	if item == (model.CatalogItem{}) {
		return
	}
	if item.ItemKey == "" {
		zap.L().Warn("discovery: skipping row without item key", zap.String("image_uri", item.ImageURI))
		return
	}
	if c.seen[item.ItemKey] {
		zap.L().Debug("discovery: duplicate item key", zap.String("sku", item.ItemKey))
		return
	}
	c.seen[item.ItemKey] = true
	c.items = append(c.items, item)
}
