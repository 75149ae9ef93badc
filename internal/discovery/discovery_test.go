package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pattern-search/internal/model"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "items.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestStreamCSV_TrimAndDelimiter(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(" a | b \n1|2\n"), CSVOptions{Delimiter: '|', TrimSpace: true})
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, rows)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\nb\n"), CSVOptions{})
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestLoadCSV(t *testing.T) {
	input := "item_key,source_detail_url,image_uri\n" +
		"SKU-1,https://shop/p/1,https://cdn/1.jpg\n" +
		"SKU-2, https://shop/p/2 ,https://cdn/2.png\n" +
		"SKU-1,https://shop/p/dup,https://cdn/dup.jpg\n" +
		",https://shop/p/3,https://cdn/3.jpg\n"

	items, err := LoadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []model.CatalogItem{
		{ItemKey: "SKU-1", SourceDetailURL: "https://shop/p/1", ImageURI: "https://cdn/1.jpg"},
		{ItemKey: "SKU-2", SourceDetailURL: "https://shop/p/2", ImageURI: "https://cdn/2.png"},
	}, items)
}

func TestLoadCSV_ScraperAliases(t *testing.T) {
	input := "\ufeffsrc,alt,href,sku\nhttps://cdn/a.jpg,A hat,https://shop/p/a,A\n"
	items, err := LoadCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.CatalogItem{ItemKey: "A", SourceDetailURL: "https://shop/p/a", ImageURI: "https://cdn/a.jpg"}, items[0])
}

func TestLoadCSV_Errors(t *testing.T) {
	_, err := LoadCSV(context.Background(), strings.NewReader(""))
	assert.Error(t, err)

	_, err = LoadCSV(context.Background(), strings.NewReader("sku,href\nA,https://x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_uri")
}

func TestLoadJSON(t *testing.T) {
	input := `[
		{"item_key": "A", "source_detail_url": "https://shop/p/a", "image_uri": "https://cdn/a.jpg"},
		{"sku": "B", "href": "https://shop/p/b", "src": "https://cdn/b.jpg", "alt": "cowl"},
		{"sku": "A", "src": "https://cdn/other.jpg"}
	]`
	items, err := LoadJSON(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []model.CatalogItem{
		{ItemKey: "A", SourceDetailURL: "https://shop/p/a", ImageURI: "https://cdn/a.jpg"},
		{ItemKey: "B", SourceDetailURL: "https://shop/p/b", ImageURI: "https://cdn/b.jpg"},
	}, items)
}

func TestLoadJSON_Errors(t *testing.T) {
	_, err := LoadJSON(context.Background(), strings.NewReader(`{"sku": "A"}`))
	assert.Error(t, err)

	_, err = LoadJSON(context.Background(), strings.NewReader(`[{"sku": "A"}, nope]`))
	assert.Error(t, err)

	items, err := LoadJSON(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLoadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Items": {
			{"SKU", "Image_URI", "Source_Detail_URL"},
			{"A", "https://cdn/a.jpg", "https://shop/p/a"},
			{"B", "https://cdn/b.jpg", ""},
		},
	})

	items, err := LoadXLSX(context.Background(), path, XLSXOptions{SheetName: "Items"})
	require.NoError(t, err)
	assert.Equal(t, []model.CatalogItem{
		{ItemKey: "A", SourceDetailURL: "https://shop/p/a", ImageURI: "https://cdn/a.jpg"},
		{ItemKey: "B", ImageURI: "https://cdn/b.jpg"},
	}, items)

	_, err = LoadXLSX(context.Background(), path, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)
	_, err = LoadXLSX(context.Background(), path, XLSXOptions{SheetIndex: 3})
	assert.Error(t, err)
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "items.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte("sku,src\nA,https://cdn/a.jpg\n"), 0o644))
	jsonPath := filepath.Join(dir, "items.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"sku":"B","src":"https://cdn/b.jpg"}]`), 0o644))

	items, err := Load(context.Background(), csvPath)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].ItemKey)

	items, err = Load(context.Background(), jsonPath)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "B", items[0].ItemKey)

	_, err = Load(context.Background(), filepath.Join(dir, "items.txt"))
	assert.Error(t, err)
	_, err = Load(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
