package labellog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pattern-search/internal/model"
)

func TestEncodeLine(t *testing.T) {
	data, err := EncodeLine(model.LabelRecord{
		ItemKey:   "SKU1",
		Labels:    []string{"cable knit", "cardigan", "cream"},
		SourceURL: "https://shop.example/p/cardigan",
		Status:    model.LabelStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "SKU1,cable knit;cardigan;cream,https://shop.example/p/cardigan,success\n", string(data))
}

func TestEncodeLine_QuotesCommas(t *testing.T) {
	data, err := EncodeLine(model.LabelRecord{
		ItemKey: "SKU2",
		Labels:  []string{"red, white and blue", "hat"},
		Status:  model.LabelStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "SKU2,\"red, white and blue;hat\",,success\n", string(data))

	records, err := Read(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"red, white and blue", "hat"}, records[0].Labels)
}

func TestEncodeLine_RequiresKey(t *testing.T) {
	_, err := EncodeLine(model.LabelRecord{})
	assert.Error(t, err)
}

func TestWriter_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_analysis.csv")
	w, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Append(ctx, model.LabelRecord{ItemKey: "SKU1", Status: model.LabelStatusFailed, SourceURL: "https://shop.example/1"}))
	require.NoError(t, w.Append(ctx, model.LabelRecord{ItemKey: "SKU2", Labels: []string{"lace", "shawl"}, Status: model.LabelStatusSuccess}))
	require.NoError(t, w.Append(ctx, model.LabelRecord{ItemKey: "SKU1", Labels: []string{"hat"}, Status: model.LabelStatusSuccess}))
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, model.LabelStatusFailed, records[0].Status)
	assert.Equal(t, "https://shop.example/1", records[0].SourceURL)
	assert.Nil(t, records[0].Labels)

	latest, err := Latest(path)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
	assert.Equal(t, []string{"hat"}, latest["SKU1"].Labels)
	assert.True(t, latest["SKU1"].Succeeded())

	keys, err := SucceededKeys(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"SKU1": true, "SKU2": true}, keys)
}

func TestWriter_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	for i := 0; i < 2; i++ {
		w, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, w.Append(context.Background(), model.LabelRecord{ItemKey: fmt.Sprintf("SKU%d", i), Status: model.LabelStatusSuccess, Labels: []string{"a"}}))
		require.NoError(t, w.Close())
	}

	records, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWriter_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w, err := Open(path)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			labels := []string{strings.Repeat("x", 50+i), "knit", "wool"}
			assert.NoError(t, w.Append(context.Background(), model.LabelRecord{
				ItemKey:   fmt.Sprintf("SKU%03d", i),
				Labels:    labels,
				SourceURL: fmt.Sprintf("https://shop.example/p/%d", i),
				Status:    model.LabelStatusSuccess,
			}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Len(t, lines, n)
	for _, l := range lines {
		assert.Len(t, strings.Split(l, ","), 4, "line %q", l)
	}

	latest, err := Latest(path)
	require.NoError(t, err)
	assert.Len(t, latest, n)
}

func TestWriter_AppendAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "log.csv"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err = w.Append(context.Background(), model.LabelRecord{ItemKey: "SKU1"})
	assert.Error(t, err)
}

func TestRead_LegacyAndHeader(t *testing.T) {
	input := "item_key,labels,source_url,status\n" +
		"SKU1,\"\"\"cable knit\"\"; \"\"cardigan\"\"\",https://shop.example/1\n" +
		"SKU2,,https://shop.example/2,failed\n" +
		"short,row\n" +
		"SKU3,a;b,https://shop.example/3,bogus\n"

	records, err := Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "SKU1", records[0].ItemKey)
	assert.Equal(t, model.LabelStatusSuccess, records[0].Status, "three-column lines are legacy successes")
	assert.Equal(t, []string{"cable knit", "cardigan"}, records[0].Labels)

	assert.Equal(t, model.LabelStatusFailed, records[1].Status)
	assert.Nil(t, records[1].Labels)
}

func TestRead_HeaderDetection(t *testing.T) {
	tests := []struct {
		name  string
		first string
		want  int
	}{
		{"own header", "item_key,labels,source_url,status", 1},
		{"original header", "filename,analysis,href", 1},
		{"record keyed sku", `sku,"""beanie""",https://shop.example/sku,success`, 2},
		{"record keyed filename", `filename,"""shawl""",https://shop.example/f`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.first + "\nSKU9,a;b,https://shop.example/9,success\n"
			records, err := Read(strings.NewReader(input))
			require.NoError(t, err)
			assert.Len(t, records, tt.want)
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	records, err := ReadFile(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err)
	assert.Empty(t, records)
}
