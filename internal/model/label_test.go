package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelStatusValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status LabelStatus
		want   bool
	}{
		{LabelStatusSuccess, true},
		{LabelStatusFailed, true},
		{LabelStatusSkipped, true},
		{"", false},
		{"pending", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestLatestByKey(t *testing.T) {
	t.Parallel()

	records := []LabelRecord{
		{ItemKey: "SKU1", Status: LabelStatusFailed},
		{ItemKey: "SKU2", Status: LabelStatusSuccess, Labels: []string{"a", "b"}},
		{ItemKey: "SKU1", Status: LabelStatusSuccess, Labels: []string{"cardigan"}},
		{ItemKey: "SKU3", Status: LabelStatusSkipped},
		{ItemKey: "SKU2", Status: LabelStatusFailed},
	}

	got := LatestByKey(records)
	require.Len(t, got, 3)

	assert.Equal(t, "SKU1", got[0].ItemKey)
	assert.True(t, got[0].Succeeded())
	assert.Equal(t, []string{"cardigan"}, got[0].Labels)

	assert.Equal(t, "SKU2", got[1].ItemKey)
	assert.False(t, got[1].Succeeded(), "later failure supersedes earlier success")

	assert.Equal(t, "SKU3", got[2].ItemKey)
	assert.Equal(t, LabelStatusSkipped, got[2].Status)
}

func TestLatestByKey_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, LatestByKey(nil))
}

func TestRunSummaryAdd(t *testing.T) {
	t.Parallel()

	var s RunSummary
	s.Add(LabelRecord{Status: LabelStatusSuccess})
	s.Add(LabelRecord{Status: LabelStatusSuccess})
	s.Add(LabelRecord{Status: LabelStatusFailed})
	s.Add(LabelRecord{Status: LabelStatusSkipped})
	s.Add(LabelRecord{Status: "bogus"})

	assert.Equal(t, RunSummary{Succeeded: 2, Failed: 1, Skipped: 1}, s)
}

func TestSearchDocumentJSONFieldNames(t *testing.T) {
	t.Parallel()

	doc := SearchDocument{
		SKU:                 "SKU1",
		ImageKeywords:       []string{"cable knit", "cardigan"},
		ImageKeywordsJoined: "cable knit; cardigan",
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"SKU1","imageKeywords":["cable knit","cardigan"],"imageKeywordsString":"cable knit; cardigan"}`, string(data))
}

func TestSearchResultFlattensHit(t *testing.T) {
	t.Parallel()

	res := SearchResult{
		SearchHit:   SearchHit{SKU: "SKU1", Rank: 1},
		DisplayURL:  "https://shop.example/p/cardigan",
		DisplayName: "Cardigan",
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "SKU1", m["sku"])
	assert.Equal(t, "Cardigan", m["name"])
	assert.EqualValues(t, 1, m["rank"])
}
