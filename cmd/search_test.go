package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pattern-search/internal/search"
)

func TestIsImageQuery(t *testing.T) {
	assert.True(t, isImageQuery("https://img.example/a.jpg"))
	assert.True(t, isImageQuery("HTTP://img.example/a.jpg"))
	assert.False(t, isImageQuery("lace shawl"))
	assert.False(t, isImageQuery("ftp://img.example/a.jpg"))
}

func TestRunSearch_Term(t *testing.T) {
	q := &fakeQuerier{resp: sampleResponse()}
	var buf bytes.Buffer

	require.NoError(t, runSearch(context.Background(), q, []string{"lace shawl", "imageKeywords"}, "json", &buf))
	assert.Equal(t, []string{"lace shawl|imageKeywords"}, q.termCalls)
	assert.Empty(t, q.imageCalls)

	var got search.Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "lace shawl", got.Term)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "SKU1", got.Results[0].SKU)
}

func TestRunSearch_ImageWithQueryField(t *testing.T) {
	q := &fakeQuerier{resp: sampleResponse()}
	var buf bytes.Buffer
	require.NoError(t, runSearch(context.Background(), q, []string{"https://img.example/a.png", "imageKeywords"}, "json", &buf))
	assert.Equal(t, []string{"https://img.example/a.png|imageKeywords"}, q.imageCalls)
	assert.Empty(t, q.termCalls)
}

func TestRunSearch_Image(t *testing.T) {
	q := &fakeQuerier{resp: sampleResponse()}
	var buf bytes.Buffer

	require.NoError(t, runSearch(context.Background(), q, []string{"https://img.example/a.png"}, "json", &buf))
	assert.Equal(t, []string{"https://img.example/a.png|"}, q.imageCalls)
	assert.Empty(t, q.termCalls)
}

func TestRunSearch_ErrorWritesNothing(t *testing.T) {
	q := &fakeQuerier{err: &search.QueryError{Kind: search.KindInvalidImageURL, Detail: "bad"}}
	var buf bytes.Buffer

	err := runSearch(context.Background(), q, []string{"https://img.example/page.html"}, "json", &buf)
	require.Error(t, err)
	assert.True(t, search.IsQueryError(err, search.KindInvalidImageURL))
	assert.Zero(t, buf.Len())
}

func TestWriteResponse_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, sampleResponse(), "yaml"))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "lace shawl", got["searchTerm"])
	results := got["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "SKU1", first["sku"], "hit fields are inlined")
	assert.Equal(t, "Lace Shawl", first["name"])
}

func TestWriteResponse_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, writeResponse(&buf, sampleResponse(), "xml"))
}
