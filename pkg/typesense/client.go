// Package typesense provides a client for the Typesense search engine REST API.
package typesense

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the collection, import and search operations.
type Client interface {
	// CreateCollection creates a collection from the schema.
	CreateCollection(ctx context.Context, schema Schema) error
	// DeleteCollection drops a collection. A missing collection yields an
	// *APIError for which IsNotFound reports true.
	DeleteCollection(ctx context.Context, name string) error
	// ImportDocuments bulk-loads JSONL documents and returns one result per line.
	ImportDocuments(ctx context.Context, collection string, jsonl []byte, action string) ([]ImportResult, error)
	// Search runs a keyword query against a collection.
	Search(ctx context.Context, collection string, params SearchParams) (*SearchResponse, error)
}

// Schema describes a collection.
type Schema struct {
	Name                string  `json:"name"`
	Fields              []Field `json:"fields"`
	DefaultSortingField string  `json:"default_sorting_field,omitempty"`
}

// Field is one schema field.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Facet    bool   `json:"facet"`
	Optional bool   `json:"optional,omitempty"`
}

// ImportResult is the engine's verdict on one imported line.
type ImportResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Document string `json:"document,omitempty"`
}

// SearchParams are the query parameters of a search.
type SearchParams struct {
	Q       string
	QueryBy string
	PerPage int
	Page    int
}

// SearchResponse is the parsed search result page.
type SearchResponse struct {
	Found        int   `json:"found"`
	OutOf        int   `json:"out_of"`
	Page         int   `json:"page"`
	SearchTimeMs int   `json:"search_time_ms"`
	Hits         []Hit `json:"hits"`
}

// Hit is one matching document.
type Hit struct {
	Document   json.RawMessage `json:"document"`
	TextMatch  int64           `json:"text_match"`
	Highlights []Highlight     `json:"highlights"`
}

// Highlight lists the tokens matched in one field.
type Highlight struct {
	Field         string   `json:"field"`
	Snippet       string   `json:"snippet"`
	MatchedTokens []string `json:"matched_tokens"`
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("typesense: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an *APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return eris.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the Typesense client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetryBackoff sets the initial wait between retried requests.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *httpClient) {
		c.backoff = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	backoff time.Duration
	http    *http.Client
}

// NewClient creates a Typesense client for the node at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		backoff: 1 * time.Second,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// do sends a request, retrying transport failures and transient statuses up
// to three times with doubling backoff. The body is replayed on every attempt.
func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, rdr)
		if err != nil {
			return nil, 0, eris.Wrap(err, "typesense: create request")
		}
		req.Header.Set("X-TYPESENSE-API-KEY", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, resp.StatusCode, eris.Wrap(readErr, "typesense: read response body")
			}
			if !retryableStatusCode(resp.StatusCode) || attempt == maxAttempts {
				return respBody, resp.StatusCode, nil
			}
			lastErr = eris.Errorf("typesense: status %d: %s", resp.StatusCode, string(respBody))
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, 0, lastErr
}

// apiError builds an *APIError from an error body of the form {"message": "..."}.
func apiError(status int, body []byte) error {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.Message == "" {
		msg.Message = string(body)
	}
	return &APIError{StatusCode: status, Message: msg.Message}
}

func (c *httpClient) CreateCollection(ctx context.Context, schema Schema) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return eris.Wrap(err, "typesense: marshal schema")
	}

	body, status, err := c.do(ctx, http.MethodPost, "/collections", nil, payload, "application/json")
	if err != nil {
		return eris.Wrapf(err, "typesense: create collection %s", schema.Name)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return eris.Wrapf(apiError(status, body), "typesense: create collection %s", schema.Name)
	}
	return nil
}

func (c *httpClient) DeleteCollection(ctx context.Context, name string) error {
	body, status, err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil, "")
	if err != nil {
		return eris.Wrapf(err, "typesense: delete collection %s", name)
	}
	if status != http.StatusOK {
		return eris.Wrapf(apiError(status, body), "typesense: delete collection %s", name)
	}
	return nil
}

func (c *httpClient) ImportDocuments(ctx context.Context, collection string, jsonl []byte, action string) ([]ImportResult, error) {
	if action == "" {
		action = "create"
	}
	query := url.Values{"action": {action}}
	path := "/collections/" + url.PathEscape(collection) + "/documents/import"

	body, status, err := c.do(ctx, http.MethodPost, path, query, jsonl, "text/plain")
	if err != nil {
		return nil, eris.Wrapf(err, "typesense: import into %s", collection)
	}
	if status != http.StatusOK {
		return nil, eris.Wrapf(apiError(status, body), "typesense: import into %s", collection)
	}

	return parseImportResults(body)
}

// parseImportResults decodes the newline-delimited per-document results.
func parseImportResults(body []byte) ([]ImportResult, error) {
	var results []ImportResult
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r ImportResult
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, eris.Wrapf(err, "typesense: decode import result line %d", len(results)+1)
		}
		results = append(results, r)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "typesense: read import results")
	}
	return results, nil
}

func (c *httpClient) Search(ctx context.Context, collection string, params SearchParams) (*SearchResponse, error) {
	query := url.Values{
		"q":        {params.Q},
		"query_by": {params.QueryBy},
	}
	if params.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(params.PerPage))
	}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	path := "/collections/" + url.PathEscape(collection) + "/documents/search"

	body, status, err := c.do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return nil, eris.Wrapf(err, "typesense: search %s", collection)
	}
	if status != http.StatusOK {
		return nil, eris.Wrapf(apiError(status, body), "typesense: search %s", collection)
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "typesense: unmarshal search response")
	}
	return &result, nil
}
