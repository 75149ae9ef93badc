// Package commercetools looks up product display metadata from the
// commercetools product-projections API.
package commercetools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sells-group/pattern-search/internal/model"
)

// maxKeysPerRequest bounds the where predicate so the query string stays
// well under typical URL limits.
const maxKeysPerRequest = 100

// BaseImageTag marks the asset used as a product's representative image.
const BaseImageTag = "base_image"

// Config holds the connection settings. Credentials are injected by the
// caller from configuration.
type Config struct {
	AuthURL       string
	APIURL        string
	ProjectKey    string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	Locale        string
	StorefrontURL string
}

// LookupError is a service-level failure reported by the catalog API.
type LookupError struct {
	StatusCode int
	Message    string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("commercetools: lookup failed with status %d: %s", e.StatusCode, e.Message)
}

// Option configures the client.
type Option func(*options)

type options struct {
	base    *http.Client
	timeout time.Duration
}

// WithHTTPClient sets the base HTTP client used for both token and API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.base = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Client is a catalog metadata client authenticated with client credentials.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a Client. Tokens are fetched lazily and cached until
// they expire.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIURL == "" || cfg.AuthURL == "" || cfg.ProjectKey == "" {
		return nil, eris.New("commercetools: auth url, api url and project key are required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, eris.New("commercetools: client id and secret are required")
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-GB"
	}

	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	base := o.base
	if base == nil {
		base = &http.Client{Timeout: o.timeout}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     strings.TrimRight(cfg.AuthURL, "/") + "/oauth/token",
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: o.timeout,
			Transport: &oauth2.Transport{
				Source: cc.TokenSource(tokenCtx),
				Base:   transport,
			},
		},
	}, nil
}

type localized map[string]string

type projectionPage struct {
	StatusCode int          `json:"statusCode"`
	Message    string       `json:"message"`
	Count      int          `json:"count"`
	Total      int          `json:"total"`
	Results    []projection `json:"results"`
}

type projection struct {
	Key           string    `json:"key"`
	Name          localized `json:"name"`
	Slug          localized `json:"slug"`
	MasterVariant variant   `json:"masterVariant"`
}

type variant struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Assets []struct {
		Tags    []string `json:"tags"`
		Sources []struct {
			URI string `json:"uri"`
		} `json:"sources"`
	} `json:"assets"`
}

// ProductInfo returns display metadata for the products with the given keys.
// Keys without a catalog entry are absent from the map.
func (c *Client) ProductInfo(ctx context.Context, keys []string) (map[string]model.CatalogInfo, error) {
	keys = dedupe(keys)
	out := make(map[string]model.CatalogInfo, len(keys))

	for start := 0; start < len(keys); start += maxKeysPerRequest {
		end := min(start+maxKeysPerRequest, len(keys))
		page, err := c.fetch(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		for _, p := range page.Results {
			if p.Key == "" {
				continue
			}
			out[p.Key] = c.toInfo(p)
		}
	}

	zap.L().Debug("commercetools: product info",
		zap.Int("requested", len(keys)),
		zap.Int("found", len(out)),
	)
	return out, nil
}

func (c *Client) fetch(ctx context.Context, keys []string) (*projectionPage, error) {
	q := url.Values{
		"where": {WherePredicate(keys)},
		"limit": {strconv.Itoa(len(keys))},
	}
	reqURL := fmt.Sprintf("%s/%s/product-projections?%s",
		strings.TrimRight(c.cfg.APIURL, "/"), url.PathEscape(c.cfg.ProjectKey), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "commercetools: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "commercetools: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	var page projectionPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &LookupError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, eris.Wrap(err, "commercetools: decode response")
	}
	if page.StatusCode != 0 {
		return nil, &LookupError{StatusCode: page.StatusCode, Message: page.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &LookupError{StatusCode: resp.StatusCode, Message: page.Message}
	}
	return &page, nil
}

func (c *Client) toInfo(p projection) model.CatalogInfo {
	info := model.CatalogInfo{
		SKU:                    p.Key,
		DisplayName:            p.Name.get(c.cfg.Locale),
		RepresentativeImageURI: representativeImage(p.MasterVariant),
	}
	if slug := p.Slug.get(c.cfg.Locale); slug != "" {
		info.DisplayURL = c.cfg.StorefrontURL + slug
	}
	return info
}

// get returns the value for locale, falling back to the alphabetically
// first locale present.
func (l localized) get(locale string) string {
	if v, ok := l[locale]; ok {
		return v
	}
	if len(l) == 0 {
		return ""
	}
	locales := make([]string, 0, len(l))
	for k := range l {
		locales = append(locales, k)
	}
	sort.Strings(locales)
	return l[locales[0]]
}

// representativeImage picks the first source of the asset tagged base_image,
// or the first variant image when no asset carries the tag.
func representativeImage(v variant) string {
	for _, a := range v.Assets {
		for _, tag := range a.Tags {
			if tag == BaseImageTag && len(a.Sources) > 0 {
				return a.Sources[0].URI
			}
		}
	}
	if len(v.Images) > 0 {
		return v.Images[0].URL
	}
	return ""
}

var predicateEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// WherePredicate builds the query predicate `key in ("a","b")`. Only quotes
// and backslashes are escaped; other characters are sent as they are.
func WherePredicate(keys []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = `"` + predicateEscaper.Replace(k) + `"`
	}
	return "key in (" + strings.Join(quoted, ",") + ")"
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
