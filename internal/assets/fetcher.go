// Package assets downloads product images, re-encodes them as JPEG and
// stamps the product page URL into each file for provenance audits.
package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/model"
)

// FetchError is a per-item fetch failure. Callers record it and move on.
type FetchError struct {
	ItemKey string
	Cause   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ItemKey, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Fetcher writes one JPEG asset per item key under dir.
type Fetcher struct {
	dl  *Downloader
	dir string
}

// NewFetcher creates a Fetcher writing into dir.
func NewFetcher(dl *Downloader, dir string) *Fetcher {
	return &Fetcher{dl: dl, dir: dir}
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

const maxAssetNameLen = 96

// AssetPath returns the deterministic path for an item key. The readable
// prefix is the sanitised key; the hash suffix keeps keys that sanitise to
// the same prefix (`KIT/1`, `KIT_1`) on separate files.
func AssetPath(dir, itemKey string) string {
	name := unsafePathChars.ReplaceAllString(itemKey, "_")
	if len(name) > maxAssetNameLen {
		name = name[:maxAssetNameLen]
	}
	if name == "" {
		name = "_"
	}
	sum := sha256.Sum256([]byte(itemKey))
	return filepath.Join(dir, fmt.Sprintf("%s-%x.jpeg", name, sum[:8]))
}

// Fetch downloads item.ImageURI, decodes it, and writes the re-encoded JPEG
// with provenance to AssetPath. An existing asset is overwritten.
func (f *Fetcher) Fetch(ctx context.Context, item model.CatalogItem) (*model.ImageAsset, error) {
	fail := func(err error) (*model.ImageAsset, error) {
		return nil, &FetchError{ItemKey: item.ItemKey, Cause: err}
	}

	if item.ItemKey == "" {
		return fail(eris.New("assets: empty item key"))
	}
	if err := ValidateImageURL(item.ImageURI); err != nil {
		return fail(err)
	}

	data, err := f.dl.Get(ctx, item.ImageURI)
	if err != nil {
		return fail(err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fail(eris.Wrap(err, "assets: decode image"))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return fail(eris.Wrap(err, "assets: encode jpeg"))
	}
	out, err := EmbedProvenance(buf.Bytes(), item.SourceDetailURL)
	if err != nil {
		return fail(err)
	}

	path := AssetPath(f.dir, item.ItemKey)
	if err := writeFileAtomic(path, out); err != nil {
		return fail(err)
	}

	return &model.ImageAsset{
		ItemKey:       item.ItemKey,
		LocalPath:     path,
		ProvenanceURL: item.SourceDetailURL,
	}, nil
}

// ValidateImageURL checks that u is an absolute http(s) URL.
func ValidateImageURL(u string) error {
	parsed, err := url.ParseRequestURI(u)
	if err != nil {
		return eris.Wrapf(err, "assets: invalid image url %q", u)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return eris.Errorf("assets: invalid image url %q", u)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "assets: create asset dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".asset-*")
	if err != nil {
		return eris.Wrap(err, "assets: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "assets: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "assets: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "assets: rename asset")
	}
	return nil
}

// FetchResult is the outcome of FetchAll.
type FetchResult struct {
	Assets map[string]*model.ImageAsset
	Errors []*FetchError
}

// FetchAll fetches every item on a worker pool of the given size. Per-item
// failures are collected, never returned as the call's error; only a pool
// setup failure is.
func (f *Fetcher) FetchAll(ctx context.Context, items []model.CatalogItem, concurrency int) (*FetchResult, error) {
	if concurrency <= 0 {
		concurrency = 32
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, eris.Wrap(err, "assets: create worker pool")
	}
	defer pool.Release()

	start := time.Now()
	res := &FetchResult{Assets: make(map[string]*model.ImageAsset, len(items))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(item model.CatalogItem, asset *model.ImageAsset, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			var fe *FetchError
			if !eris.As(err, &fe) {
				fe = &FetchError{ItemKey: item.ItemKey, Cause: err}
			}
			res.Errors = append(res.Errors, fe)
			zap.L().Warn("assets: fetch failed", zap.String("sku", item.ItemKey), zap.Error(err))
			return
		}
		res.Assets[item.ItemKey] = asset
	}

	for _, item := range items {
		if ctx.Err() != nil {
			record(item, nil, &FetchError{ItemKey: item.ItemKey, Cause: eris.Wrap(ctx.Err(), "assets: not started")})
			continue
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			asset, err := f.Fetch(ctx, item)
			record(item, asset, err)
		}); err != nil {
			wg.Done()
			record(item, nil, &FetchError{ItemKey: item.ItemKey, Cause: eris.Wrap(err, "assets: submit")})
		}
	}
	wg.Wait()

	zap.L().Info("assets: fetch complete",
		zap.Int("items", len(items)),
		zap.Int("fetched", len(res.Assets)),
		zap.Int("failed", len(res.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
