package discovery

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pattern-search/internal/model"
)

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// jsonItem accepts both the canonical field names and the scraper's
// {sku, href, src} shape.
type jsonItem map[string]any

func (j jsonItem) first(aliases []string) string {
	for _, a := range aliases {
		if s, ok := j[a].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// LoadJSON reads a JSON array of item objects.
func LoadJSON(ctx context.Context, r io.Reader) ([]model.CatalogItem, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outCh, errCh := DecodeJSONArray[jsonItem](ctx, r)
	col := newCollector()
	for obj := range outCh {
		col.add(model.CatalogItem{
			ItemKey:         obj.first(keyColumns),
			SourceDetailURL: obj.first(sourceColumns),
			ImageURI:        obj.first(imageColumns),
		})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "discovery: load json")
	}
	return col.items, nil
}
