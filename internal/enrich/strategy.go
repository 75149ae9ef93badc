// Package enrich drives catalog items through the label client and records
// one terminal result per item in the durable label log.
package enrich

import (
	"context"

	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/model"
)

// Job is one item ready for labeling.
type Job struct {
	Item  model.CatalogItem
	Image label.ImageRef
}

// Sink receives results as soon as they are known. Record must be durable
// when it returns.
type Sink interface {
	Record(ctx context.Context, rec model.LabelRecord, attempts int) error
	BatchSubmitted(ctx context.Context, batchID string) error
}

// Strategy labels a set of jobs. Implementations call sink.Record exactly
// once for every job they start and return the records they produced.
type Strategy interface {
	Mode() model.RunMode
	Run(ctx context.Context, jobs []Job, sink Sink) ([]model.LabelRecord, error)
}

func successRecord(item model.CatalogItem, labels []string, raw string) model.LabelRecord {
	return model.LabelRecord{
		ItemKey:     item.ItemKey,
		Labels:      labels,
		RawResponse: raw,
		SourceURL:   item.SourceDetailURL,
		Status:      model.LabelStatusSuccess,
	}
}

func failedRecord(item model.CatalogItem, raw string, err error) model.LabelRecord {
	rec := model.LabelRecord{
		ItemKey:     item.ItemKey,
		RawResponse: raw,
		SourceURL:   item.SourceDetailURL,
		Status:      model.LabelStatusFailed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
