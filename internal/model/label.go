package model

// LabelStatus is the terminal state of a labeling attempt for one item.
type LabelStatus string

const (
	LabelStatusSuccess LabelStatus = "success"
	LabelStatusFailed  LabelStatus = "failed"
	LabelStatusSkipped LabelStatus = "skipped" // asset could not be fetched
)

// Valid reports whether s is one of the known statuses.
func (s LabelStatus) Valid() bool {
	switch s {
	case LabelStatusSuccess, LabelStatusFailed, LabelStatusSkipped:
		return true
	}
	return false
}

// LabelRecord is one entry of the append-only result log. A later record for
// the same ItemKey supersedes earlier ones.
type LabelRecord struct {
	ItemKey     string      `json:"item_key"`
	Labels      []string    `json:"labels"`
	RawResponse string      `json:"raw_response,omitempty"`
	SourceURL   string      `json:"source_url,omitempty"`
	Status      LabelStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// Succeeded reports whether the record carries usable labels.
func (r LabelRecord) Succeeded() bool {
	return r.Status == LabelStatusSuccess
}

// LatestByKey collapses records to the last one seen per item key, preserving
// the order in which keys first appeared.
func LatestByKey(records []LabelRecord) []LabelRecord {
	idx := make(map[string]int, len(records))
	out := make([]LabelRecord, 0, len(records))
	for _, r := range records {
		if i, ok := idx[r.ItemKey]; ok {
			out[i] = r
			continue
		}
		idx[r.ItemKey] = len(out)
		out = append(out, r)
	}
	return out
}
