package labellog

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/model"
)

// ReadFile reads every record in the log at path in file order. A missing
// file yields no records.
func ReadFile(path string) ([]model.LabelRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "labellog: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return Read(f)
}

// Read parses log lines from r. Three-column lines (no status) are legacy
// success records. A header row and lines with fewer than three fields are
// skipped.
func Read(r io.Reader) ([]model.LabelRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		records []model.LabelRecord
		lineNo  int
		skipped int
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skipped++
				zap.L().Warn("labellog: skipping unparsable line", zap.Int("line", lineNo), zap.Error(err))
				continue
			}
			return nil, eris.Wrap(err, "labellog: read")
		}

		if lineNo == 1 && isHeader(row) {
			continue
		}
		rec, ok := parseRow(row)
		if !ok {
			skipped++
			zap.L().Warn("labellog: skipping short line", zap.Int("line", lineNo), zap.Int("fields", len(row)))
			continue
		}
		records = append(records, rec)
	}

	if skipped > 0 {
		zap.L().Warn("labellog: skipped lines", zap.Int("count", skipped))
	}
	return records, nil
}

var headerNames = [][]string{
	{"item_key", "sku", "filename"},
	{"labels", "analysis"},
	{"source_url", "href", "url"},
}

// isHeader reports whether each of the first three columns of row names a
// known log column, so a record whose key happens to be "sku" is not mistaken
// for a header.
func isHeader(row []string) bool {
	if len(row) < len(headerNames) {
		return false
	}
	for i, names := range headerNames {
		if !slices.Contains(names, strings.ToLower(strings.TrimSpace(row[i]))) {
			return false
		}
	}
	return true
}

func parseRow(row []string) (model.LabelRecord, bool) {
	if len(row) < 3 || strings.TrimSpace(row[0]) == "" {
		return model.LabelRecord{}, false
	}

	rec := model.LabelRecord{
		ItemKey:   strings.TrimSpace(row[0]),
		Labels:    splitLabels(row[1]),
		SourceURL: strings.TrimSpace(row[2]),
		Status:    model.LabelStatusSuccess,
	}
	if len(row) >= 4 {
		status := model.LabelStatus(strings.TrimSpace(row[3]))
		if !status.Valid() {
			return model.LabelRecord{}, false
		}
		rec.Status = status
	}
	return rec, true
}

func splitLabels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, LabelSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Latest reads the log and returns the authoritative record per item key.
func Latest(path string) (map[string]model.LabelRecord, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.LabelRecord, len(records))
	for _, r := range records {
		out[r.ItemKey] = r
	}
	return out, nil
}

// SucceededKeys returns the item keys whose latest record is a success.
func SucceededKeys(path string) (map[string]bool, error) {
	latest, err := Latest(path)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(latest))
	for k, r := range latest {
		if r.Succeeded() {
			keys[k] = true
		}
	}
	return keys, nil
}
