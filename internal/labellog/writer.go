// Package labellog is the durable, append-only log of label results.
//
// Each line is `itemKey,label1;label2;...,sourceURL,status`. A later line for
// the same item key supersedes earlier ones.
package labellog

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"strings"
	"sync"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/model"
)

// LabelSeparator joins labels inside the labels column.
const LabelSeparator = ";"

type line struct {
	ItemKey   string `csv:"item_key"`
	Labels    string `csv:"labels"`
	SourceURL string `csv:"source_url"`
	Status    string `csv:"status"`
}

type appendReq struct {
	rec   model.LabelRecord
	reply chan error
}

// Writer appends records from any number of goroutines. A single goroutine
// owns the file and performs one write per record, so lines never interleave.
type Writer struct {
	path string
	f    *os.File
	reqs chan appendReq
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the log at path for appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "labellog: open %s", path)
	}
	w := &Writer{
		path: path,
		f:    f,
		reqs: make(chan appendReq),
		done: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Append writes rec and returns once the line is on disk.
func (w *Writer) Append(ctx context.Context, rec model.LabelRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return eris.New("labellog: writer closed")
	}

	req := appendReq{rec: rec, reply: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "labellog: append")
	}
	// The write is already queued; wait for it regardless of ctx.
	return <-req.reply
}

// Close drains pending appends and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.reqs)
	w.mu.Unlock()

	<-w.done
	if err := w.f.Close(); err != nil {
		return eris.Wrap(err, "labellog: close")
	}
	return nil
}

func (w *Writer) loop() {
	defer close(w.done)
	for req := range w.reqs {
		req.reply <- w.write(req.rec)
	}
}

func (w *Writer) write(rec model.LabelRecord) error {
	data, err := EncodeLine(rec)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		zap.L().Error("labellog: write failed", zap.String("item_key", rec.ItemKey), zap.Error(err))
		return eris.Wrapf(err, "labellog: write %s", rec.ItemKey)
	}
	if err := w.f.Sync(); err != nil {
		return eris.Wrap(err, "labellog: sync")
	}
	return nil
}

// EncodeLine renders one record as a complete CSV line.
func EncodeLine(rec model.LabelRecord) ([]byte, error) {
	if rec.ItemKey == "" {
		return nil, eris.New("labellog: record has no item key")
	}
	status := rec.Status
	if status == "" {
		status = model.LabelStatusFailed
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = false
	if err := enc.Encode(line{
		ItemKey:   rec.ItemKey,
		Labels:    strings.Join(rec.Labels, LabelSeparator),
		SourceURL: rec.SourceURL,
		Status:    string(status),
	}); err != nil {
		return nil, eris.Wrap(err, "labellog: encode")
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, eris.Wrap(err, "labellog: flush")
	}
	return buf.Bytes(), nil
}
