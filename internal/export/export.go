// Package export writes batches as newline-delimited JSON, one flat record
// per line, in the same layout as the public Reddit dump files. Paths ending
// in .zst are zstd-compressed.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/iiviie/go-harvester/internal/models"
)

// Writer appends records to an NDJSON stream
type Writer struct {
	buf     *bufio.Writer
	enc     *json.Encoder
	zw      *zstd.Encoder
	file    *os.File
	records int
}

// NewWriter writes uncompressed NDJSON to w
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: json.NewEncoder(buf)}
}

// Create opens path for writing, compressing when it ends in .zst
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		w := NewWriter(f)
		w.file = f
		return w, nil
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	w := NewWriter(zw)
	w.zw = zw
	w.file = f
	return w, nil
}

// WriteBatch writes every record of batch, keeping list order
func (w *Writer) WriteBatch(batch models.Batch) error {
	for _, list := range batch {
		for _, r := range list {
			if err := w.enc.Encode(r); err != nil {
				return fmt.Errorf("encode %s: %w", r.Fullname(), err)
			}
			w.records++
		}
	}
	return nil
}

// Records returns how many records were written
func (w *Writer) Records() int {
	return w.records
}

// Close flushes buffered output and closes anything Create opened
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.zw != nil {
		if cerr := w.zw.Close(); err == nil {
			err = cerr
		}
	}
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadFile reads a file written by Writer back into a batch. A submission
// record starts a new record list; comments join the current one.
func ReadFile(path string) (models.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Read(r)
}

// Read decodes an NDJSON stream into a batch
func Read(r io.Reader) (models.Batch, error) {
	var batch models.Batch
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec models.Record
		if err := dec.Decode(&rec); err != nil {
			return batch, err
		}
		switch {
		case rec.Kind == models.KindSubmission:
			batch = append(batch, models.RecordList{rec})
		case len(batch) == 0:
			return batch, fmt.Errorf("comment %s before any submission", rec.ID())
		default:
			batch[len(batch)-1] = append(batch[len(batch)-1], rec)
		}
	}
	return batch, nil
}
