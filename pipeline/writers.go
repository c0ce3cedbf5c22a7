package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-catalog-harvester/models"
)

// CSVWriter writes records to CSV with every value quoted. Each page is
// written in one call and synced to disk before Write returns.
type CSVWriter struct {
	file *os.File
	out  io.Writer
	rows int
	mu   sync.Mutex
}

// NewCSVWriter creates filename, truncating it, and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	var header bytes.Buffer
	writeQuotedRow(&header, models.RecordHeader)
	if _, err := f.Write(header.Bytes()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync csv header: %w", err)
	}

	return &CSVWriter{
		file: f,
		out:  f,
	}, nil
}

// Write appends one page of records. On failure the file is cut back to the
// end of the previous page.
func (cw *CSVWriter) Write(page models.PageResult) error {
	_, err := cw.writePage(page)
	return err
}

// writePage appends page and returns the offset the page starts at.
func (cw *CSVWriter) writePage(page models.PageResult) (int64, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if len(page.Records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, record := range page.Records {
		writeQuotedRow(&buf, record.Values())
	}

	offset, err := appendPage(cw.file, cw.out, buf.Bytes())
	if err != nil {
		return offset, fmt.Errorf("csv: %w", err)
	}
	cw.rows += len(page.Records)
	return offset, nil
}

// revert removes a page of rows previously written at offset.
func (cw *CSVWriter) revert(offset int64, rows int) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := truncateTo(cw.file, offset); err != nil {
		return fmt.Errorf("revert csv page: %w", err)
	}
	cw.rows -= rows
	return nil
}

// Close syncs and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.file.Sync(); err != nil {
		cw.file.Close()
		return fmt.Errorf("sync csv file: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures at least one record row was written.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.rows == 0 {
		return fmt.Errorf("csv file has no records")
	}
	return nil
}

func writeQuotedRow(buf *bytes.Buffer, values []string) {
	for i, value := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(value, `"`, `""`))
		buf.WriteByte('"')
	}
	buf.WriteString("\r\n")
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file *os.File
	out  io.Writer
	rows int
	mu   sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}
	return &JSONWriter{file: f, out: f}, nil
}

// Write appends one page in JSONL format and syncs it.
func (jw *JSONWriter) Write(page models.PageResult) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if len(page.Records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range page.Records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if _, err := appendPage(jw.file, jw.out, buf.Bytes()); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	jw.rows += len(page.Records)
	return nil
}

// Close closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.rows == 0 {
		return fmt.Errorf("json file has no records")
	}
	return nil
}

// appendPage writes data at the current end of file and syncs it. On failure
// the file is cut back to the returned offset.
func appendPage(file *os.File, out io.Writer, data []byte) (int64, error) {
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("locate file end: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		return offset, rollback(file, offset, fmt.Errorf("write records: %w", err))
	}
	if err := file.Sync(); err != nil {
		return offset, rollback(file, offset, fmt.Errorf("sync records: %w", err))
	}
	return offset, nil
}

func rollback(file *os.File, offset int64, cause error) error {
	if err := truncateTo(file, offset); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// truncateTo cuts file back to offset and leaves the write position there.
func truncateTo(file *os.File, offset int64) error {
	if err := file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync truncation: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
