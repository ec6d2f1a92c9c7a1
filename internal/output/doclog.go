// Package output writes run documents to local files: an append-only CBOR
// document log and helpers to print its records as JSON.
package output

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tes-profile-go/internal/docs"
)

const docLogMagic = "TESDOC01"

var ErrBadMagic = errors.New("not a document log")

// DocLogWriter appends one record per document: an 8-byte unix-nano
// timestamp, a 4-byte length and the CBOR-encoded envelope.
type DocLogWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func NewDocLogWriter(outputDir string, prefix string) (*DocLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.docs", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(docLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &DocLogWriter{
		path: filename,
		f:    f,
		w:    w,
	}, nil
}

func (r *DocLogWriter) Path() string {
	return r.path
}

func (r *DocLogWriter) Emit(_ context.Context, env docs.Envelope) error {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	return r.Record(payload)
}

func (r *DocLogWriter) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("document log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *DocLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// Record is one decoded document log entry.
type Record struct {
	Time time.Time
	Name string
	Doc  any
}

type DocLogReader struct {
	r     io.Reader
	count int
}

func NewDocLogReader(r io.Reader) (*DocLogReader, error) {
	header := make([]byte, len(docLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != docLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(header))
	}
	return &DocLogReader{r: r}, nil
}

// Next returns io.EOF after the last complete record.
func (d *DocLogReader) Next() (Record, error) {
	var meta [12]byte
	if _, err := io.ReadFull(d.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	d.count++

	var env struct {
		Name string `cbor:"name"`
		Doc  any    `cbor:"doc"`
	}
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Record{}, fmt.Errorf("record %d: %w", d.count-1, err)
	}
	return Record{Time: time.Unix(0, ts), Name: env.Name, Doc: env.Doc}, nil
}
