// Package stack stores a growable stack of equally shaped frames in one
// append-only file: a magic, a CBOR header naming the dataset, then one
// length-prefixed compressed record per frame.
package stack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tes-profile-go/internal/compression"
	"tes-profile-go/internal/ndarray"
)

const (
	magic          = "TESSTK01"
	maxRecordBytes = 1 << 30

	DefaultDataset = "/entry/averaged"
)

var (
	ErrClosed        = errors.New("stack writer is closed")
	ErrShapeMismatch = errors.New("frame does not match dataset")
	ErrBadMagic      = errors.New("not a stack file")
	ErrOutOfRange    = errors.New("frame index out of range")
)

type Header struct {
	Dataset     string        `json:"dataset"`
	DType       ndarray.DType `json:"dtype"`
	Shape       []int         `json:"shape"`
	Compression string        `json:"compression"`
	Created     string        `json:"created"`
}

type Writer struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	header Header
	count  int
}

// Create makes the parent directories and writes the header. An existing
// file is never overwritten.
func Create(path string, header Header) (*Writer, error) {
	if header.Dataset == "" {
		header.Dataset = DefaultDataset
	}
	if header.Compression == "" {
		header.Compression = compression.Zstd
	}
	if !header.DType.Valid() {
		return nil, fmt.Errorf("%w %q", ndarray.ErrUnsupportedDType, header.DType)
	}
	if len(header.Shape) == 0 {
		return nil, errors.New("stack frame shape is empty")
	}
	if _, err := compression.Compress(nil, header.Compression); err != nil {
		return nil, err
	}
	header.Created = time.Now().UTC().Format(time.RFC3339Nano)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := w.WriteString(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeRecord(w, headerBytes); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{
		path:   path,
		f:      f,
		w:      w,
		header: header,
	}, nil
}

// Append extends the leading dimension by one and returns the new frame's
// index.
func (s *Writer) Append(frame ndarray.Array) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return 0, ErrClosed
	}
	if frame.DType != s.header.DType || !sameShape(frame.Shape, s.header.Shape) {
		return 0, fmt.Errorf("%w: got %s %v, dataset %s %v",
			ErrShapeMismatch, frame.DType, frame.Shape, s.header.DType, s.header.Shape)
	}
	encoded, err := cbor.Marshal(frame)
	if err != nil {
		return 0, err
	}
	payload, err := compression.Compress(encoded, s.header.Compression)
	if err != nil {
		return 0, err
	}
	if err := writeRecord(s.w, payload); err != nil {
		return 0, err
	}
	if err := s.w.Flush(); err != nil {
		return 0, err
	}
	index := s.count
	s.count++
	return index, nil
}

func (s *Writer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Shape is the full dataset shape, leading dimension first.
func (s *Writer) Shape() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int{s.count}, s.header.Shape...)
}

func (s *Writer) Path() string {
	return s.path
}

func (s *Writer) Header() Header {
	return s.header
}

func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		s.w = nil
		return err
	}
	syncErr := s.f.Sync()
	err := s.f.Close()
	s.w = nil
	return errors.Join(syncErr, err)
}

func writeRecord(w io.Writer, payload []byte) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
