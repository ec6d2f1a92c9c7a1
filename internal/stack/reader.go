package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"tes-profile-go/internal/compression"
	"tes-profile-go/internal/ndarray"
)

// Spec is the resource spec that points a datum at a stack file.
const Spec = "VIDEO_STREAM_STACK"

type record struct {
	offset int64
	size   uint32
}

type Reader struct {
	mu      sync.Mutex
	f       *os.File
	header  Header
	records []record
}

// Open indexes every complete frame record. A record cut short by a crash is
// ignored rather than reported.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f}
	if err := r.index(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) index() error {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r.f, head); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(head) != magic {
		return fmt.Errorf("%w: magic %q", ErrBadMagic, string(head))
	}

	offset := int64(len(magic))
	first := true
	for {
		var meta [4]byte
		if _, err := io.ReadFull(r.f, meta[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return err
		}
		size := binary.LittleEndian.Uint32(meta[:])
		if size > maxRecordBytes {
			return fmt.Errorf("record at %d too large: %d bytes", offset, size)
		}
		offset += 4
		if first {
			payload := make([]byte, size)
			if _, err := io.ReadFull(r.f, payload); err != nil {
				return fmt.Errorf("read header: %w", err)
			}
			if err := cbor.Unmarshal(payload, &r.header); err != nil {
				return fmt.Errorf("decode header: %w", err)
			}
			first = false
		} else {
			end, err := r.f.Seek(int64(size), io.SeekCurrent)
			if err != nil {
				return err
			}
			info, err := r.f.Stat()
			if err != nil {
				return err
			}
			if end > info.Size() {
				break
			}
			r.records = append(r.records, record{offset: offset, size: size})
		}
		offset += int64(size)
	}
	if first {
		return errors.New("missing header")
	}
	return nil
}

func (r *Reader) Header() Header {
	return r.header
}

func (r *Reader) Len() int {
	return len(r.records)
}

// Shape is the full dataset shape, leading dimension first.
func (r *Reader) Shape() []int {
	return append([]int{len(r.records)}, r.header.Shape...)
}

func (r *Reader) Frame(i int) (ndarray.Array, error) {
	if i < 0 || i >= len(r.records) {
		return ndarray.Array{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(r.records))
	}
	rec := r.records[i]
	payload := make([]byte, rec.size)
	r.mu.Lock()
	_, err := r.f.ReadAt(payload, rec.offset)
	r.mu.Unlock()
	if err != nil {
		return ndarray.Array{}, fmt.Errorf("read frame %d: %w", i, err)
	}
	encoded, err := compression.Decompress(payload, r.header.Compression)
	if err != nil {
		return ndarray.Array{}, fmt.Errorf("decompress frame %d: %w", i, err)
	}
	var frame ndarray.Array
	if err := cbor.Unmarshal(encoded, &frame); err != nil {
		return ndarray.Array{}, fmt.Errorf("decode frame %d: %w", i, err)
	}
	return frame, nil
}

func (r *Reader) All() ([]ndarray.Array, error) {
	out := make([]ndarray.Array, 0, len(r.records))
	for i := range r.records {
		frame, err := r.Frame(i)
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Handler resolves datums of a VIDEO_STREAM_STACK or VIDEO_STREAM_HDF5
// resource.
type Handler struct {
	reader FrameReader
}

func NewHandler(root, resourcePath string) (*Handler, error) {
	reader, err := Open(filepath.Join(root, resourcePath))
	if err != nil {
		return nil, err
	}
	return &Handler{reader: reader}, nil
}

func NewHDF5Handler(root, resourcePath string) (*Handler, error) {
	reader, err := OpenHDF5(filepath.Join(root, resourcePath))
	if err != nil {
		return nil, err
	}
	return &Handler{reader: reader}, nil
}

// HandlerFor picks the handler registered for a resource spec.
func HandlerFor(spec, root, resourcePath string) (*Handler, error) {
	switch spec {
	case Spec:
		return NewHandler(root, resourcePath)
	case SpecHDF5:
		return NewHDF5Handler(root, resourcePath)
	default:
		return nil, fmt.Errorf("no handler for resource spec %q", spec)
	}
}

// Datum returns the frame named by datum kwargs {"frame": n}.
func (h *Handler) Datum(kwargs map[string]any) (ndarray.Array, error) {
	raw, ok := kwargs["frame"]
	if !ok {
		return ndarray.Array{}, errors.New("datum kwargs missing frame")
	}
	index, err := frameIndex(raw)
	if err != nil {
		return ndarray.Array{}, err
	}
	return h.reader.Frame(index)
}

func (h *Handler) Close() error {
	return h.reader.Close()
}

func frameIndex(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported frame index type %T", v)
	}
}
