package stack

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"tes-profile-go/internal/ndarray"
)

// On-disk formats for the averaged dataset.
const (
	FormatStack = "stack"
	FormatHDF5  = "hdf5"

	// SpecHDF5 is the resource spec for the HDF5 variant of the dataset.
	SpecHDF5 = "VIDEO_STREAM_HDF5"
)

var ErrHDF5Unavailable = errors.New("hdf5 support not enabled; build with -tags hdf5")

// FrameWriter appends frames to one dataset file.
type FrameWriter interface {
	Append(frame ndarray.Array) (int, error)
	Len() int
	Shape() []int
	Path() string
	Header() Header
	Close() error
}

// FrameReader gives random access to the frames of one dataset file.
type FrameReader interface {
	Len() int
	Shape() []int
	Header() Header
	Frame(i int) (ndarray.Array, error)
	Close() error
}

var (
	_ FrameWriter = (*Writer)(nil)
	_ FrameReader = (*Reader)(nil)
)

func normalizeFormat(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", FormatStack:
		return FormatStack, nil
	case FormatHDF5, "h5":
		return FormatHDF5, nil
	default:
		return "", fmt.Errorf("unsupported dataset format %q", format)
	}
}

// ValidFormat reports whether format names a known dataset format.
func ValidFormat(format string) bool {
	_, err := normalizeFormat(format)
	return err == nil
}

// SpecFor returns the resource spec and file extension of format.
func SpecFor(format string) (spec, ext string, err error) {
	f, err := normalizeFormat(format)
	if err != nil {
		return "", "", err
	}
	if f == FormatHDF5 {
		return SpecHDF5, ".h5", nil
	}
	return Spec, ".stack", nil
}

// CreateFormat creates a dataset file in the given format.
func CreateFormat(format, path string, header Header) (FrameWriter, error) {
	f, err := normalizeFormat(format)
	if err != nil {
		return nil, err
	}
	if f == FormatHDF5 {
		return CreateHDF5(path, header)
	}
	return Create(path, header)
}

// OpenFile opens a dataset file, picking the format from its extension.
func OpenFile(path string) (FrameReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h5", ".hdf5":
		return OpenHDF5(path)
	default:
		return Open(path)
	}
}
