//go:build hdf5

package stack

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/hdf5"

	"tes-profile-go/internal/ndarray"
)

// H5S_UNLIMITED
const unlimited = ^uint(0)

const deflateLevel = 6

// HDF5Writer grows a chunked, deflate-compressed float64 dataset along its
// leading axis, one frame per Append.
type HDF5Writer struct {
	mu     sync.Mutex
	path   string
	file   *hdf5.File
	group  *hdf5.Group
	dset   *hdf5.Dataset
	header Header
	count  int
}

// CreateHDF5 creates the file and an empty dataset of shape (0, H, W). An
// existing file is never overwritten.
func CreateHDF5(filePath string, header Header) (FrameWriter, error) {
	if header.Dataset == "" {
		header.Dataset = DefaultDataset
	}
	if header.DType == "" {
		header.DType = ndarray.Float64
	}
	if header.DType != ndarray.Float64 {
		return nil, fmt.Errorf("%w %q: hdf5 datasets are float64", ndarray.ErrUnsupportedDType, header.DType)
	}
	if len(header.Shape) == 0 {
		return nil, errors.New("stack frame shape is empty")
	}
	header.Compression = "deflate"
	header.Created = time.Now().UTC().Format(time.RFC3339Nano)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	f, err := hdf5.CreateFile(filePath, hdf5.F_ACC_EXCL)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filePath, err)
	}
	w := &HDF5Writer{path: filePath, file: f, header: header}
	if err := w.createDataset(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (w *HDF5Writer) createDataset() error {
	groupName, name := path.Split(strings.TrimPrefix(w.header.Dataset, "/"))
	groupName = strings.TrimSuffix(groupName, "/")
	if groupName == "" || strings.Contains(groupName, "/") {
		return fmt.Errorf("dataset %q must be /<group>/<name>", w.header.Dataset)
	}
	group, err := w.file.CreateGroup(groupName)
	if err != nil {
		return fmt.Errorf("create group %s: %w", groupName, err)
	}
	w.group = group

	dims := []uint{0}
	maxDims := []uint{unlimited}
	chunk := []uint{1}
	for _, n := range w.header.Shape {
		dims = append(dims, uint(n))
		maxDims = append(maxDims, uint(n))
		chunk = append(chunk, uint(n))
	}
	space, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return err
	}
	defer space.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return err
	}
	defer plist.Close()
	if err := plist.SetChunk(chunk); err != nil {
		return fmt.Errorf("set chunk: %w", err)
	}
	if err := plist.SetDeflate(deflateLevel); err != nil {
		return fmt.Errorf("set deflate: %w", err)
	}

	dset, err := group.CreateDatasetWith(name, hdf5.T_NATIVE_DOUBLE, space, plist)
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", w.header.Dataset, err)
	}
	w.dset = dset
	return nil
}

func (w *HDF5Writer) Append(frame ndarray.Array) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dset == nil {
		return 0, ErrClosed
	}
	if frame.DType != w.header.DType || !sameShape(frame.Shape, w.header.Shape) {
		return 0, fmt.Errorf("%w: got %s %v, dataset %s %v",
			ErrShapeMismatch, frame.DType, frame.Shape, w.header.DType, w.header.Shape)
	}
	values, err := frame.Float64s()
	if err != nil {
		return 0, err
	}

	index := w.count
	full := append([]uint{uint(index + 1)}, toUint(w.header.Shape)...)
	if err := w.dset.Resize(full); err != nil {
		return 0, fmt.Errorf("resize dataset: %w", err)
	}
	filespace := w.dset.Space()
	defer filespace.Close()
	offset := make([]uint, len(full))
	offset[0] = uint(index)
	count := append([]uint{1}, toUint(w.header.Shape)...)
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return 0, err
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return 0, err
	}
	defer memspace.Close()
	if err := w.dset.WriteSubset(&values, memspace, filespace); err != nil {
		return 0, fmt.Errorf("write frame %d: %w", index, err)
	}
	if err := w.file.Flush(hdf5.F_SCOPE_GLOBAL); err != nil {
		return 0, err
	}
	w.count++
	return index, nil
}

func (w *HDF5Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *HDF5Writer) Shape() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int{w.count}, w.header.Shape...)
}

func (w *HDF5Writer) Path() string {
	return w.path
}

func (w *HDF5Writer) Header() Header {
	return w.header
}

func (w *HDF5Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var errs []error
	if w.dset != nil {
		errs = append(errs, w.dset.Close())
		w.dset = nil
	}
	if w.group != nil {
		errs = append(errs, w.group.Close())
		w.group = nil
	}
	errs = append(errs, w.file.Close())
	w.file = nil
	return errors.Join(errs...)
}

type HDF5Reader struct {
	mu     sync.Mutex
	file   *hdf5.File
	dset   *hdf5.Dataset
	header Header
	count  int
}

// OpenHDF5 opens the averaged dataset of an HDF5 file read-only.
func OpenHDF5(filePath string) (FrameReader, error) {
	f, err := hdf5.OpenFile(filePath, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	dset, err := f.OpenDataset(DefaultDataset)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	_ = space.Close()
	if err != nil || len(dims) < 2 {
		_ = dset.Close()
		_ = f.Close()
		return nil, fmt.Errorf("%s: dataset %s has no frame axis", filePath, DefaultDataset)
	}
	shape := make([]int, len(dims)-1)
	for i, n := range dims[1:] {
		shape[i] = int(n)
	}
	return &HDF5Reader{
		file: f,
		dset: dset,
		header: Header{
			Dataset:     DefaultDataset,
			DType:       ndarray.Float64,
			Shape:       shape,
			Compression: "deflate",
		},
		count: int(dims[0]),
	}, nil
}

func (r *HDF5Reader) Len() int {
	return r.count
}

func (r *HDF5Reader) Shape() []int {
	return append([]int{r.count}, r.header.Shape...)
}

func (r *HDF5Reader) Header() Header {
	return r.header
}

func (r *HDF5Reader) Frame(i int) (ndarray.Array, error) {
	if i < 0 || i >= r.count {
		return ndarray.Array{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, r.count)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	frameDims := toUint(r.header.Shape)
	count := append([]uint{1}, frameDims...)
	offset := make([]uint, len(count))
	offset[0] = uint(i)

	filespace := r.dset.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return ndarray.Array{}, err
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return ndarray.Array{}, err
	}
	defer memspace.Close()

	n := 1
	for _, d := range r.header.Shape {
		n *= d
	}
	values := make([]float64, n)
	if err := r.dset.ReadSubset(&values, memspace, filespace); err != nil {
		return ndarray.Array{}, fmt.Errorf("read frame %d: %w", i, err)
	}
	return ndarray.FromFloat64(r.header.Shape, values)
}

func (r *HDF5Reader) Close() error {
	return errors.Join(r.dset.Close(), r.file.Close())
}

func toUint(shape []int) []uint {
	out := make([]uint, len(shape))
	for i, n := range shape {
		out[i] = uint(n)
	}
	return out
}
