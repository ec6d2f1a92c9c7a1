//go:build hdf5

package stack

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/ndarray"
)

func TestHDF5AppendGrowsLeadingDimension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024", "05", "01", "run.h5")
	w, err := CreateFormat(FormatHDF5, path, Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	require.NoError(t, err)

	i0, err := w.Append(frame(t, 0))
	require.NoError(t, err)
	i1, err := w.Append(frame(t, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)
	assert.Equal(t, []int{2, 2, 3}, w.Shape())

	bad, err := ndarray.FromFloat64([]int{3, 2}, make([]float64, 6))
	require.NoError(t, err)
	_, err = w.Append(bad)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	require.NoError(t, w.Close())

	_, err = CreateFormat(FormatHDF5, path, Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	assert.Error(t, err)

	r, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, r.Shape())
	assert.Equal(t, DefaultDataset, r.Header().Dataset)
	got, err := r.Frame(1)
	require.NoError(t, err)
	assert.True(t, got.Equal(frame(t, 10)))
	_, err = r.Frame(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	require.NoError(t, r.Close())

	h, err := HandlerFor(SpecHDF5, dir, filepath.Join("2024", "05", "01", "run.h5"))
	require.NoError(t, err)
	defer h.Close()
	got, err = h.Datum(map[string]any{"frame": 0})
	require.NoError(t, err)
	assert.True(t, got.Equal(frame(t, 0)))
}
