package stack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/compression"
	"tes-profile-go/internal/ndarray"
)

func frame(t *testing.T, value float64) ndarray.Array {
	t.Helper()
	values := make([]float64, 6)
	for i := range values {
		values[i] = value + float64(i)
	}
	arr, err := ndarray.FromFloat64([]int{2, 3}, values)
	require.NoError(t, err)
	return arr
}

func TestAppendGrowsLeadingDimension(t *testing.T) {
	for _, alg := range []string{compression.Zstd, compression.S2, compression.None} {
		t.Run(alg, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "2024", "05", "01", "run.stack")
			w, err := Create(path, Header{DType: ndarray.Float64, Shape: []int{2, 3}, Compression: alg})
			require.NoError(t, err)

			i0, err := w.Append(frame(t, 0))
			require.NoError(t, err)
			i1, err := w.Append(frame(t, 10))
			require.NoError(t, err)
			assert.Equal(t, 0, i0)
			assert.Equal(t, 1, i1)
			assert.Equal(t, []int{2, 2, 3}, w.Shape())
			require.NoError(t, w.Close())

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, DefaultDataset, r.Header().Dataset)
			assert.Equal(t, []int{2, 2, 3}, r.Shape())

			got, err := r.Frame(1)
			require.NoError(t, err)
			assert.True(t, got.Equal(frame(t, 10)))

			all, err := r.All()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.True(t, all[0].Equal(frame(t, 0)))
		})
	}
}

func TestAppendRejectsWrongShape(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.stack"), Header{DType: ndarray.Float64, Shape: []int{3, 2}})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(frame(t, 0))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Zero(t, w.Len())
}

func TestAppendAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.stack"), Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.Append(frame(t, 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCreateDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.stack")
	w, err := Create(path, Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Create(path, Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	assert.Error(t, err)
}

func TestTruncatedRecordIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.stack")
	w, err := Create(path, Header{DType: ndarray.Float64, Shape: []int{2, 3}, Compression: compression.None})
	require.NoError(t, err)
	_, err = w.Append(frame(t, 0))
	require.NoError(t, err)
	_, err = w.Append(frame(t, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 1, r.Len())
	_, err = r.Frame(1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestHandlerDatum(t *testing.T) {
	root := t.TempDir()
	w, err := Create(filepath.Join(root, "2024/05/01/a.stack"), Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(frame(t, float64(i*100)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	h, err := NewHandler(root, "2024/05/01/a.stack")
	require.NoError(t, err)
	defer h.Close()

	got, err := h.Datum(map[string]any{"frame": int64(2)})
	require.NoError(t, err)
	assert.True(t, got.Equal(frame(t, 200)))

	_, err = h.Datum(map[string]any{})
	assert.Error(t, err)
}

func TestOpenRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("STXMRAW1...."), 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}
