//go:build !hdf5

package stack

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"tes-profile-go/internal/ndarray"
)

func TestHDF5NeedsBuildTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.h5")
	_, err := CreateFormat(FormatHDF5, path, Header{DType: ndarray.Float64, Shape: []int{2, 3}})
	assert.ErrorIs(t, err, ErrHDF5Unavailable)
	_, err = OpenFile(path)
	assert.ErrorIs(t, err, ErrHDF5Unavailable)
}
