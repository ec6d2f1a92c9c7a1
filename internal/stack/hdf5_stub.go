//go:build !hdf5

package stack

func CreateHDF5(_ string, _ Header) (FrameWriter, error) {
	return nil, ErrHDF5Unavailable
}

func OpenHDF5(_ string) (FrameReader, error) {
	return nil, ErrHDF5Unavailable
}
