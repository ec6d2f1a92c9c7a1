package persist

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/ndarray"
)

func codecs() []Codec {
	return []Codec{MsgpackCodec{}, CBORCodec{}}
}

func TestRoundTripAfterFlushAndReload(t *testing.T) {
	positions, err := ndarray.FromFloat64([]int{2, 2}, []float64{0.1, -2.5, math.Pi, 1e-12})
	require.NoError(t, err)
	counts, err := ndarray.FromUint32([]int{3}, []uint32{0, 7, math.MaxUint32})
	require.NoError(t, err)

	values := map[string]any{
		"beamline_id": "TES",
		"scan_id":     int64(42),
		"energy":      2471.5,
		"enabled":     true,
		"nothing":     nil,
		"sample": map[string]any{
			"color":     "red",
			"positions": positions,
			"tags":      []any{"a", int64(-3), 0.5},
		},
		"counts": counts,
	}

	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			d, err := Open(t.TempDir(), WithCodec(codec))
			require.NoError(t, err)

			for k, v := range values {
				require.NoError(t, d.Set(k, v))
			}
			require.NoError(t, d.Flush())
			require.NoError(t, d.Reload())

			for k, want := range values {
				got, err := d.Get(k)
				require.NoError(t, err, k)
				assertValueEqual(t, want, got)
			}
		})
	}
}

func assertValueEqual(t *testing.T, want, got any) {
	t.Helper()
	switch w := want.(type) {
	case ndarray.Array:
		g, ok := got.(ndarray.Array)
		require.True(t, ok, "got %T", got)
		assert.True(t, w.Equal(g), "got %v want %v", g, w)
	case map[string]any:
		g, ok := got.(map[string]any)
		require.True(t, ok, "got %T", got)
		require.Len(t, g, len(w))
		for k := range w {
			assertValueEqual(t, w[k], g[k])
		}
	default:
		assert.Equal(t, want, got)
	}
}

func TestSetIsDeferredUntilFlush(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, d.Set("beamline_id", "TES"))
	assert.Equal(t, []string{"beamline_id"}, d.Dirty())
	_, err = os.Stat(filepath.Join(dir, "beamline_id"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "file written before flush")

	got, err := d.Get("beamline_id")
	require.NoError(t, err)
	assert.Equal(t, "TES", got)

	require.NoError(t, d.Flush())
	assert.Empty(t, d.Dirty())
	_, err = os.Stat(filepath.Join(dir, "beamline_id"))
	assert.NoError(t, err)
}

func TestWriteThrough(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithWriteThrough())
	require.NoError(t, err)

	require.NoError(t, d.Set("proposal", map[string]any{"id": int64(3141)}))
	other, err := Open(dir)
	require.NoError(t, err)
	got, err := other.Get("proposal")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(3141)}, got)
}

func TestDeleteRemovesFromCacheAndStorage(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Set("operator", "xf08bm"))
	require.NoError(t, d.Flush())

	require.NoError(t, d.Delete("operator"))

	_, err = d.Get("operator")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, "operator"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, d.Reload())
	_, err = d.Get("operator")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, d.Delete("operator"), ErrNotFound)
}

func TestDeleteUnflushedKey(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Set("pending", 1.0))
	require.NoError(t, d.Delete("pending"))
	_, err = d.Get("pending")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncodeFailureDoesNotAffectOtherKeys(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, d.Set("good", "value"))
	require.NoError(t, d.Set("bad", make(chan int)))

	err = d.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
	assert.Equal(t, []string{"bad"}, d.Dirty())

	other, err := Open(dir)
	require.NoError(t, err)
	got, err := other.Get("good")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
	_, err = other.Get("bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReloadDiscardsUnflushedChanges(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Set("kept", "yes"))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set("lost", "yes"))

	require.NoError(t, d.Reload())
	assert.Equal(t, []string{"kept"}, d.Keys())
}

func TestFlushPersistsNestedMutation(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Set("sample", map[string]any{"color": "red"}))
	require.NoError(t, d.Flush())

	value, err := d.Get("sample")
	require.NoError(t, err)
	value.(map[string]any)["shape"] = "bar"
	require.NoError(t, d.Flush())

	other, err := Open(dir)
	require.NoError(t, err)
	got, err := other.Get("sample")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "red", "shape": "bar"}, got)
}

func TestSessionFlushesOnError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("plan failed")
	err := Session(dir, func(d *Dict) error {
		if err := d.Set("scan_id", int64(7)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	d, err := Open(dir)
	require.NoError(t, err)
	got, err := d.Get("scan_id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestSessionFlushesOnPanic(t *testing.T) {
	dir := t.TempDir()
	assert.Panics(t, func() {
		_ = Session(dir, func(d *Dict) error {
			_ = d.Set("beamline_id", "TES")
			panic("interrupted")
		})
	})

	d, err := Open(dir)
	require.NoError(t, err)
	got, err := d.Get("beamline_id")
	require.NoError(t, err)
	assert.Equal(t, "TES", got)
}

func TestClosedDictRejectsOperations(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.Set("k", "v"), ErrClosed)
	_, err = d.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKeysAreQuotedOnDisk(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Set("detectors/picam name", "x"))
	require.NoError(t, d.Flush())

	_, err = os.Stat(filepath.Join(dir, "detectors%2Fpicam%20name"))
	require.NoError(t, err)

	other, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"detectors/picam name"}, other.Keys())
}

func TestInvalidKeys(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", ".", "..", ".tmp"} {
		assert.ErrorIs(t, d.Set(key, 1), ErrInvalidKey, key)
		_, err := d.Get(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
		assert.ErrorIs(t, d.Delete(key), ErrInvalidKey, key)
	}
	info, err := os.Stat(d.Directory())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCorruptFileReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"), []byte{0xc1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fine"), mustMarshal(t, "ok"), 0o644))

	d, err := Open(dir)
	require.Error(t, err)
	require.NotNil(t, d)
	got, err := d.Get("fine")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()
	data, err := MsgpackCodec{}.Marshal(value)
	require.NoError(t, err)
	return data
}
