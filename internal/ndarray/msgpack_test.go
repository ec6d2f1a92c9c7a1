package ndarray

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMsgpackArrayRoundTrip(t *testing.T) {
	arr, err := FromUint16([]int{2, 2}, []uint16{1, 2, 65535, 4})
	require.NoError(t, err)

	payload, err := msgpack.Marshal(arr)
	require.NoError(t, err)

	var got Array
	require.NoError(t, msgpack.Unmarshal(payload, &got))
	assert.True(t, got.Equal(arr), "got %v want %v", got, arr)
}

func TestMsgpackNestedValue(t *testing.T) {
	arr, err := FromFloat64([]int{3}, []float64{0.5, 1.5, 2.5})
	require.NoError(t, err)
	value := map[string]any{
		"sample": map[string]any{"color": "red", "positions": arr},
		"scan":   []any{int64(1), "two", 3.0},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeMsgpackValue(msgpack.NewEncoder(&buf), value))

	decoded, err := DecodeMsgpackValue(msgpack.NewDecoder(&buf))
	require.NoError(t, err)

	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	sample := m["sample"].(map[string]any)
	assert.Equal(t, "red", sample["color"])
	positions, ok := sample["positions"].(Array)
	require.True(t, ok, "positions decoded as %T", sample["positions"])
	assert.True(t, positions.Equal(arr))
	assert.Equal(t, []any{int64(1), "two", 3.0}, m["scan"])
}

func TestMsgpackNumpyScalar(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(3))
	require.NoError(t, enc.EncodeBytes(keyND))
	require.NoError(t, enc.EncodeBool(false))
	require.NoError(t, enc.EncodeBytes(keyType))
	require.NoError(t, enc.EncodeString("<i4"))
	require.NoError(t, enc.EncodeBytes(keyData))
	require.NoError(t, enc.EncodeBytes([]byte{0xfe, 0xff, 0xff, 0xff}))

	decoded, err := DecodeMsgpackValue(msgpack.NewDecoder(&buf))
	require.NoError(t, err)
	assert.Equal(t, int64(-2), decoded)
}

func TestToFloat64(t *testing.T) {
	got, ok := ToFloat64([][]uint8{{1, 2}, {3, 4}})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)

	got, ok = ToFloat64([]any{uint64(7), 1.5, int64(-1)})
	require.True(t, ok)
	assert.Equal(t, []float64{7, 1.5, -1}, got)

	_, ok = ToFloat64("not numeric")
	assert.False(t, ok)
}
