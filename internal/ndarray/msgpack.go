package ndarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// msgpack-numpy keys are written as bin, not str.
var (
	keyND    = []byte("nd")
	keyType  = []byte("type")
	keyKind  = []byte("kind")
	keyShape = []byte("shape")
	keyData  = []byte("data")
)

// EncodeMsgpack writes the msgpack-numpy ndarray map.
func (a Array) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !a.DType.Valid() {
		return fmt.Errorf("%w %q", ErrUnsupportedDType, a.DType)
	}
	if err := enc.EncodeMapLen(5); err != nil {
		return err
	}
	if err := enc.EncodeBytes(keyND); err != nil {
		return err
	}
	if err := enc.EncodeBool(true); err != nil {
		return err
	}
	if err := enc.EncodeBytes(keyType); err != nil {
		return err
	}
	if err := enc.EncodeString(string(a.DType)); err != nil {
		return err
	}
	if err := enc.EncodeBytes(keyKind); err != nil {
		return err
	}
	if err := enc.EncodeBytes([]byte{}); err != nil {
		return err
	}
	if err := enc.EncodeBytes(keyShape); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Shape)); err != nil {
		return err
	}
	for _, dim := range a.Shape {
		if err := enc.EncodeInt(int64(dim)); err != nil {
			return err
		}
	}
	if err := enc.EncodeBytes(keyData); err != nil {
		return err
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}
	return enc.EncodeBytes(data)
}

func (a *Array) DecodeMsgpack(dec *msgpack.Decoder) error {
	value, err := DecodeMsgpackValue(dec)
	if err != nil {
		return err
	}
	arr, ok := value.(Array)
	if !ok {
		return fmt.Errorf("expected msgpack-numpy array, got %T", value)
	}
	*a = arr
	return nil
}

// EncodeMsgpackValue writes a generic metadata value. Map keys are sorted so
// that identical values produce identical files.
func EncodeMsgpackValue(enc *msgpack.Encoder, value any) error {
	switch v := value.(type) {
	case Array:
		return v.EncodeMsgpack(enc)
	case *Array:
		return v.EncodeMsgpack(enc)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := enc.EncodeMapLen(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := EncodeMsgpackValue(enc, v[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for i, item := range v {
			if err := EncodeMsgpackValue(enc, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return enc.Encode(v)
	}
}

// DecodeMsgpackValue decodes a generic value: maps become map[string]any
// (bin keys included), msgpack-numpy maps become Array or a scalar.
func DecodeMsgpackValue(dec *msgpack.Decoder) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			rawKey, err := DecodeMsgpackValue(dec)
			if err != nil {
				return nil, err
			}
			value, err := DecodeMsgpackValue(dec)
			if err != nil {
				return nil, err
			}
			m[keyString(rawKey)] = value
		}
		if decoded, ok, err := FromNumpyMap(m); ok || err != nil {
			return decoded, err
		}
		return m, nil
	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		list := make([]any, n)
		for i := range list {
			if list[i], err = DecodeMsgpackValue(dec); err != nil {
				return nil, err
			}
		}
		return list, nil
	default:
		return dec.DecodeInterfaceLoose()
	}
}

func keyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	default:
		return fmt.Sprint(k)
	}
}

// FromNumpyMap recognizes the msgpack-numpy layout. ok is false for ordinary
// maps.
func FromNumpyMap(m map[string]any) (any, bool, error) {
	nd, ok := m["nd"].(bool)
	if !ok {
		return nil, false, nil
	}
	dtypeRaw, _ := m["type"].(string)
	if b, isBytes := m["type"].([]byte); isBytes {
		dtypeRaw = string(b)
	}
	dtype := DType(dtypeRaw)
	data, ok := m["data"].([]byte)
	if !ok {
		return nil, true, errors.New("msgpack-numpy value without data")
	}
	if !nd {
		scalar, err := numpyScalar(dtype, data)
		return scalar, true, err
	}
	if kind, _ := m["kind"].([]byte); len(kind) > 0 {
		return nil, true, fmt.Errorf("%w: structured kind %q", ErrUnsupportedDType, kind)
	}
	shapeRaw, ok := m["shape"].([]any)
	if !ok {
		return nil, true, errors.New("msgpack-numpy array without shape")
	}
	shape := make([]int, len(shapeRaw))
	for i, raw := range shapeRaw {
		dim, err := toInt(raw)
		if err != nil {
			return nil, true, err
		}
		shape[i] = dim
	}
	arr, err := New(dtype, shape, append([]byte(nil), data...))
	return arr, true, err
}

func numpyScalar(dtype DType, data []byte) (any, error) {
	if dtype.ItemSize() != len(data) {
		return nil, fmt.Errorf("%w: scalar %s with %d bytes", ErrShape, dtype, len(data))
	}
	switch dtype {
	case Uint8:
		return uint64(data[0]), nil
	case Int8:
		return int64(int8(data[0])), nil
	case Uint16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case Uint32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case Uint64:
		return binary.LittleEndian.Uint64(data), nil
	case Int64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDType, dtype)
	}
}
