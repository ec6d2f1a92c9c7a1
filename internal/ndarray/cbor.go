package ndarray

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16BE      = 65
	tagUint32BE      = 66
	tagUint64BE      = 67
	tagUint8Clamped  = 68
	tagUint16LE      = 69
	tagUint32LE      = 70
	tagUint64LE      = 71
	tagInt8          = 72
	tagInt16BE       = 73
	tagInt32BE       = 74
	tagInt64BE       = 75
	tagInt16LE       = 77
	tagInt32LE       = 78
	tagInt64LE       = 79
	tagFloat32BE     = 81
	tagFloat64BE     = 82
	tagFloat32LE     = 85
	tagFloat64LE     = 86
)

type typedTag struct {
	dtype     DType
	bigEndian bool
}

var typedTags = map[uint64]typedTag{
	tagUint8:        {Uint8, false},
	tagUint8Clamped: {Uint8, false},
	tagInt8:         {Int8, false},
	tagUint16BE:     {Uint16, true},
	tagUint32BE:     {Uint32, true},
	tagUint64BE:     {Uint64, true},
	tagInt16BE:      {Int16, true},
	tagInt32BE:      {Int32, true},
	tagInt64BE:      {Int64, true},
	tagFloat32BE:    {Float32, true},
	tagFloat64BE:    {Float64, true},
	tagUint16LE:     {Uint16, false},
	tagUint32LE:     {Uint32, false},
	tagUint64LE:     {Uint64, false},
	tagInt16LE:      {Int16, false},
	tagInt32LE:      {Int32, false},
	tagInt64LE:      {Int64, false},
	tagFloat32LE:    {Float32, false},
	tagFloat64LE:    {Float64, false},
}

var littleEndianTags = map[DType]uint64{
	Uint8:   tagUint8,
	Int8:    tagInt8,
	Uint16:  tagUint16LE,
	Int16:   tagInt16LE,
	Uint32:  tagUint32LE,
	Int32:   tagInt32LE,
	Uint64:  tagUint64LE,
	Int64:   tagInt64LE,
	Float32: tagFloat32LE,
	Float64: tagFloat64LE,
}

// DecMode decodes nested maps as map[string]any so documents and metadata
// values keep JSON-friendly shapes.
var DecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// MarshalCBOR always writes a tag 40 multi-dimensional array so the shape
// survives, even for 1-D data.
func (a Array) MarshalCBOR() ([]byte, error) {
	tag, ok := littleEndianTags[a.DType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDType, a.DType)
	}
	shape := a.Shape
	if shape == nil {
		shape = []int{}
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}
	return cbor.Marshal(cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			shape,
			cbor.Tag{Number: tag, Content: data},
		},
	})
}

func (a *Array) UnmarshalCBOR(data []byte) error {
	var value any
	if err := DecMode.Unmarshal(data, &value); err != nil {
		return err
	}
	decoded, err := FromCBOR(value)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// IsCBORArray reports whether a generically decoded CBOR value is a typed
// array or a multi-dimensional array tag.
func IsCBORArray(value any) bool {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return false
	}
	if tag.Number == tagMultiDimArray {
		return true
	}
	_, ok = typedTags[tag.Number]
	return ok
}

// FromCBOR converts a generically decoded CBOR tag into an Array.
func FromCBOR(value any) (Array, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return Array{}, fmt.Errorf("expected CBOR tag, got %T", value)
	}
	if tag.Number != tagMultiDimArray {
		dtype, data, err := decodeTypedArray(tag)
		if err != nil {
			return Array{}, err
		}
		return New(dtype, []int{len(data) / dtype.ItemSize()}, data)
	}
	return decodeMultiDimArray(tag)
}

func decodeMultiDimArray(tag cbor.Tag) (Array, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return Array{}, errors.New("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok {
		return Array{}, errors.New("invalid multidim dimensions")
	}
	shape := make([]int, len(dimsRaw))
	for i, raw := range dimsRaw {
		dim, err := toInt(raw)
		if err != nil {
			return Array{}, err
		}
		shape[i] = dim
	}

	inner, ok := items[1].(cbor.Tag)
	if !ok {
		return Array{}, fmt.Errorf("expected typed array tag, got %T", items[1])
	}
	dtype, data, err := decodeTypedArray(inner)
	if err != nil {
		return Array{}, err
	}
	return New(dtype, shape, data)
}

func decodeTypedArray(tag cbor.Tag) (DType, []byte, error) {
	info, ok := typedTags[tag.Number]
	if !ok {
		return "", nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	dataBytes, err := extractBytes(tag)
	if err != nil {
		return "", nil, err
	}
	size := info.dtype.ItemSize()
	if len(dataBytes)%size != 0 {
		return "", nil, fmt.Errorf("typed array length %d is not a multiple of %d", len(dataBytes), size)
	}
	if info.bigEndian {
		dataBytes = swapBytes(dataBytes, size)
	}
	return info.dtype, dataBytes, nil
}

func extractBytes(tag cbor.Tag) ([]byte, error) {
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		return nil, fmt.Errorf("unsupported nested tag %d", v.Number)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func swapBytes(data []byte, size int) []byte {
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += size {
		for j := 0; j < size; j++ {
			out[i+j] = data[i+size-1-j]
		}
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
