package persist

import (
	"bytes"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"tes-profile-go/internal/ndarray"
)

// Codec serializes one metadata value per file.
type Codec interface {
	Name() string
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// MsgpackCodec writes msgpack with numpy arrays in the msgpack-numpy layout.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := ndarray.EncodeMsgpackValue(enc, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte) (any, error) {
	return ndarray.DecodeMsgpackValue(msgpack.NewDecoder(bytes.NewReader(data)))
}

// CBORCodec writes canonical CBOR with arrays as RFC 8746 typed arrays.
type CBORCodec struct{}

var cborEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(value any) ([]byte, error) {
	return cborEncMode.Marshal(value)
}

func (CBORCodec) Unmarshal(data []byte) (any, error) {
	var value any
	if err := ndarray.DecMode.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return liftCBOR(value)
}

// liftCBOR turns array tags back into ndarray.Array and narrows CBOR's
// unsigned integers to int64 so both codecs hand back the same shapes.
func liftCBOR(value any) (any, error) {
	switch v := value.(type) {
	case cbor.Tag:
		if ndarray.IsCBORArray(v) {
			return ndarray.FromCBOR(v)
		}
		return v, nil
	case map[string]any:
		for k, item := range v {
			lifted, err := liftCBOR(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			v[k] = lifted
		}
		return v, nil
	case []any:
		for i, item := range v {
			lifted, err := liftCBOR(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			v[i] = lifted
		}
		return v, nil
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil
	default:
		return v, nil
	}
}
