package ndarray

import (
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestDecodeMultiDimArrayUint8(t *testing.T) {
	value := cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{2, 2},
			cbor.Tag{
				Number:  tagUint8,
				Content: []byte{1, 2, 3, 4},
			},
		},
	}

	payload, err := cbor.Marshal(value)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var got Array
	if err := cbor.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	want := Array{DType: Uint8, Shape: []int{2, 2}, Data: []byte{1, 2, 3, 4}}
	if !got.Equal(want) {
		t.Fatalf("decode mismatch: got %v want %v", got, want)
	}
}

func TestCBORRoundTripFloat64(t *testing.T) {
	arr, err := FromFloat64([]int{2, 3}, []float64{0, 1.5, -2, 3.25, 1e9, 7})
	if err != nil {
		t.Fatalf("FromFloat64: %v", err)
	}
	payload, err := cbor.Marshal(map[string]any{"frame": arr})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := DecMode.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !IsCBORArray(decoded["frame"]) {
		t.Fatalf("frame is not an array tag: %T", decoded["frame"])
	}
	got, err := FromCBOR(decoded["frame"])
	if err != nil {
		t.Fatalf("FromCBOR: %v", err)
	}
	if !got.Equal(arr) {
		t.Fatalf("round trip mismatch: got %v want %v", got, arr)
	}
}

func TestDecodeBigEndianTypedArray(t *testing.T) {
	value := cbor.Tag{Number: tagUint16BE, Content: []byte{0x01, 0x02, 0x00, 0xff}}
	got, err := FromCBOR(value)
	if err != nil {
		t.Fatalf("FromCBOR: %v", err)
	}
	values, err := got.Float64s()
	if err != nil {
		t.Fatalf("Float64s: %v", err)
	}
	if !reflect.DeepEqual(values, []float64{0x0102, 0x00ff}) {
		t.Fatalf("unexpected values %v", values)
	}
	if !reflect.DeepEqual(got.Shape, []int{2}) {
		t.Fatalf("unexpected shape %v", got.Shape)
	}
}

func TestDecodeDimensionMismatch(t *testing.T) {
	value := cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{3, 3},
			cbor.Tag{Number: tagUint8, Content: []byte{1, 2}},
		},
	}
	if _, err := FromCBOR(value); err == nil {
		t.Fatalf("expected shape error")
	}
}

func TestDecodeRejectsNestedCompressedTag(t *testing.T) {
	value := cbor.Tag{
		Number: tagUint8,
		Content: cbor.Tag{
			Number:  56500,
			Content: []any{"bslz4", 1, []byte{0}},
		},
	}
	payload, err := cbor.Marshal(value)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var got Array
	if err := cbor.Unmarshal(payload, &got); err == nil {
		t.Fatalf("expected error for nested compressed tag, got %v", got)
	}
}
