package ndarray

import (
	"reflect"
)

// ToFloat64 flattens the numeric payload shapes produced by capture backends
// and generic decoders. ok is false for non-numeric payloads.
func ToFloat64(payload any) ([]float64, bool) {
	switch v := payload.(type) {
	case []float64:
		return append([]float64(nil), v...), true
	case []float32:
		return widen(v), true
	case []uint8:
		return widen(v), true
	case []uint16:
		return widen(v), true
	case []uint32:
		return widen(v), true
	case []uint64:
		return widen(v), true
	case []int:
		return widen(v), true
	case []int64:
		return widen(v), true
	case [][]uint8:
		return widen(flatten(v)), true
	case [][]uint16:
		return widen(flatten(v)), true
	case [][]uint32:
		return widen(flatten(v)), true
	case [][]float32:
		return widen(flatten(v)), true
	case [][]float64:
		return flatten(v), true
	case Array:
		out, err := v.Float64s()
		return out, err == nil
	case []any:
		return anyToFloat64(v)
	case [][]any:
		return anyToFloat64(flatten(v))
	default:
		rv := reflect.ValueOf(payload)
		if rv.Kind() == reflect.Slice {
			return anyToFloat64(sliceToAny(rv))
		}
		return nil, false
	}
}

type number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int | ~int64 | ~float32 | ~float64
}

func widen[T number](values []T) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func flatten[T any](values [][]T) []T {
	flat := make([]T, 0)
	for _, row := range values {
		flat = append(flat, row...)
	}
	return flat
}

func anyToFloat64(values []any) ([]float64, bool) {
	out := make([]float64, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case uint64:
			out[i] = float64(n)
		case uint32:
			out[i] = float64(n)
		case uint16:
			out[i] = float64(n)
		case uint8:
			out[i] = float64(n)
		case int64:
			out[i] = float64(n)
		case int:
			out[i] = float64(n)
		case float32:
			out[i] = float64(n)
		case float64:
			out[i] = n
		default:
			return nil, false
		}
	}
	return out, true
}

func sliceToAny(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
