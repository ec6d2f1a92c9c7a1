package output

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites decoded CBOR values so encoding/json accepts
// them: map keys become strings, byte strings become base64, tags become
// {"tag", "value"} and non-finite floats become strings.
func NormalizeJSONValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case cbor.Tag:
		return map[string]any{"tag": val.Number, "value": NormalizeJSONValue(val.Content)}
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Sprint(val)
		}
		return val
	case float32:
		return NormalizeJSONValue(float64(val))
	default:
		return val
	}
}
