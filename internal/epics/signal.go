package epics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/metrics"
)

// Signal is one named PV, optionally read back from a separate _RBV record.
type Signal struct {
	Name    string
	ReadPV  string
	WritePV string
	Kind    Kind
	Timeout time.Duration

	client Client
}

func NewSignal(client Client, name, pv string, kind Kind) *Signal {
	return &Signal{
		Name:    name,
		ReadPV:  pv,
		WritePV: pv,
		Kind:    kind,
		Timeout: DefaultTimeout,
		client:  client,
	}
}

// NewSignalWithRBV reads <pv>_RBV and writes <pv>.
func NewSignalWithRBV(client Client, name, pv string, kind Kind) *Signal {
	s := NewSignal(client, name, pv, kind)
	s.ReadPV = pv + "_RBV"
	return s
}

func (s *Signal) Get(ctx context.Context) (any, error) {
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	v, err := s.client.Get(ctx, s.ReadPV)
	if err != nil {
		return nil, s.wrap("get", s.ReadPV, err)
	}
	return v, nil
}

func (s *Signal) Put(ctx context.Context, value any) error {
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	if err := s.client.Put(ctx, s.WritePV, value); err != nil {
		metrics.PVPutsTotal.WithLabelValues("error").Inc()
		return s.wrap("put", s.WritePV, err)
	}
	metrics.PVPutsTotal.WithLabelValues("ok").Inc()
	return nil
}

// SetAndWait puts value and polls the readback until it matches within
// tolerance or the signal timeout elapses.
func (s *Signal) SetAndWait(ctx context.Context, value any, tolerance float64) error {
	if err := s.Put(ctx, value); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var last any
	for {
		v, err := s.client.Get(ctx, s.ReadPV)
		if err == nil {
			if Equal(v, value, tolerance) {
				return nil
			}
			last = v
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w waiting for %v (last %v)", s.Name, ErrTimeout, value, last)
		case <-ticker.C:
		}
	}
}

func (s *Signal) Read(ctx context.Context) (docs.Reading, error) {
	v, err := s.Get(ctx)
	if err != nil {
		return docs.Reading{}, err
	}
	return docs.Reading{Value: v, Timestamp: docs.Now()}, nil
}

// Describe infers the document dtype from the current value.
func (s *Signal) Describe(ctx context.Context) (docs.DataKey, error) {
	v, err := s.Get(ctx)
	if err != nil {
		return docs.DataKey{}, err
	}
	dtype, shape := DataType(v)
	return docs.DataKey{
		Source: "PV:" + s.ReadPV,
		DType:  dtype,
		Shape:  shape,
	}, nil
}

func (s *Signal) wrap(op, pv string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return fmt.Errorf("%s %s (%s): %w", op, s.Name, pv, err)
}

// DataType maps a PV value to its document dtype and shape.
func DataType(v any) (string, []int) {
	switch v.(type) {
	case string:
		return "string", []int{}
	case bool:
		return "boolean", []int{}
	case int, int32, int64, uint8, uint16, uint32:
		return "integer", []int{}
	case float32, float64:
		return "number", []int{}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return "array", []int{rv.Len()}
	}
	return "string", []int{}
}

// Equal compares PV values, numerically within tolerance where both sides
// are numbers.
func Equal(a, b any, tolerance float64) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return math.Abs(fa-fb) <= tolerance
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
