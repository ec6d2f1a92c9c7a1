package vstream

import (
	"fmt"
	"time"
)

// Accumulator sums equally shaped frames for one trigger.
type Accumulator struct {
	height   int
	width    int
	channels int
	sum      []float64
	count    int
	first    time.Time
	last     time.Time
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds frame into the running sum. The first frame fixes the shape.
func (a *Accumulator) Add(frame Frame) error {
	channels := frame.Channels
	if channels == 0 {
		channels = 1
	}
	if len(frame.Pixels) != frame.Height*frame.Width*channels {
		return fmt.Errorf("%w: %d pixels for %dx%dx%d", ErrShapeMismatch,
			len(frame.Pixels), frame.Height, frame.Width, channels)
	}
	if a.count == 0 {
		a.height, a.width, a.channels = frame.Height, frame.Width, channels
		a.sum = make([]float64, len(frame.Pixels))
		a.first = frame.Timestamp
	} else if frame.Height != a.height || frame.Width != a.width || channels != a.channels {
		return fmt.Errorf("%w: frame %dx%dx%d after %dx%dx%d", ErrShapeMismatch,
			frame.Height, frame.Width, channels, a.height, a.width, a.channels)
	}
	for i, v := range frame.Pixels {
		a.sum[i] += v
	}
	a.count++
	a.last = frame.Timestamp
	return nil
}

func (a *Accumulator) Count() int {
	return a.count
}

// Span is the time between the first and last frame timestamps.
func (a *Accumulator) Span() time.Duration {
	if a.count == 0 {
		return 0
	}
	return a.last.Sub(a.first)
}

func (a *Accumulator) Reset() {
	a.count = 0
	a.sum = nil
	a.first, a.last = time.Time{}, time.Time{}
}

// Average returns the element-wise mean of the added frames.
func (a *Accumulator) Average() (Frame, error) {
	if a.count == 0 {
		return Frame{}, ErrNoFrames
	}
	out := make([]float64, len(a.sum))
	n := float64(a.count)
	for i, v := range a.sum {
		out[i] = v / n
	}
	return Frame{
		Pixels:    out,
		Height:    a.height,
		Width:     a.width,
		Channels:  a.channels,
		Timestamp: a.last,
	}, nil
}

// Average is the element-wise mean of frames.
func Average(frames []Frame) (Frame, error) {
	acc := NewAccumulator()
	for _, f := range frames {
		if err := acc.Add(f); err != nil {
			return Frame{}, err
		}
	}
	return acc.Average()
}

// CollapseChannels sums the trailing channel axis, leaving H×W values.
func CollapseChannels(frame Frame) []float64 {
	channels := frame.Channels
	if channels <= 1 {
		out := make([]float64, len(frame.Pixels))
		copy(out, frame.Pixels)
		return out
	}
	out := make([]float64, frame.Height*frame.Width)
	for i := range out {
		var s float64
		for _, v := range frame.Pixels[i*channels : (i+1)*channels] {
			s += v
		}
		out[i] = s
	}
	return out
}

// Reduce averages frames and collapses channels.
func Reduce(frames []Frame) ([]float64, error) {
	avg, err := Average(frames)
	if err != nil {
		return nil, err
	}
	return CollapseChannels(avg), nil
}
