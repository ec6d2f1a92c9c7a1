package vstream

import (
	"context"
	"image"
	"time"
)

// Frame is one decoded video frame, row-major H×W×C.
type Frame struct {
	Pixels    []float64
	Height    int
	Width     int
	Channels  int
	Timestamp time.Time
}

// Source yields frames until it is closed. Read returns io.EOF when a finite
// source runs dry.
type Source interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Opener opens a fresh source for one trigger.
type Opener func(ctx context.Context, url string) (Source, error)

// FrameFromImage converts img to a 3-channel RGB frame.
func FrameFromImage(img image.Image, ts time.Time) Frame {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	pixels := make([]float64, 0, h*w*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pixels = append(pixels, float64(r>>8), float64(g>>8), float64(bl>>8))
		}
	}
	return Frame{
		Pixels:    pixels,
		Height:    h,
		Width:     w,
		Channels:  3,
		Timestamp: ts,
	}
}
