// Package simulator fakes the beamline video camera: a drifting Gaussian spot
// with shot noise, served as frames or as an MJPEG HTTP stream.
package simulator

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"tes-profile-go/internal/vstream"
)

type Config struct {
	Height int
	Width  int
	// Rate is frames per second.
	Rate float64
}

func (c Config) withDefaults() Config {
	if c.Height <= 0 {
		c.Height = vstream.DefaultHeight
	}
	if c.Width <= 0 {
		c.Width = vstream.DefaultWidth
	}
	if c.Rate <= 0 {
		c.Rate = 30
	}
	return c
}

// Pattern renders frame n as RGB values in [0, 255].
func Pattern(cfg Config, n int, rng *rand.Rand) vstream.Frame {
	cfg = cfg.withDefaults()
	pixels := make([]float64, cfg.Height*cfg.Width*3)
	centerX := float64(cfg.Width)/2 + 20*math.Sin(float64(n)/15)
	centerY := float64(cfg.Height) / 2
	sigma2 := float64(cfg.Width*cfg.Height) / 40
	for y := 0; y < cfg.Height; y++ {
		for x := 0; x < cfg.Width; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			base := 200 * math.Exp(-(dx*dx+dy*dy)/sigma2)
			i := (y*cfg.Width + x) * 3
			for c := 0; c < 3; c++ {
				val := base*[3]float64{1, 0.8, 0.5}[c] + rng.NormFloat64()*math.Sqrt(base+1)
				pixels[i+c] = math.Max(0, math.Min(255, val))
			}
		}
	}
	return vstream.Frame{
		Pixels:    pixels,
		Height:    cfg.Height,
		Width:     cfg.Width,
		Channels:  3,
		Timestamp: time.Now(),
	}
}

// Stream emits frames at cfg.Rate until ctx is done.
func Stream(ctx context.Context, cfg Config) <-chan vstream.Frame {
	cfg = cfg.withDefaults()
	out := make(chan vstream.Frame)
	go func() {
		defer close(out)

		ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
		defer ticker.Stop()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))

		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := Pattern(cfg, n, rng)
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				n++
			}
		}
	}()
	return out
}

// Source adapts Stream to vstream.Source.
type Source struct {
	frames <-chan vstream.Frame
	cancel context.CancelFunc
}

func NewSource(ctx context.Context, cfg Config) *Source {
	ctx, cancel := context.WithCancel(ctx)
	return &Source{frames: Stream(ctx, cfg), cancel: cancel}
}

func (s *Source) Read(ctx context.Context) (vstream.Frame, error) {
	select {
	case <-ctx.Done():
		return vstream.Frame{}, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return vstream.Frame{}, io.EOF
		}
		return frame, nil
	}
}

func (s *Source) Close() error {
	s.cancel()
	return nil
}

// Opener ignores the URL and opens a fresh simulated stream.
func Opener(cfg Config) vstream.Opener {
	return func(_ context.Context, _ string) (vstream.Source, error) {
		return NewSource(context.Background(), cfg), nil
	}
}

// Constant yields count copies of a frame whose every channel value is value,
// then io.EOF. A negative count never runs dry.
type Constant struct {
	Frame vstream.Frame
	count int
	read  int
}

func NewConstant(height, width, channels int, value float64, count int) *Constant {
	pixels := make([]float64, height*width*channels)
	for i := range pixels {
		pixels[i] = value
	}
	return &Constant{
		Frame: vstream.Frame{Pixels: pixels, Height: height, Width: width, Channels: channels},
		count: count,
	}
}

func (c *Constant) Read(ctx context.Context) (vstream.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vstream.Frame{}, err
	}
	if c.count >= 0 && c.read >= c.count {
		return vstream.Frame{}, io.EOF
	}
	c.read++
	frame := c.Frame
	frame.Timestamp = time.Now()
	return frame, nil
}

func (c *Constant) Close() error {
	return nil
}

// Reads is the number of frames handed out so far.
func (c *Constant) Reads() int {
	return c.read
}

// MJPEGHandler serves the simulated camera as multipart/x-mixed-replace.
func MJPEGHandler(cfg Config) http.Handler {
	cfg = cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		for frame := range Stream(r.Context(), cfg) {
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type": {"image/jpeg"},
			})
			if err != nil {
				return
			}
			if err := jpeg.Encode(part, toImage(frame), &jpeg.Options{Quality: 85}); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
}

func toImage(frame vstream.Frame) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			i := (y*frame.Width + x) * frame.Channels
			g, b := i, i
			if frame.Channels >= 3 {
				g, b = i+1, i+2
			}
			img.Set(x, y, color.RGBA{
				R: uint8(frame.Pixels[i]),
				G: uint8(frame.Pixels[g]),
				B: uint8(frame.Pixels[b]),
				A: 255,
			})
		}
	}
	return img
}
