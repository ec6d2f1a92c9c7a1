//go:build gocv

package vstream

import (
	"context"
	"fmt"
	"io"
	"time"

	"gocv.io/x/gocv"
)

// GoCVSource captures through OpenCV, which understands files, RTSP and
// MJPEG URLs alike.
type GoCVSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func OpenGoCV(ctx context.Context, url string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	capture, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", url, err)
	}
	return &GoCVSource{capture: capture, mat: gocv.NewMat()}, nil
}

func (s *GoCVSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return Frame{}, io.EOF
	}
	ts := time.Now()

	// OpenCV hands back BGR; reorder so channel sums match other sources.
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(s.mat, &rgb, gocv.ColorBGRToRGB)

	raw := rgb.ToBytes()
	pixels := make([]float64, len(raw))
	for i, v := range raw {
		pixels[i] = float64(v)
	}
	return Frame{
		Pixels:    pixels,
		Height:    rgb.Rows(),
		Width:     rgb.Cols(),
		Channels:  rgb.Channels(),
		Timestamp: ts,
	}, nil
}

func (s *GoCVSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
