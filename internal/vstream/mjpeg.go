package vstream

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream, as served by
// network cameras at /mjpg/video.mjpg.
type MJPEGSource struct {
	body   io.ReadCloser
	reader *multipart.Reader
}

// MJPEGOpener returns an Opener that uses client, or http.DefaultClient.
func MJPEGOpener(client *http.Client) Opener {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) (Source, error) {
		return OpenMJPEG(ctx, client, url)
	}
}

// OpenMJPEG issues the stream request. The response body stays open until
// Close or until ctx is done.
func OpenMJPEG(ctx context.Context, client *http.Client, url string) (*MJPEGSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: status %s", url, resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: unexpected content type %q", url, mediaType)
	}
	return &MJPEGSource{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

// Read decodes the next JPEG part, skipping parts of any other type.
func (s *MJPEGSource) Read(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		part, err := s.reader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Frame{}, ctxErr
			}
			return Frame{}, fmt.Errorf("next part: %w", err)
		}
		ctype := part.Header.Get("Content-Type")
		if ctype != "" && !strings.HasPrefix(ctype, "image/jpeg") {
			part.Close()
			continue
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			return Frame{}, fmt.Errorf("decode jpeg: %w", err)
		}
		return FrameFromImage(img, time.Now()), nil
	}
}

func (s *MJPEGSource) Close() error {
	return s.body.Close()
}
