package vstream_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/simulator"
	"tes-profile-go/internal/stack"
	"tes-profile-go/internal/vstream"
)

func constantOpener(h, w, c int, value float64, count int) vstream.Opener {
	return func(ctx context.Context, url string) (vstream.Source, error) {
		return simulator.NewConstant(h, w, c, value, count), nil
	}
}

func newDetector(t *testing.T, opener vstream.Opener) *vstream.Detector {
	t.Helper()
	return vstream.New(vstream.Config{
		Name:         "vstream",
		URL:          "sim://",
		Root:         t.TempDir(),
		ExposureTime: 10,
		Height:       4,
		Width:        5,
		Opener:       opener,
	})
}

func TestTwoTriggersAppendTwoFrames(t *testing.T) {
	ctx := context.Background()
	det := newDetector(t, constantOpener(4, 5, 3, 7, 3))

	require.NoError(t, det.Stage(ctx))
	assert.Equal(t, "staged", det.State())
	require.NoError(t, det.Trigger(ctx))
	first := det.LastTrigger()
	require.NoError(t, det.Trigger(ctx))
	second := det.LastTrigger()

	assert.Equal(t, 3, first.Frames)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)

	reading, err := det.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.DatumID, reading["vstream_image"].Value)
	assert.InDelta(t, 21.0, reading["vstream_mean"].Value.(float64), 1e-12)

	assets := det.CollectAssetDocs()
	require.Len(t, assets, 3)
	assert.Equal(t, docs.NameResource, assets[0].Kind)
	res := assets[0].Doc.(docs.Resource)
	assert.Equal(t, stack.Spec, res.Spec)
	assert.Empty(t, res.RunStart)
	assert.Regexp(t, `^\d{4}/\d{2}/\d{2}/[0-9a-f-]{36}\.stack$`, res.ResourcePath)

	d0 := assets[1].Doc.(docs.Datum)
	d1 := assets[2].Doc.(docs.Datum)
	assert.Equal(t, res.UID+"/0", d0.DatumID)
	assert.Equal(t, res.UID+"/1", d1.DatumID)
	assert.Equal(t, 0, d0.DatumKwargs["frame"])
	assert.Equal(t, 1, d1.DatumKwargs["frame"])
	assert.Empty(t, det.CollectAssetDocs())

	require.NoError(t, det.Unstage(ctx))
	assert.Equal(t, "idle", det.State())

	h, err := stack.NewHandler(res.Root, res.ResourcePath)
	require.NoError(t, err)
	defer h.Close()
	frame, err := h.Datum(d1.DatumKwargs)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, frame.Shape)
	values, err := frame.Float64s()
	require.NoError(t, err)
	for _, v := range values {
		assert.InDelta(t, 21.0, v, 1e-12)
	}
}

func TestTriggerWithoutFramesFails(t *testing.T) {
	ctx := context.Background()
	det := newDetector(t, constantOpener(4, 5, 3, 7, 0))
	require.NoError(t, det.Stage(ctx))
	defer det.Unstage(ctx)

	err := det.Trigger(ctx)
	if !errors.Is(err, vstream.ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
	assets := det.CollectAssetDocs()
	require.Len(t, assets, 1, "no datum for a failed trigger")

	// the detector stays usable
	assert.Equal(t, "staged", det.State())
}

func TestMinFramesGuard(t *testing.T) {
	det := vstream.New(vstream.Config{
		Root:         t.TempDir(),
		ExposureTime: 10,
		Height:       4,
		Width:        5,
		MinFrames:    5,
		Opener:       constantOpener(4, 5, 3, 7, 3),
	})
	require.NoError(t, det.Stage(context.Background()))
	defer det.Unstage(context.Background())
	assert.ErrorIs(t, det.Trigger(context.Background()), vstream.ErrNoFrames)
}

func TestTriggerShapeMismatch(t *testing.T) {
	det := newDetector(t, constantOpener(4, 6, 3, 1, 2))
	require.NoError(t, det.Stage(context.Background()))
	defer det.Unstage(context.Background())
	assert.ErrorIs(t, det.Trigger(context.Background()), vstream.ErrShapeMismatch)
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	det := newDetector(t, constantOpener(4, 5, 3, 1, 1))
	assert.ErrorIs(t, det.Trigger(ctx), vstream.ErrNotStaged)
	require.NoError(t, det.Stage(ctx))
	assert.ErrorIs(t, det.Stage(ctx), vstream.ErrAlreadyStaged)
	require.NoError(t, det.Unstage(ctx))
	require.NoError(t, det.Unstage(ctx))
	assert.ErrorIs(t, det.Trigger(ctx), vstream.ErrNotStaged)
}

func TestExposureWindowEndsEndlessSource(t *testing.T) {
	det := newDetector(t, constantOpener(4, 5, 1, 2, -1))
	require.NoError(t, det.SetExposureTime(0.02))
	require.NoError(t, det.Stage(context.Background()))
	defer det.Unstage(context.Background())

	start := time.Now()
	require.NoError(t, det.Trigger(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.GreaterOrEqual(t, det.LastTrigger().Frames, 1)
}

// gatedSource blocks every read until release is closed.
type gatedSource struct {
	release <-chan struct{}
}

func (g gatedSource) Read(ctx context.Context) (vstream.Frame, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return vstream.Frame{}, ctx.Err()
	}
	return vstream.Frame{Pixels: make([]float64, 4*5), Height: 4, Width: 5, Channels: 1, Timestamp: time.Now()}, nil
}

func (g gatedSource) Close() error { return nil }

func TestUnstageRefusedWhileCapturing(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	det := newDetector(t, func(context.Context, string) (vstream.Source, error) {
		return gatedSource{release: release}, nil
	})
	require.NoError(t, det.SetExposureTime(0.001))
	require.NoError(t, det.Stage(ctx))

	done := make(chan error, 1)
	go func() { done <- det.Trigger(ctx) }()
	require.Eventually(t, func() bool { return det.State() == "capturing" }, time.Second, time.Millisecond)

	assert.ErrorIs(t, det.Unstage(ctx), vstream.ErrCapturing)
	assert.ErrorIs(t, det.Trigger(ctx), vstream.ErrCapturing)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "staged", det.State())
	assert.Equal(t, 0, det.LastTrigger().Index)
	require.NoError(t, det.Unstage(ctx))
	assert.Equal(t, "idle", det.State())
}

func TestExposureWindowIncludesOpen(t *testing.T) {
	det := newDetector(t, func(ctx context.Context, url string) (vstream.Source, error) {
		time.Sleep(30 * time.Millisecond)
		return simulator.NewConstant(4, 5, 1, 2, -1), nil
	})
	require.NoError(t, det.SetExposureTime(0.02))
	require.NoError(t, det.Stage(context.Background()))
	defer det.Unstage(context.Background())

	require.NoError(t, det.Trigger(context.Background()))
	assert.Equal(t, 1, det.LastTrigger().Frames)
}

func TestTriggerCancelled(t *testing.T) {
	det := newDetector(t, constantOpener(4, 5, 1, 2, -1))
	require.NoError(t, det.Stage(context.Background()))
	defer det.Unstage(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, det.Trigger(ctx), context.Canceled)
}

func TestDescribe(t *testing.T) {
	det := vstream.New(vstream.Config{Root: t.TempDir()})
	ctx := context.Background()
	keys, err := det.Describe(ctx)
	require.NoError(t, err)
	image := keys["vstream_image"]
	assert.Equal(t, "array", image.DType)
	assert.Equal(t, "FILESTORE:", image.External)
	assert.Equal(t, []int{480, 704}, image.Shape)
	assert.Equal(t, "number", keys["vstream_mean"].DType)

	cfg, err := det.ReadConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg["vstream_exposure_time"].Value)
	require.NoError(t, det.SetExposureTime(0.25))
	assert.Equal(t, 0.25, det.ExposureTime())
	assert.Error(t, det.SetExposureTime(-1))
	assert.Error(t, det.SetExposureTime(0))
	assert.Equal(t, 0.25, det.ExposureTime())
	cfgKeys, err := det.DescribeConfiguration(ctx)
	require.NoError(t, err)
	assert.Contains(t, cfgKeys, "vstream_exposure_time")
}

func TestMJPEGStream(t *testing.T) {
	srv := httptest.NewServer(simulator.MJPEGHandler(simulator.Config{Height: 8, Width: 10, Rate: 200}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, err := vstream.OpenMJPEG(ctx, srv.Client(), srv.URL)
	require.NoError(t, err)
	frame, err := src.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	assert.Equal(t, 8, frame.Height)
	assert.Equal(t, 10, frame.Width)
	assert.Equal(t, 3, frame.Channels)
	assert.Len(t, frame.Pixels, 8*10*3)

	det := vstream.New(vstream.Config{
		URL:          srv.URL,
		Root:         t.TempDir(),
		ExposureTime: 0.05,
		Height:       8,
		Width:        10,
		Opener:       vstream.MJPEGOpener(srv.Client()),
	})
	require.NoError(t, det.Stage(ctx))
	require.NoError(t, det.Trigger(ctx))
	require.NoError(t, det.Unstage(ctx))
	assert.GreaterOrEqual(t, det.LastTrigger().Frames, 1)
}

func TestMJPEGRejectsPlainResponse(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	_, err := vstream.OpenMJPEG(context.Background(), srv.Client(), srv.URL)
	assert.Error(t, err)
}
