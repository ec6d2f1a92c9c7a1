// Package vstream turns a network video stream into a detector: each trigger
// averages the frames seen during the exposure window, sums the colour
// channels and appends the result to a stack file referenced by datum
// documents.
package vstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/metrics"
	"tes-profile-go/internal/ndarray"
	"tes-profile-go/internal/stack"
	"tes-profile-go/internal/tracing"
)

var (
	ErrNoFrames      = errors.New("no frames captured")
	ErrNotStaged     = errors.New("detector is not staged")
	ErrAlreadyStaged = errors.New("detector is already staged")
	ErrShapeMismatch = errors.New("frame shape mismatch")
	ErrCapturing     = errors.New("trigger in progress")
)

const (
	DefaultName         = "vstream"
	DefaultExposureTime = 1.0
	DefaultHeight       = 480
	DefaultWidth        = 704
)

type Config struct {
	Name         string
	URL          string
	Root         string
	ExposureTime float64
	Height       int
	Width        int
	// MinFrames is the fewest frames a trigger accepts before averaging.
	MinFrames   int
	Compression string
	// Format is the dataset file format, stack.FormatStack (default) or
	// stack.FormatHDF5.
	Format string
	Opener Opener
	Logger *zap.Logger
}

type state int

const (
	idle state = iota
	staged
	capturing
)

func (s state) String() string {
	switch s {
	case staged:
		return "staged"
	case capturing:
		return "capturing"
	default:
		return "idle"
	}
}

// TriggerStats describes the last completed trigger.
type TriggerStats struct {
	Frames  int
	Elapsed time.Duration
	Index   int
	DatumID string
}

type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    state
	exposure docs.Reading
	image    docs.Reading
	mean     docs.Reading
	last     TriggerStats

	resource docs.Resource
	datums   *docs.DatumFactory
	writer   stack.FrameWriter
	assets   docs.AssetCache
}

func New(cfg Config) *Detector {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.ExposureTime <= 0 {
		cfg.ExposureTime = DefaultExposureTime
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = 1
	}
	if cfg.Opener == nil {
		cfg.Opener = MJPEGOpener(nil)
	}
	now := docs.Now()
	return &Detector{
		cfg:      cfg,
		logger:   logger.OrNop(cfg.Logger).With(zap.String("detector", cfg.Name)),
		exposure: docs.Reading{Value: cfg.ExposureTime, Timestamp: now},
		image:    docs.Reading{Value: "", Timestamp: now},
		mean:     docs.Reading{Value: 0.0, Timestamp: now},
	}
}

func (d *Detector) Name() string {
	return d.cfg.Name
}

func (d *Detector) key(signal string) string {
	return d.cfg.Name + "_" + signal
}

func (d *Detector) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

func (d *Detector) ExposureTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure.Value.(float64)
}

func (d *Detector) SetExposureTime(seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("exposure time %g: must be positive", seconds)
	}
	d.mu.Lock()
	d.exposure = docs.Reading{Value: seconds, Timestamp: docs.Now()}
	d.mu.Unlock()
	return nil
}

func (d *Detector) LastTrigger() TriggerStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Stage creates <root>/YYYY/MM/DD/<uuid>.stack (or .h5) and queues its
// resource.
func (d *Detector) Stage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != idle {
		return ErrAlreadyStaged
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	spec, ext, err := stack.SpecFor(d.cfg.Format)
	if err != nil {
		return err
	}
	resourcePath := filepath.Join(time.Now().Format("2006/01/02"), uuid.NewString()+ext)
	resource, datums := docs.ComposeResource("", spec, d.cfg.Root, resourcePath, nil)
	path := filepath.Join(resource.Root, resource.ResourcePath)

	writer, err := stack.CreateFormat(d.cfg.Format, path, stack.Header{
		Dataset:     stack.DefaultDataset,
		DType:       ndarray.Float64,
		Shape:       []int{d.cfg.Height, d.cfg.Width},
		Compression: d.cfg.Compression,
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", d.cfg.Name, err)
	}

	d.resource = resource
	d.datums = datums
	d.writer = writer
	d.assets.Append(docs.NameResource, resource)
	d.state = staged
	d.logger.Info("staged", zap.String("data_file", path))
	return nil
}

// Trigger blocks for the exposure window and records one reduced frame.
// Cancelling ctx aborts the capture; nothing is appended in that case.
func (d *Detector) Trigger(ctx context.Context) error {
	d.mu.Lock()
	if d.state != staged {
		s := d.state
		d.mu.Unlock()
		if s == capturing {
			return fmt.Errorf("%s: %w", d.cfg.Name, ErrCapturing)
		}
		return ErrNotStaged
	}
	d.state = capturing
	exposure := d.exposure.Value.(float64)
	d.mu.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "vstream.trigger")
	span.SetAttributes(
		attribute.String("detector", d.cfg.Name),
		attribute.Float64("exposure_time", exposure),
	)
	defer span.End()

	start := time.Now()
	stats, err := d.trigger(ctx, exposure)
	elapsed := time.Since(start)
	metrics.TriggerDuration.WithLabelValues(d.cfg.Name).Observe(elapsed.Seconds())

	d.mu.Lock()
	if d.state == capturing {
		d.state = staged
	}
	d.mu.Unlock()

	if err != nil {
		metrics.TriggersTotal.WithLabelValues(d.cfg.Name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("trigger failed", zap.Error(err), zap.Int("frames", stats.Frames))
		return err
	}
	stats.Elapsed = elapsed
	metrics.TriggersTotal.WithLabelValues(d.cfg.Name, "ok").Inc()
	span.SetAttributes(attribute.Int("frames", stats.Frames), attribute.Int("index", stats.Index))

	d.mu.Lock()
	d.last = stats
	d.mu.Unlock()
	d.logger.Debug("triggered",
		zap.Int("frames", stats.Frames),
		zap.Int("index", stats.Index),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (d *Detector) trigger(ctx context.Context, exposure float64) (TriggerStats, error) {
	acc, err := d.capture(ctx, exposure)
	stats := TriggerStats{Frames: acc.Count()}
	if err != nil {
		return stats, err
	}
	if acc.Count() < d.cfg.MinFrames {
		return stats, fmt.Errorf("%w: got %d, need %d", ErrNoFrames, acc.Count(), d.cfg.MinFrames)
	}

	avg, err := acc.Average()
	if err != nil {
		return stats, err
	}
	if avg.Height != d.cfg.Height || avg.Width != d.cfg.Width {
		return stats, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrShapeMismatch,
			avg.Height, avg.Width, d.cfg.Height, d.cfg.Width)
	}
	reduced, err := ndarray.FromFloat64([]int{d.cfg.Height, d.cfg.Width}, CollapseChannels(avg))
	if err != nil {
		return stats, err
	}
	mean, err := reduced.Mean()
	if err != nil {
		return stats, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != capturing || d.writer == nil {
		return stats, ErrNotStaged
	}
	index, err := d.writer.Append(reduced)
	if err != nil {
		return stats, fmt.Errorf("append frame: %w", err)
	}
	datum := d.datums.Compose(map[string]any{"frame": index})
	d.assets.Append(docs.NameDatum, datum)

	now := docs.Now()
	d.image = docs.Reading{Value: datum.DatumID, Timestamp: now}
	d.mean = docs.Reading{Value: mean, Timestamp: now}
	stats.Index = index
	stats.DatumID = datum.DatumID
	return stats, nil
}

// capture pulls frames until the exposure window has elapsed. The window
// opens before the source does, so connection latency counts toward it, and
// is checked after each read: at least one read is always attempted.
func (d *Detector) capture(ctx context.Context, exposure float64) (*Accumulator, error) {
	acc := NewAccumulator()
	window := time.Duration(exposure * float64(time.Second))
	start := time.Now()
	src, err := d.cfg.Opener(ctx, d.cfg.URL)
	if err != nil {
		return acc, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	for {
		frame, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return acc, nil
			}
			return acc, err
		}
		if err := acc.Add(frame); err != nil {
			return acc, err
		}
		metrics.FramesCapturedTotal.WithLabelValues(d.cfg.Name).Inc()
		if time.Since(start) >= window {
			return acc, nil
		}
	}
}

// Unstage closes the stack file and forgets the resource. It refuses while a
// trigger is capturing.
func (d *Detector) Unstage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case idle:
		return nil
	case capturing:
		return fmt.Errorf("unstage %s: %w", d.cfg.Name, ErrCapturing)
	}
	var err error
	if d.writer != nil {
		err = d.writer.Close()
		d.logger.Info("unstaged", zap.String("data_file", d.writer.Path()), zap.Int("frames", d.writer.Len()))
	}
	d.writer = nil
	d.resource = docs.Resource{}
	d.datums = nil
	d.state = idle
	return err
}

// DataFile is the open stack file, empty when not staged.
func (d *Detector) DataFile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return ""
	}
	return d.writer.Path()
}

func (d *Detector) Describe(ctx context.Context) (map[string]docs.DataKey, error) {
	return map[string]docs.DataKey{
		d.key("image"): {
			Source:   "SIM:" + d.key("image"),
			DType:    "array",
			Shape:    []int{d.cfg.Height, d.cfg.Width},
			External: "FILESTORE:",
			Object:   d.cfg.Name,
		},
		d.key("mean"): {
			Source: "SIM:" + d.key("mean"),
			DType:  "number",
			Shape:  []int{},
			Object: d.cfg.Name,
		},
	}, nil
}

func (d *Detector) Read(ctx context.Context) (map[string]docs.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]docs.Reading{
		d.key("image"): d.image,
		d.key("mean"):  d.mean,
	}, nil
}

func (d *Detector) DescribeConfiguration(ctx context.Context) (map[string]docs.DataKey, error) {
	return map[string]docs.DataKey{
		d.key("exposure_time"): {
			Source: "SIM:" + d.key("exposure_time"),
			DType:  "number",
			Shape:  []int{},
			Units:  "s",
			Object: d.cfg.Name,
		},
	}, nil
}

func (d *Detector) ReadConfiguration(ctx context.Context) (map[string]docs.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]docs.Reading{d.key("exposure_time"): d.exposure}, nil
}

// Hints names the fields plotted by default.
func (d *Detector) Hints() []string {
	return []string{d.key("mean")}
}

func (d *Detector) CollectAssetDocs() []docs.AssetDoc {
	return d.assets.Drain()
}
