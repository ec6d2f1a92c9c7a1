package areadetector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/epics"
	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/metrics"
	"tes-profile-go/internal/tracing"
)

const (
	DefaultPICamPrefix       = "XF:08BM-ES{Det:PICAM1}"
	DefaultWritePathTemplate = "/home/xf08bm/Users/Data/TES/raw/picam/hdf5/%Y/%m/%d/"
	DefaultHDF5Root          = "/home/xf08bm/Users/Data/TES/raw/"
	// CreateDirectoryDepth lets the IOC create up to three missing levels.
	CreateDirectoryDepth = -3
)

type Config struct {
	Name   string
	Prefix string
	Root   string
	// Timing defaults to DefaultTiming when nil.
	Timing *Timing
	Logger *zap.Logger
}

// Detector is a PICam camera with image, stats, ROI, transform, process and
// HDF5 plugins, triggered one acquisition at a time.
type Detector struct {
	name   string
	prefix string
	logger *zap.Logger

	Cam    *Cam
	Image  *Plugin
	Stats  [5]*StatsPlugin
	Trans1 *TransformPlugin
	ROI    [4]*ROIPlugin
	Proc1  *ProcessPlugin
	HDF5   *HDF5Plugin

	StageSigs StageSigs

	mu        sync.Mutex
	staged    []stager
	isStaged  bool
	flying    bool
	readAttrs []string
	image     docs.Reading
}

type stager interface {
	Stage(ctx context.Context) error
	Unstage(ctx context.Context) error
}

// componentStager stages a plain component through its stage signals.
type componentStager struct{ c *Component }

func (s componentStager) Stage(ctx context.Context) error   { return s.c.StageSigs.Stage(ctx) }
func (s componentStager) Unstage(ctx context.Context) error { return s.c.StageSigs.Unstage(ctx) }

func New(client epics.Client, cfg Config) *Detector {
	if cfg.Name == "" {
		cfg.Name = "picam"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPICamPrefix
	}
	log := logger.OrNop(cfg.Logger).With(zap.String("detector", cfg.Name))

	d := &Detector{name: cfg.Name, prefix: cfg.Prefix, logger: log}
	d.Cam = newCam(client, cfg.Name, cfg.Prefix)
	d.Image = newPlugin(client, cfg.Name, "image", cfg.Prefix, "image1:")
	for i := range d.Stats {
		d.Stats[i] = newStatsPlugin(client, cfg.Name, i+1, cfg.Prefix)
	}
	d.Trans1 = newTransformPlugin(client, cfg.Name, cfg.Prefix)
	for i := range d.ROI {
		d.ROI[i] = newROIPlugin(client, cfg.Name, i+1, cfg.Prefix)
	}
	d.Proc1 = newProcessPlugin(client, cfg.Name, cfg.Prefix)
	d.HDF5 = newHDF5Plugin(client, cfg.Name, cfg.Prefix, d.Cam, d.IsFlying, log)
	d.HDF5.Root = cfg.Root
	if cfg.Timing != nil {
		d.HDF5.Timing = *cfg.Timing
	}

	d.StageSigs.Set(d.Cam.Acquire, 0)
	d.StageSigs.Set(d.Cam.ImageMode, 1)
	d.image = docs.Reading{Value: "", Timestamp: docs.Now()}
	return d
}

func (d *Detector) Name() string {
	return d.name
}

func (d *Detector) Prefix() string {
	return d.prefix
}

func (d *Detector) IsFlying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flying
}

func (d *Detector) SetFlying(flying bool) {
	d.mu.Lock()
	d.flying = flying
	d.mu.Unlock()
}

// Plugins lists every plugin in staging order; the HDF5 writer comes last.
func (d *Detector) Plugins() []*Plugin {
	out := []*Plugin{d.Image}
	for _, s := range d.Stats {
		out = append(out, s.Plugin)
	}
	out = append(out, d.Trans1.Plugin)
	for _, r := range d.ROI {
		out = append(out, r.Plugin)
	}
	return append(out, d.Proc1.Plugin, d.HDF5.Plugin)
}

// Components lists the camera then every plugin.
func (d *Detector) Components() []*Component {
	out := []*Component{d.Cam.Component}
	for _, p := range d.Plugins() {
		out = append(out, p.Component)
	}
	return out
}

func (d *Detector) component(name string) *Component {
	for _, c := range d.Components() {
		if c.Name == d.name+"_"+name {
			return c
		}
	}
	return nil
}

// SetReadAttrs picks the components read on every point, by attribute name
// ("stats1", "hdf5", ...).
func (d *Detector) SetReadAttrs(attrs ...string) error {
	for _, attr := range attrs {
		if d.component(attr) == nil {
			return fmt.Errorf("%s has no component %q", d.name, attr)
		}
	}
	d.mu.Lock()
	d.readAttrs = append([]string(nil), attrs...)
	d.mu.Unlock()
	return nil
}

// SetTimeout bounds every PV get and put of the detector.
func (d *Detector) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	for _, c := range d.Components() {
		for _, sig := range c.Signals() {
			sig.Timeout = timeout
		}
	}
}

// StatusPVs names the PVs worth watching on the status page.
func (d *Detector) StatusPVs() map[string]string {
	return map[string]string{
		d.name + "_detector_state": d.Cam.DetectorState.ReadPV,
		d.name + "_array_counter":  d.Cam.ArrayCounter.ReadPV,
		d.name + "_hdf5_capture":   d.HDF5.Capture.ReadPV,
		d.name + "_hdf5_file":      d.HDF5.FullFileName.ReadPV,
	}
}

// EnsureNonblocking sets the camera to wait for plugins and every plugin to
// run its callbacks off the driver thread.
func (d *Detector) EnsureNonblocking() {
	d.Cam.StageSigs.Set(d.Cam.WaitForPlugins, "Yes")
	for _, p := range d.Plugins() {
		p.EnsureNonblocking()
	}
}

// SetExposureTime writes seconds to acquire_time and acquire_period, which
// the PICam driver takes in milliseconds.
func (d *Detector) SetExposureTime(ctx context.Context, seconds float64) error {
	ms := int(seconds * 1000)
	if err := d.Cam.AcquireTime.Put(ctx, ms); err != nil {
		return err
	}
	return d.Cam.AcquirePeriod.Put(ctx, ms)
}

func (d *Detector) ReadExposureTime(ctx context.Context) (float64, error) {
	v, err := d.Cam.AcquireTime.Get(ctx)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		n, ok := asInt(v)
		if !ok {
			return 0, fmt.Errorf("acquire_time: not a number: %v", v)
		}
		f = float64(n)
	}
	return f / 1000, nil
}

// Stage pushes the detector stage signals, then stages the camera and each
// plugin in order. A failure unstages whatever was staged.
func (d *Detector) Stage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isStaged {
		return fmt.Errorf("%s: already staged", d.name)
	}
	order := []stager{detectorStager{d}, componentStager{d.Cam.Component}}
	for _, p := range d.Plugins() {
		if p == d.HDF5.Plugin {
			order = append(order, d.HDF5)
			continue
		}
		order = append(order, componentStager{p.Component})
	}

	d.staged = d.staged[:0]
	for _, s := range order {
		if err := s.Stage(ctx); err != nil {
			return errors.Join(fmt.Errorf("stage %s: %w", d.name, err), d.unstageLocked(ctx))
		}
		d.staged = append(d.staged, s)
	}
	d.isStaged = true
	return nil
}

type detectorStager struct{ d *Detector }

func (s detectorStager) Stage(ctx context.Context) error   { return s.d.StageSigs.Stage(ctx) }
func (s detectorStager) Unstage(ctx context.Context) error { return s.d.StageSigs.Unstage(ctx) }

func (d *Detector) Unstage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unstageLocked(ctx)
}

func (d *Detector) unstageLocked(ctx context.Context) error {
	var errs []error
	for i := len(d.staged) - 1; i >= 0; i-- {
		if err := d.staged[i].Unstage(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.staged = d.staged[:0]
	d.isStaged = false
	return errors.Join(errs...)
}

// Trigger acquires once, waits for the driver to report done and records a
// datum for the new point.
func (d *Detector) Trigger(ctx context.Context) error {
	d.mu.Lock()
	staged := d.isStaged
	d.mu.Unlock()
	if !staged {
		return fmt.Errorf("%s: trigger before stage", d.name)
	}

	ctx, span := tracing.Tracer().Start(ctx, "areadetector.trigger")
	span.SetAttributes(attribute.String("detector", d.name))
	defer span.End()
	start := time.Now()

	err := d.acquire(ctx)
	metrics.TriggerDuration.WithLabelValues(d.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TriggersTotal.WithLabelValues(d.name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.TriggersTotal.WithLabelValues(d.name, "ok").Inc()
	return nil
}

func (d *Detector) acquire(ctx context.Context) error {
	if err := d.Cam.Acquire.Put(ctx, 1); err != nil {
		return err
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := d.Cam.Acquire.Get(ctx)
		if err != nil {
			return err
		}
		if epics.Equal(v, 0, 0) || fmt.Sprint(v) == "Done" {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: acquisition did not finish: %w", d.name, ctx.Err())
		case <-ticker.C:
		}
	}

	id, err := d.HDF5.GenerateDatum()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.image = docs.Reading{Value: id, Timestamp: docs.Now()}
	d.mu.Unlock()
	return nil
}

func (d *Detector) imageKey() string {
	return d.name + "_image"
}

func (d *Detector) readComponents() []*Component {
	d.mu.Lock()
	attrs := d.readAttrs
	d.mu.Unlock()
	var out []*Component
	for _, attr := range attrs {
		if attr == "hdf5" {
			continue
		}
		out = append(out, d.component(attr))
	}
	return out
}

func (d *Detector) readsImage() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, attr := range d.readAttrs {
		if attr == "hdf5" {
			return true
		}
	}
	return false
}

func (d *Detector) Read(ctx context.Context) (map[string]docs.Reading, error) {
	out := make(map[string]docs.Reading)
	for _, c := range d.readComponents() {
		r, err := c.Read(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range r {
			out[k] = v
		}
	}
	if d.readsImage() {
		d.mu.Lock()
		out[d.imageKey()] = d.image
		d.mu.Unlock()
	}
	return out, nil
}

func (d *Detector) Describe(ctx context.Context) (map[string]docs.DataKey, error) {
	out := make(map[string]docs.DataKey)
	for _, c := range d.readComponents() {
		keys, err := c.Describe(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range keys {
			out[k] = v
		}
	}
	if d.readsImage() {
		size, err := d.Cam.ArraySize(ctx)
		if err != nil {
			return nil, err
		}
		n, err := d.HDF5.FramesPerPoint(ctx)
		if err != nil {
			return nil, err
		}
		out[d.imageKey()] = docs.DataKey{
			Source:   "PV:" + d.HDF5.FullFileName.ReadPV,
			DType:    "array",
			Shape:    []int{n, size.Height, size.Width},
			External: "FILESTORE:",
			Object:   d.name,
		}
	}
	return out, nil
}

func (d *Detector) configComponents() []*Component {
	var out []*Component
	for _, c := range d.Components() {
		if c.Kind.Has(epics.Config) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Detector) ReadConfiguration(ctx context.Context) (map[string]docs.Reading, error) {
	out := make(map[string]docs.Reading)
	for _, c := range d.configComponents() {
		r, err := c.ReadConfiguration(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range r {
			out[k] = v
		}
	}
	return out, nil
}

func (d *Detector) DescribeConfiguration(ctx context.Context) (map[string]docs.DataKey, error) {
	out := make(map[string]docs.DataKey)
	for _, c := range d.configComponents() {
		keys, err := c.DescribeConfiguration(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range keys {
			out[k] = v
		}
	}
	return out, nil
}

func (d *Detector) Hints() []string {
	var out []string
	for _, c := range d.readComponents() {
		out = append(out, c.Hints()...)
	}
	return out
}

func (d *Detector) CollectAssetDocs() []docs.AssetDoc {
	return d.HDF5.CollectAssetDocs()
}

// ProfileConfig carries the per-beamline settings applied by ConfigurePICam.
type ProfileConfig struct {
	WritePathTemplate string
	CreateDirectory   int
	PrimeOnStage      bool
}

// ConfigurePICam applies the TES profile: HDF5 path template, stats totals
// read on every point with the first two hinted, ROI 1 and 2 reported as
// configuration, and Multiple image mode with the array counter reset on
// stage.
func ConfigurePICam(ctx context.Context, d *Detector, cfg ProfileConfig) error {
	if cfg.WritePathTemplate == "" {
		cfg.WritePathTemplate = DefaultWritePathTemplate
	}
	if _, err := strftime.New(cfg.WritePathTemplate); err != nil {
		return fmt.Errorf("write path template %q: %w", cfg.WritePathTemplate, err)
	}
	d.HDF5.WritePathTemplate = cfg.WritePathTemplate
	d.HDF5.PrimeOnStage = cfg.PrimeOnStage
	if cfg.CreateDirectory != 0 {
		if err := d.HDF5.CreateDirectory.Put(ctx, cfg.CreateDirectory); err != nil {
			return err
		}
	}

	d.EnsureNonblocking()

	attrs := []string{"stats1", "stats2", "stats3", "stats4", "stats5", "hdf5"}
	if err := d.SetReadAttrs(attrs...); err != nil {
		return err
	}
	for _, s := range d.Stats {
		s.SetReadAttrs("total")
	}

	d.StageSigs.Set(d.Cam.ImageMode, "Multiple")
	d.StageSigs.Set(d.Cam.ArrayCounter, 0)
	d.Stats[0].Total.Kind = epics.Hinted
	d.Stats[1].Total.Kind = epics.Hinted

	for _, r := range d.ROI[:2] {
		r.Kind = epics.Config
		r.SetSizeKind(epics.Config)
		r.SetMinKind(epics.Config)
	}
	return nil
}

// WarmupHDF5Plugins primes the HDF5 plugin of every detector whose plugin has
// not yet seen a frame, which is the state after an IOC restart.
func WarmupHDF5Plugins(ctx context.Context, dets []*Detector, log *zap.Logger) error {
	log = logger.OrNop(log)
	var errs []error
	for _, d := range dets {
		size, err := d.HDF5.ArraySize(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		if !size.Empty() {
			log.Info("hdf5 warm-up not needed", zap.String("detector", d.name), zap.Stringer("array_size", size))
			continue
		}
		log.Info("warming up hdf5 plugin", zap.String("detector", d.name), zap.Stringer("array_size", size))
		if err := d.HDF5.Warmup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: warm-up: %w", d.name, err))
			continue
		}
		after, err := d.HDF5.ArraySize(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		log.Info("hdf5 warm-up done", zap.String("detector", d.name), zap.Stringer("array_size", after))
	}
	return errors.Join(errs...)
}
