package areadetector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/epics"
)

const (
	HDF5Spec            = "AD_HDF5"
	DefaultFileTemplate = "%s%s_%6.6d.h5"
)

// Timing paces the warm-up sequence. IOCs drop puts that arrive too close
// together, so the defaults are generous.
type Timing struct {
	Pacing      time.Duration
	AcquireWait time.Duration
}

func DefaultTiming() Timing {
	return Timing{Pacing: 100 * time.Millisecond, AcquireWait: 2 * time.Second}
}

// HDF5Plugin is the "HDF1:" file writer with file-store bookkeeping: one
// AD_HDF5 resource per stage and one datum per point.
type HDF5Plugin struct {
	*Plugin

	FilePath        *epics.Signal
	FileName        *epics.Signal
	FileTemplate    *epics.Signal
	FileNumber      *epics.Signal
	FullFileName    *epics.Signal
	FilePathExists  *epics.Signal
	AutoIncrement   *epics.Signal
	AutoSave        *epics.Signal
	FileWriteMode   *epics.Signal
	NumCapture      *epics.Signal
	Capture         *epics.Signal
	CreateDirectory *epics.Signal

	WritePathTemplate string
	// ReadPathTemplate defaults to WritePathTemplate.
	ReadPathTemplate string
	Root             string
	Spec             string
	// PrimeOnStage runs the warm-up sequence after the file is opened.
	PrimeOnStage bool
	Timing       Timing

	cam    *Cam
	flying func() bool
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	staged   bool
	filename string
	fn       string
	resource docs.Resource
	datums   *docs.DatumFactory
	point    int
	assets   docs.AssetCache
}

func newHDF5Plugin(client epics.Client, parent, prefix string, cam *Cam, flying func() bool, log *zap.Logger) *HDF5Plugin {
	h := &HDF5Plugin{
		Plugin:            newPlugin(client, parent, "hdf5", prefix, "HDF1:"),
		WritePathTemplate: "/tmp",
		Spec:              HDF5Spec,
		Timing:            DefaultTiming(),
		cam:               cam,
		flying:            flying,
		logger:            log,
		now:               time.Now,
	}
	h.FilePath = h.addRBV("file_path", "FilePath", epics.Config)
	h.FileName = h.addRBV("file_name", "FileName", epics.Config)
	h.FileTemplate = h.addRBV("file_template", "FileTemplate", epics.Config)
	h.FileNumber = h.addRBV("file_number", "FileNumber", epics.Omitted)
	h.FullFileName = h.add("full_file_name", "FullFileName_RBV", epics.Omitted)
	h.FilePathExists = h.add("file_path_exists", "FilePathExists_RBV", epics.Omitted)
	h.AutoIncrement = h.addRBV("auto_increment", "AutoIncrement", epics.Omitted)
	h.AutoSave = h.addRBV("auto_save", "AutoSave", epics.Omitted)
	h.FileWriteMode = h.addRBV("file_write_mode", "FileWriteMode", epics.Config)
	h.NumCapture = h.addRBV("num_capture", "NumCapture", epics.Omitted)
	h.Capture = h.addRBV("capture", "Capture", epics.Omitted)
	h.CreateDirectory = h.addRBV("create_directory", "CreateDirectory", epics.Config)

	h.StageSigs.Set(h.Enable, 1)
	h.StageSigs.Set(h.AutoIncrement, "Yes")
	h.StageSigs.Set(h.ArrayCounter, 0)
	h.StageSigs.Set(h.AutoSave, "Yes")
	h.StageSigs.Set(h.NumCapture, 0)
	h.StageSigs.Set(h.FileTemplate, DefaultFileTemplate)
	h.StageSigs.Set(h.FileWriteMode, "Stream")
	h.StageSigs.Set(h.Capture, 1)
	h.SetReadAttrs()
	return h
}

// FramesPerPoint is the camera's num_images, or 1 while flying.
func (h *HDF5Plugin) FramesPerPoint(ctx context.Context) (int, error) {
	if h.flying != nil && h.flying() {
		return 1, nil
	}
	v, err := h.cam.NumImages.Get(ctx)
	if err != nil {
		return 0, err
	}
	n, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("num_images: not an integer: %v", v)
	}
	return n, nil
}

// makeFilename expands the strftime fields of the path templates.
func (h *HDF5Plugin) makeFilename() (filename, readPath, writePath string, err error) {
	now := h.now()
	writePath, err = strftime.Format(h.WritePathTemplate, now)
	if err != nil {
		return "", "", "", fmt.Errorf("write path template: %w", err)
	}
	writePath = withSlash(writePath)
	readPath = writePath
	if h.ReadPathTemplate != "" {
		if readPath, err = strftime.Format(h.ReadPathTemplate, now); err != nil {
			return "", "", "", fmt.Errorf("read path template: %w", err)
		}
		readPath = withSlash(readPath)
	}
	return docs.NewShortUID(), readPath, writePath, nil
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Stage opens a new file on the IOC and queues its resource.
func (h *HDF5Plugin) Stage(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged {
		return fmt.Errorf("%s: already staged", h.Name)
	}

	filename, readPath, writePath, err := h.makeFilename()
	if err != nil {
		return err
	}

	mode, err := h.FileWriteMode.Get(ctx)
	if err != nil {
		return err
	}
	if fmt.Sprint(mode) != "Single" {
		if err := h.Capture.Put(ctx, 0); err != nil {
			return err
		}
	}
	for _, step := range []struct {
		sig   *epics.Signal
		value any
	}{{h.FilePath, writePath}, {h.FileName, filename}, {h.FileNumber, 0}} {
		if err := step.sig.Put(ctx, step.value); err != nil {
			return err
		}
	}

	h.StageSigs.MoveToEnd(h.Capture)
	if err := h.StageSigs.Stage(ctx); err != nil {
		return err
	}
	fail := func(err error) error {
		return errors.Join(err, h.StageSigs.Unstage(ctx))
	}

	template, err := h.FileTemplate.Get(ctx)
	if err != nil {
		return fail(err)
	}
	numberValue, err := h.FileNumber.Get(ctx)
	if err != nil {
		return fail(err)
	}
	number, _ := asInt(numberValue)
	// the IOC has already advanced file_number past the open file
	h.fn = fmt.Sprintf(fmt.Sprint(template), readPath, filename, number-1)

	exists, err := h.FilePathExists.Get(ctx)
	if err != nil {
		return fail(err)
	}
	if !epics.Equal(exists, 1, 0) && fmt.Sprint(exists) != "Yes" {
		return fail(fmt.Errorf("path %s does not exist on IOC", writePath))
	}

	fpp, err := h.FramesPerPoint(ctx)
	if err != nil {
		return fail(err)
	}
	resourcePath := h.fn
	if h.Root != "" {
		if rel, err := filepath.Rel(h.Root, h.fn); err == nil && !strings.HasPrefix(rel, "..") {
			resourcePath = rel
		}
	}
	h.resource, h.datums = docs.ComposeResource("", h.Spec, h.Root, resourcePath,
		map[string]any{"frame_per_point": fpp})
	h.filename = filename
	h.point = 0
	h.staged = true

	if h.PrimeOnStage {
		if err := h.Warmup(ctx); err != nil {
			h.staged = false
			h.datums = nil
			return fail(err)
		}
	}
	h.assets.Append(docs.NameResource, h.resource)
	h.logger.Info("hdf5 staged", zap.String("file", h.fn), zap.Int("frame_per_point", fpp))
	return nil
}

// GenerateDatum records one point in the open file and returns its datum id.
func (h *HDF5Plugin) GenerateDatum() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.staged {
		return "", fmt.Errorf("%s: not staged", h.Name)
	}
	datum := h.datums.Compose(map[string]any{"point_number": h.point})
	h.point++
	h.assets.Append(docs.NameDatum, datum)
	return datum.DatumID, nil
}

func (h *HDF5Plugin) Unstage(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.staged {
		return nil
	}
	err := h.StageSigs.Unstage(ctx)
	h.staged = false
	h.resource = docs.Resource{}
	h.datums = nil
	h.point = 0
	return err
}

// File is the path of the open file, empty when not staged.
func (h *HDF5Plugin) File() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.staged {
		return ""
	}
	return h.fn
}

func (h *HDF5Plugin) CollectAssetDocs() []docs.AssetDoc {
	return h.assets.Drain()
}

// Warmup pushes one frame through the plugin so it learns the array
// dimensions. The camera settings it touches are restored afterwards.
// trigger_mode is written as 0 because the PICam driver has no "Internal"
// entry in its enum.
func (h *HDF5Plugin) Warmup(ctx context.Context) error {
	if err := h.Enable.Put(ctx, 1); err != nil {
		return err
	}
	sigs := []stageEntry{
		{h.cam.ArrayCallbacks, 1},
		{h.cam.ImageMode, "Single"},
		{h.cam.TriggerMode, 0},
		{h.cam.AcquireTime, 1},
		{h.cam.AcquirePeriod, 1},
		{h.cam.Acquire, 1},
	}
	originals := make([]stageEntry, 0, len(sigs))
	for _, e := range sigs {
		v, err := e.sig.Get(ctx)
		if err != nil {
			return err
		}
		originals = append(originals, stageEntry{e.sig, v})
	}

	var errs []error
	for _, e := range sigs {
		if err := sleep(ctx, h.Timing.Pacing); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.sig.Put(ctx, e.value); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, sleep(ctx, h.Timing.AcquireWait))
	}

	// restore even when the context is gone
	restoreCtx := context.WithoutCancel(ctx)
	for i := len(originals) - 1; i >= 0; i-- {
		_ = sleep(restoreCtx, h.Timing.Pacing)
		if err := originals[i].sig.Put(restoreCtx, originals[i].value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
