package areadetector

import (
	"context"
	"fmt"

	"tes-profile-go/internal/epics"
)

// ArraySize is an NDArray size as reported by a driver or plugin.
type ArraySize struct {
	Height int
	Width  int
	Depth  int
}

func (a ArraySize) Empty() bool {
	return a.Height == 0 || a.Width == 0
}

func (a ArraySize) String() string {
	return fmt.Sprintf("(height=%d, width=%d, depth=%d)", a.Height, a.Width, a.Depth)
}

func readArraySize(ctx context.Context, height, width, depth *epics.Signal) (ArraySize, error) {
	var out ArraySize
	for _, f := range []struct {
		sig *epics.Signal
		dst *int
	}{{height, &out.Height}, {width, &out.Width}, {depth, &out.Depth}} {
		v, err := f.sig.Get(ctx)
		if err != nil {
			return ArraySize{}, err
		}
		n, ok := asInt(v)
		if !ok {
			return ArraySize{}, fmt.Errorf("%s: not an integer: %v", f.sig.Name, v)
		}
		*f.dst = n
	}
	return out, nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	}
	return 0, false
}

// Cam is the detector driver record set, "cam1:".
type Cam struct {
	*Component

	Acquire        *epics.Signal
	AcquireTime    *epics.Signal
	AcquirePeriod  *epics.Signal
	ImageMode      *epics.Signal
	TriggerMode    *epics.Signal
	NumImages      *epics.Signal
	ArrayCallbacks *epics.Signal
	ArrayCounter   *epics.Signal
	DetectorState  *epics.Signal
	WaitForPlugins *epics.Signal

	sizeX, sizeY, sizeZ *epics.Signal
}

func newCam(client epics.Client, parent, prefix string) *Cam {
	c := &Cam{Component: newComponent(client, parent+"_cam", prefix+"cam1:", epics.Config)}
	c.Acquire = c.addRBV("acquire", "Acquire", epics.Omitted)
	c.AcquireTime = c.addRBV("acquire_time", "AcquireTime", epics.Config)
	c.AcquirePeriod = c.addRBV("acquire_period", "AcquirePeriod", epics.Config)
	c.ImageMode = c.addRBV("image_mode", "ImageMode", epics.Config)
	c.TriggerMode = c.addRBV("trigger_mode", "TriggerMode", epics.Config)
	c.NumImages = c.addRBV("num_images", "NumImages", epics.Config)
	c.ArrayCallbacks = c.addRBV("array_callbacks", "ArrayCallbacks", epics.Omitted)
	c.ArrayCounter = c.addRBV("array_counter", "ArrayCounter", epics.Omitted)
	c.DetectorState = c.add("detector_state", "DetectorState_RBV", epics.Omitted)
	c.WaitForPlugins = c.add("wait_for_plugins", "WaitForPlugins", epics.Config)
	c.sizeX = c.add("array_size_width", "ArraySizeX_RBV", epics.Omitted)
	c.sizeY = c.add("array_size_height", "ArraySizeY_RBV", epics.Omitted)
	c.sizeZ = c.add("array_size_depth", "ArraySizeZ_RBV", epics.Omitted)
	c.StageSigs.Set(c.WaitForPlugins, "Yes")
	return c
}

func (c *Cam) ArraySize(ctx context.Context) (ArraySize, error) {
	return readArraySize(ctx, c.sizeY, c.sizeX, c.sizeZ)
}

// Plugin holds the records every NDPlugin shares.
type Plugin struct {
	*Component

	Enable            *epics.Signal
	BlockingCallbacks *epics.Signal
	ArrayCounter      *epics.Signal

	size0, size1, size2 *epics.Signal
}

func newPlugin(client epics.Client, parent, attr, prefix, suffix string) *Plugin {
	p := &Plugin{Component: newComponent(client, parent+"_"+attr, prefix+suffix, epics.Normal)}
	p.Enable = p.addRBV("enable", "EnableCallbacks", epics.Config)
	p.BlockingCallbacks = p.addRBV("blocking_callbacks", "BlockingCallbacks", epics.Config)
	p.ArrayCounter = p.addRBV("array_counter", "ArrayCounter", epics.Omitted)
	p.size0 = p.add("array_size_width", "ArraySize0_RBV", epics.Omitted)
	p.size1 = p.add("array_size_height", "ArraySize1_RBV", epics.Omitted)
	p.size2 = p.add("array_size_depth", "ArraySize2_RBV", epics.Omitted)
	return p
}

// ArraySize is the size of the last array the plugin received; zeros mean the
// plugin has not seen a frame since the IOC started.
func (p *Plugin) ArraySize(ctx context.Context) (ArraySize, error) {
	return readArraySize(ctx, p.size1, p.size0, p.size2)
}

// EnsureNonblocking makes the plugin run in its own thread during a scan.
func (p *Plugin) EnsureNonblocking() {
	p.StageSigs.Set(p.BlockingCallbacks, "No")
}

type StatsPlugin struct {
	*Plugin
	Total *epics.Signal
}

func newStatsPlugin(client epics.Client, parent string, n int, prefix string) *StatsPlugin {
	s := &StatsPlugin{Plugin: newPlugin(client, parent, fmt.Sprintf("stats%d", n), prefix, fmt.Sprintf("Stats%d:", n))}
	s.Total = s.addRBV("total", "Total", epics.Normal)
	s.add("mean_value", "MeanValue_RBV", epics.Omitted)
	s.add("max_value", "MaxValue_RBV", epics.Omitted)
	return s
}

type ROIPlugin struct {
	*Plugin
	SizeX, SizeY, SizeZ *epics.Signal
	MinX, MinY, MinZ    *epics.Signal
}

func newROIPlugin(client epics.Client, parent string, n int, prefix string) *ROIPlugin {
	r := &ROIPlugin{Plugin: newPlugin(client, parent, fmt.Sprintf("roi%d", n), prefix, fmt.Sprintf("ROI%d:", n))}
	r.SizeX = r.addRBV("size_x", "SizeX", epics.Omitted)
	r.SizeY = r.addRBV("size_y", "SizeY", epics.Omitted)
	r.SizeZ = r.addRBV("size_z", "SizeZ", epics.Omitted)
	r.MinX = r.addRBV("min_xyz_min_x", "MinX", epics.Omitted)
	r.MinY = r.addRBV("min_xyz_min_y", "MinY", epics.Omitted)
	r.MinZ = r.addRBV("min_xyz_min_z", "MinZ", epics.Omitted)
	return r
}

// SetSizeKind applies kind to the size_x/y/z records.
func (r *ROIPlugin) SetSizeKind(kind epics.Kind) {
	r.SizeX.Kind, r.SizeY.Kind, r.SizeZ.Kind = kind, kind, kind
}

// SetMinKind applies kind to the min_xyz records.
func (r *ROIPlugin) SetMinKind(kind epics.Kind) {
	r.MinX.Kind, r.MinY.Kind, r.MinZ.Kind = kind, kind, kind
}

type TransformPlugin struct {
	*Plugin
	Type *epics.Signal
}

func newTransformPlugin(client epics.Client, parent, prefix string) *TransformPlugin {
	t := &TransformPlugin{Plugin: newPlugin(client, parent, "trans1", prefix, "Trans1:")}
	t.Type = t.addRBV("transform_type", "Type", epics.Config)
	return t
}

type ProcessPlugin struct {
	*Plugin
	EnableBackground *epics.Signal
	EnableFilter     *epics.Signal
}

func newProcessPlugin(client epics.Client, parent, prefix string) *ProcessPlugin {
	p := &ProcessPlugin{Plugin: newPlugin(client, parent, "proc1", prefix, "Proc1:")}
	p.EnableBackground = p.addRBV("enable_background", "EnableBackground", epics.Config)
	p.EnableFilter = p.addRBV("enable_filter", "EnableFilter", epics.Config)
	return p
}
