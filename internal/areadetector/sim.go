package areadetector

import (
	"context"
	"strings"

	"tes-profile-go/internal/epics"
)

// Simulate seeds sim with every record of d and emulates the IOC side
// effects the profile relies on: readbacks follow writes, Acquire completes
// at once and pushes a frame of the driver size through enabled plugins, and
// starting a capture advances the file number.
func Simulate(sim *epics.SimClient, d *Detector) {
	for _, c := range d.Components() {
		for _, sig := range c.Signals() {
			sim.Set(sig.ReadPV, simDefault(sig.ReadPV))
			if sig.WritePV != sig.ReadPV {
				sim.Set(sig.WritePV, simDefault(sig.ReadPV))
				readPV := sig.ReadPV
				sim.Hook(sig.WritePV, func(c *epics.SimClient, v any) {
					c.Set(readPV, v)
				})
			}
		}
	}

	cam := d.Cam
	sim.Hook(cam.Acquire.WritePV, func(c *epics.SimClient, v any) {
		if !epics.Equal(v, 1, 0) {
			c.Set(cam.Acquire.ReadPV, v)
			return
		}
		counter := getInt(c, cam.ArrayCounter.ReadPV)
		c.Set(cam.ArrayCounter.ReadPV, counter+1)
		if callbacksOn(c, cam.ArrayCallbacks.ReadPV) {
			for _, p := range d.Plugins() {
				if !callbacksOn(c, p.Enable.ReadPV) {
					continue
				}
				c.Set(p.size0.ReadPV, getInt(c, cam.sizeX.ReadPV))
				c.Set(p.size1.ReadPV, getInt(c, cam.sizeY.ReadPV))
				c.Set(p.ArrayCounter.ReadPV, getInt(c, p.ArrayCounter.ReadPV)+1)
			}
		}
		c.Set(cam.Acquire.ReadPV, 0)
	})

	h := d.HDF5
	sim.Hook(h.Capture.WritePV, func(c *epics.SimClient, v any) {
		c.Set(h.Capture.ReadPV, v)
		if epics.Equal(v, 1, 0) && isYes(c, h.AutoIncrement.ReadPV) {
			c.Set(h.FileNumber.ReadPV, getInt(c, h.FileNumber.ReadPV)+1)
		}
	})
}

func simDefault(pv string) any {
	switch {
	case strings.HasSuffix(pv, "cam1:ArraySizeX_RBV"):
		return 704
	case strings.HasSuffix(pv, "cam1:ArraySizeY_RBV"):
		return 480
	case strings.HasSuffix(pv, "cam1:NumImages_RBV"):
		return 1
	case strings.HasSuffix(pv, "cam1:AcquireTime_RBV"), strings.HasSuffix(pv, "cam1:AcquirePeriod_RBV"):
		return 100.0
	case strings.HasSuffix(pv, "cam1:ImageMode_RBV"):
		return "Continuous"
	case strings.HasSuffix(pv, "cam1:ArrayCallbacks_RBV"):
		return 1
	case strings.HasSuffix(pv, "cam1:WaitForPlugins"):
		return "No"
	case strings.HasSuffix(pv, "cam1:DetectorState_RBV"):
		return "Idle"
	case strings.HasSuffix(pv, "EnableCallbacks_RBV"):
		return 0
	case strings.HasSuffix(pv, "BlockingCallbacks_RBV"):
		return "Yes"
	case strings.HasSuffix(pv, "FileTemplate_RBV"):
		return DefaultFileTemplate
	case strings.HasSuffix(pv, "FileWriteMode_RBV"):
		return "Single"
	case strings.HasSuffix(pv, "FilePathExists_RBV"):
		return 1
	case strings.HasSuffix(pv, "AutoIncrement_RBV"), strings.HasSuffix(pv, "AutoSave_RBV"):
		return "No"
	case strings.HasSuffix(pv, "FilePath_RBV"), strings.HasSuffix(pv, "FileName_RBV"),
		strings.HasSuffix(pv, "FullFileName_RBV"):
		return ""
	case strings.HasSuffix(pv, "Total_RBV"), strings.HasSuffix(pv, "MeanValue_RBV"),
		strings.HasSuffix(pv, "MaxValue_RBV"):
		return 0.0
	}
	return 0
}

func getInt(c *epics.SimClient, pv string) int {
	v, err := c.Get(context.Background(), pv)
	if err != nil {
		return 0
	}
	n, _ := asInt(v)
	return n
}

func callbacksOn(c *epics.SimClient, pv string) bool {
	v, err := c.Get(context.Background(), pv)
	if err != nil {
		return false
	}
	return epics.Equal(v, 1, 0) || v == "Enable"
}

func isYes(c *epics.SimClient, pv string) bool {
	v, err := c.Get(context.Background(), pv)
	if err != nil {
		return false
	}
	return v == "Yes" || epics.Equal(v, 1, 0)
}
