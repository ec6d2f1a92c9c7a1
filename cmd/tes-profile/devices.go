package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tes-profile-go/internal/areadetector"
	"tes-profile-go/internal/config"
	"tes-profile-go/internal/epics"
	"tes-profile-go/internal/runengine"
	"tes-profile-go/internal/simulator"
	"tes-profile-go/internal/vstream"
)

type devices struct {
	list    []runengine.Device
	vstream *vstream.Detector
	picam   *areadetector.Detector
	client  epics.Client
}

// buildDevices creates the video-stream detector and, when enabled, the
// PICam. Debug mode swaps the camera stream for the simulator and the PV
// gateway for an in-memory IOC.
func buildDevices(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*devices, error) {
	opener := vstream.MJPEGOpener(&http.Client{})
	switch {
	case cfg.Debug:
		opener = simulator.Opener(simulator.Config{
			Height: cfg.VStreamHeight,
			Width:  cfg.VStreamWidth,
			Rate:   cfg.DebugRate,
		})
	case cfg.VStreamBackend == config.BackendGoCV:
		opener = vstream.OpenGoCV
	}

	d := &devices{}
	d.vstream = vstream.New(vstream.Config{
		Name:         cfg.VStreamName,
		URL:          cfg.VStreamURL,
		Root:         cfg.VStreamRoot,
		ExposureTime: cfg.VStreamExposure,
		Height:       cfg.VStreamHeight,
		Width:        cfg.VStreamWidth,
		MinFrames:    cfg.VStreamMinFrames,
		Compression:  cfg.VStreamCompression,
		Format:       cfg.VStreamFormat,
		Opener:       opener,
		Logger:       log,
	})
	d.list = append(d.list, d.vstream)

	if !cfg.PICamEnabled {
		return d, nil
	}

	var sim *epics.SimClient
	if cfg.Debug {
		sim = epics.NewSimClient()
		d.client = sim
	} else {
		client, err := epics.DialPVWS(ctx, cfg.PVWSURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect pv gateway: %w", err)
		}
		d.client = client
	}

	d.picam = areadetector.New(d.client, areadetector.Config{
		Name:   cfg.PICamName,
		Prefix: cfg.PICamPrefix,
		Root:   cfg.HDF5Root,
		Logger: log,
	})
	d.picam.SetTimeout(cfg.PVTimeout)
	if sim != nil {
		areadetector.Simulate(sim, d.picam)
	}
	err := areadetector.ConfigurePICam(ctx, d.picam, areadetector.ProfileConfig{
		WritePathTemplate: cfg.HDF5WritePathTemplate,
		CreateDirectory:   cfg.HDF5CreateDirectory,
		PrimeOnStage:      cfg.HDF5PrimeOnStage,
	})
	if err != nil {
		_ = d.client.Close()
		return nil, fmt.Errorf("configure %s: %w", cfg.PICamName, err)
	}
	d.list = append(d.list, d.picam)
	return d, nil
}

func warmupPICam(ctx context.Context, d *devices, log *zap.Logger) error {
	return areadetector.WarmupHDF5Plugins(ctx, []*areadetector.Detector{d.picam}, log)
}

func (d *devices) States() map[string]string {
	out := map[string]string{d.vstream.Name(): d.vstream.State()}
	if d.picam != nil {
		state := "idle"
		if d.picam.IsFlying() {
			state = "flying"
		}
		out[d.picam.Name()] = state
	}
	return out
}

func (d *devices) Close() error {
	var errs []error
	if d.client != nil {
		errs = append(errs, d.client.Close())
	}
	return errors.Join(errs...)
}
