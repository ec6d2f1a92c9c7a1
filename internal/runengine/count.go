package runengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/metrics"
	"tes-profile-go/internal/tracing"
)

// Count stages the devices, takes num readings of all of them in one primary
// stream and unstages them again, whatever happened in between. It returns the
// run uid; the uid is empty when staging failed and no run was opened.
func (re *RunEngine) Count(ctx context.Context, devices []Device, num int, md map[string]any) (string, error) {
	if num < 1 {
		return "", fmt.Errorf("count: num must be positive, got %d", num)
	}
	if len(devices) == 0 {
		return "", errors.New("count: no devices")
	}
	if err := re.begin("count"); err != nil {
		return "", err
	}

	ctx, span := tracing.Tracer().Start(ctx, "runengine.count")
	span.SetAttributes(attribute.Int("num", num), attribute.StringSlice("detectors", names(devices)))
	defer span.End()

	r := &run{re: re, devices: devices}
	info := RunInfo{PlanName: "count", Started: docs.Now()}
	err := r.count(ctx, num, md)
	info.UID = r.uid
	info.ScanID = r.scanID
	info.Events = r.seq
	info.ExitStatus = exitStatus(ctx, err)
	if err != nil {
		info.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	info.Finished = docs.Now()
	re.end(info)
	metrics.RunsTotal.WithLabelValues(info.ExitStatus).Inc()
	re.logger.Info("run finished",
		zap.String("uid", info.UID),
		zap.Int64("scan_id", info.ScanID),
		zap.String("exit_status", info.ExitStatus),
		zap.Int("events", info.Events),
	)
	return r.uid, err
}

type run struct {
	re      *RunEngine
	devices []Device

	uid        string
	scanID     int64
	descriptor string
	dataKeys   map[string]docs.DataKey
	seq        int
}

func (r *run) count(ctx context.Context, num int, md map[string]any) (err error) {
	staged, err := r.stage(ctx)
	defer func() {
		if uerr := r.unstage(context.WithoutCancel(ctx), staged); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()
	if err != nil {
		return err
	}

	plan := map[string]any{
		"plan_name":     "count",
		"plan_type":     "generator",
		"detectors":     names(r.devices),
		"num_points":    num,
		"num_intervals": num - 1,
		"plan_args":     map[string]any{"detectors": names(r.devices), "num": num},
		"hints":         map[string]any{"dimensions": []any{[]any{[]string{"time"}, PrimaryStream}}},
	}
	if err := r.open(ctx, plan, md); err != nil {
		return err
	}
	defer func() {
		r.close(context.WithoutCancel(ctx), exitStatus(ctx, err), err)
	}()

	for point := 0; point < num; point++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.triggerAndRead(ctx); err != nil {
			return fmt.Errorf("point %d: %w", point, err)
		}
	}
	return nil
}

// stage returns the devices that were staged, in order, even on failure so
// the caller can unstage them.
func (r *run) stage(ctx context.Context) ([]Device, error) {
	staged := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if err := d.Stage(ctx); err != nil {
			return staged, fmt.Errorf("stage %s: %w", d.Name(), err)
		}
		staged = append(staged, d)
	}
	return staged, nil
}

func (r *run) unstage(ctx context.Context, staged []Device) error {
	var errs []error
	for i := len(staged) - 1; i >= 0; i-- {
		if err := staged[i].Unstage(ctx); err != nil {
			r.re.logger.Error("unstage failed", zap.String("device", staged[i].Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("unstage %s: %w", staged[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *run) open(ctx context.Context, plan, md map[string]any) error {
	scanID, err := r.re.nextScanID()
	if err != nil {
		return err
	}
	start := docs.Start{}
	for k, v := range r.re.MD.Items() {
		start[k] = v
	}
	for k, v := range plan {
		start[k] = v
	}
	for k, v := range md {
		start[k] = v
	}
	r.uid = docs.NewUID()
	r.scanID = scanID
	start["uid"] = r.uid
	start["time"] = docs.Now()
	start["scan_id"] = scanID

	r.re.mu.Lock()
	r.re.last.UID = r.uid
	r.re.last.ScanID = scanID
	r.re.mu.Unlock()

	r.re.logger.Info("run started", zap.String("uid", r.uid), zap.Int64("scan_id", scanID))
	r.re.emit(ctx, docs.NameStart, start)
	return nil
}

func (r *run) close(ctx context.Context, status string, err error) {
	stop := docs.Stop{
		RunStart:   r.uid,
		UID:        docs.NewUID(),
		Time:       docs.Now(),
		ExitStatus: status,
		NumEvents:  map[string]int{},
	}
	if err != nil {
		stop.Reason = err.Error()
	}
	if r.descriptor != "" {
		stop.NumEvents[PrimaryStream] = r.seq
	}
	r.re.emit(ctx, docs.NameStop, stop)
}

func (r *run) triggerAndRead(ctx context.Context) error {
	if err := triggerAll(ctx, r.devices); err != nil {
		return err
	}

	data := map[string]any{}
	timestamps := map[string]float64{}
	for _, d := range r.devices {
		readings, err := d.Read(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", d.Name(), err)
		}
		for k, v := range readings {
			data[k] = v.Value
			timestamps[k] = v.Timestamp
		}
	}

	if r.descriptor == "" {
		desc, err := r.describe(ctx)
		if err != nil {
			return err
		}
		r.re.emit(ctx, docs.NameDescriptor, desc)
		r.descriptor = desc.UID
		r.dataKeys = desc.DataKeys
	}

	for _, d := range r.devices {
		for _, asset := range d.CollectAssetDocs() {
			doc := asset.Doc
			if res, ok := doc.(docs.Resource); ok && res.RunStart == "" {
				res.RunStart = r.uid
				doc = res
			}
			r.re.emit(ctx, asset.Kind, doc)
		}
	}

	filled := map[string]bool{}
	for k, dk := range r.dataKeys {
		if dk.External != "" {
			filled[k] = false
		}
	}

	r.seq++
	r.re.emit(ctx, docs.NameEvent, docs.Event{
		Descriptor: r.descriptor,
		UID:        docs.NewUID(),
		Time:       docs.Now(),
		SeqNum:     r.seq,
		Data:       data,
		Timestamps: timestamps,
		Filled:     filled,
	})
	return nil
}

func (r *run) describe(ctx context.Context) (docs.Descriptor, error) {
	desc := docs.Descriptor{
		RunStart:      r.uid,
		UID:           docs.NewUID(),
		Time:          docs.Now(),
		Name:          PrimaryStream,
		DataKeys:      map[string]docs.DataKey{},
		ObjectKeys:    map[string][]string{},
		Configuration: map[string]docs.Configuration{},
		Hints:         map[string]any{},
	}
	for _, d := range r.devices {
		name := d.Name()
		keys, err := d.Describe(ctx)
		if err != nil {
			return desc, fmt.Errorf("describe %s: %w", name, err)
		}
		objectKeys := make([]string, 0, len(keys))
		for k, dk := range keys {
			if dk.Object == "" {
				dk.Object = name
			}
			desc.DataKeys[k] = dk
			objectKeys = append(objectKeys, k)
		}
		sort.Strings(objectKeys)
		desc.ObjectKeys[name] = objectKeys

		conf, err := d.ReadConfiguration(ctx)
		if err != nil {
			return desc, fmt.Errorf("read configuration %s: %w", name, err)
		}
		confKeys, err := d.DescribeConfiguration(ctx)
		if err != nil {
			return desc, fmt.Errorf("describe configuration %s: %w", name, err)
		}
		c := docs.Configuration{
			Data:       make(map[string]any, len(conf)),
			Timestamps: make(map[string]float64, len(conf)),
			DataKeys:   confKeys,
		}
		for k, v := range conf {
			c.Data[k] = v.Value
			c.Timestamps[k] = v.Timestamp
		}
		desc.Configuration[name] = c

		if h, ok := d.(Hinter); ok {
			if fields := h.Hints(); len(fields) > 0 {
				desc.Hints[name] = map[string]any{"fields": fields}
			}
		}
	}
	return desc, nil
}

// triggerAll fires every device at once and waits for all of them.
func triggerAll(ctx context.Context, devices []Device) error {
	var wg sync.WaitGroup
	errs := make([]error, len(devices))
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d Device) {
			defer wg.Done()
			if err := d.Trigger(ctx); err != nil {
				errs[i] = fmt.Errorf("trigger %s: %w", d.Name(), err)
			}
		}(i, d)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func names(devices []Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Name()
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
