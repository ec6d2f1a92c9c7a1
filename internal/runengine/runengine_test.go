package runengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/areadetector"
	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/epics"
	"tes-profile-go/internal/runengine"
	"tes-profile-go/internal/simulator"
	"tes-profile-go/internal/vstream"
)

type recorder struct {
	mu   sync.Mutex
	docs []docs.Envelope
}

func (r *recorder) Emit(_ context.Context, env docs.Envelope) error {
	r.mu.Lock()
	r.docs = append(r.docs, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.docs))
	for i, env := range r.docs {
		out[i] = env.Name
	}
	return out
}

func (r *recorder) all(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, env := range r.docs {
		if env.Name == name {
			out = append(out, env.Doc)
		}
	}
	return out
}

func boot(t *testing.T) *runengine.RunEngine {
	t.Helper()
	re, err := runengine.Boot(runengine.Config{MetadataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = re.Close() })
	return re
}

func newVStream(t *testing.T) *vstream.Detector {
	t.Helper()
	return vstream.New(vstream.Config{
		URL:          "sim://",
		Root:         t.TempDir(),
		ExposureTime: 10,
		Height:       4,
		Width:        5,
		Opener: func(ctx context.Context, url string) (vstream.Source, error) {
			return simulator.NewConstant(4, 5, 3, 2, 3), nil
		},
	})
}

func newPICam(t *testing.T) *areadetector.Detector {
	t.Helper()
	sim := epics.NewSimClient()
	d := areadetector.New(sim, areadetector.Config{Timing: &areadetector.Timing{}})
	areadetector.Simulate(sim, d)
	require.NoError(t, areadetector.ConfigurePICam(context.Background(), d, areadetector.ProfileConfig{
		WritePathTemplate: "/data/picam/%Y/%m/%d/",
	}))
	return d
}

func TestBootStampsBeamline(t *testing.T) {
	re := boot(t)
	v, err := re.MD.Get("beamline_id")
	require.NoError(t, err)
	assert.Equal(t, "TES", v)
}

func TestBootRequiresDirectory(t *testing.T) {
	_, err := runengine.Boot(runengine.Config{})
	assert.Error(t, err)
}

func TestCountDocumentOrder(t *testing.T) {
	re := boot(t)
	rec := &recorder{}
	re.Subscribe(rec)
	require.NoError(t, re.MD.Set("proposal", "pass-123"))

	vs := newVStream(t)
	pc := newPICam(t)
	uid, err := re.Count(context.Background(), []runengine.Device{vs, pc}, 2, map[string]any{"sample": "Fe2O3"})
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	assert.Equal(t, []string{
		"start", "descriptor",
		"resource", "datum", "resource", "datum", "event",
		"datum", "datum", "event",
		"stop",
	}, rec.names())

	start := rec.all(docs.NameStart)[0].(docs.Start)
	assert.Equal(t, uid, start.UID())
	assert.Equal(t, "TES", start["beamline_id"])
	assert.Equal(t, "pass-123", start["proposal"])
	assert.Equal(t, "Fe2O3", start["sample"])
	assert.Equal(t, "count", start["plan_name"])
	assert.Equal(t, int64(1), start["scan_id"])
	assert.Equal(t, []string{"vstream", "picam"}, start["detectors"])

	desc := rec.all(docs.NameDescriptor)[0].(docs.Descriptor)
	assert.Equal(t, uid, desc.RunStart)
	assert.Equal(t, runengine.PrimaryStream, desc.Name)
	assert.Contains(t, desc.DataKeys, "vstream_image")
	assert.Contains(t, desc.DataKeys, "picam_image")
	assert.Equal(t, "vstream", desc.DataKeys["vstream_image"].Object)
	assert.Contains(t, desc.Configuration, "picam")
	assert.Contains(t, desc.Configuration["vstream"].Data, "vstream_exposure_time")
	assert.Equal(t, map[string]any{"fields": []string{"picam_stats1_total", "picam_stats2_total"}}, desc.Hints["picam"])

	for _, doc := range rec.all(docs.NameResource) {
		assert.Equal(t, uid, doc.(docs.Resource).RunStart)
	}

	events := rec.all(docs.NameEvent)
	require.Len(t, events, 2)
	for i, doc := range events {
		ev := doc.(docs.Event)
		assert.Equal(t, i+1, ev.SeqNum)
		assert.Equal(t, desc.UID, ev.Descriptor)
		assert.Equal(t, false, ev.Filled["vstream_image"])
		assert.Equal(t, false, ev.Filled["picam_image"])
		assert.InDelta(t, 6.0, ev.Data["vstream_mean"].(float64), 1e-12)
	}

	datums := rec.all(docs.NameDatum)
	assert.Equal(t, datums[2].(docs.Datum).DatumID, events[1].(docs.Event).Data["vstream_image"])

	stop := rec.all(docs.NameStop)[0].(docs.Stop)
	assert.Equal(t, runengine.ExitSuccess, stop.ExitStatus)
	assert.Equal(t, map[string]int{"primary": 2}, stop.NumEvents)

	assert.Equal(t, "idle", vs.State())
	last := re.LastRun()
	assert.Equal(t, uid, last.UID)
	assert.Equal(t, 2, last.Events)
	assert.False(t, re.Running())
}

func TestScanIDPersists(t *testing.T) {
	dir := t.TempDir()
	re, err := runengine.Boot(runengine.Config{MetadataDir: dir})
	require.NoError(t, err)
	dev := &fakeDevice{name: "det"}
	_, err = re.Count(context.Background(), []runengine.Device{dev}, 1, nil)
	require.NoError(t, err)
	_, err = re.Count(context.Background(), []runengine.Device{dev}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), re.LastRun().ScanID)
	require.NoError(t, re.Close())

	re, err = runengine.Boot(runengine.Config{MetadataDir: dir})
	require.NoError(t, err)
	defer re.Close()
	_, err = re.Count(context.Background(), []runengine.Device{dev}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), re.LastRun().ScanID)
}

type fakeDevice struct {
	name       string
	stageErr   error
	triggerErr error
	block      chan struct{}

	mu       sync.Mutex
	staged   bool
	unstaged int
	triggers int
}

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) Stage(context.Context) error {
	if f.stageErr != nil {
		return f.stageErr
	}
	f.mu.Lock()
	f.staged = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Trigger(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.triggers++
	f.mu.Unlock()
	return f.triggerErr
}

func (f *fakeDevice) Read(context.Context) (map[string]docs.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]docs.Reading{f.name + "_count": {Value: f.triggers, Timestamp: docs.Now()}}, nil
}

func (f *fakeDevice) Describe(context.Context) (map[string]docs.DataKey, error) {
	return map[string]docs.DataKey{f.name + "_count": {Source: "SIM:" + f.name, DType: "integer", Shape: []int{}}}, nil
}

func (f *fakeDevice) ReadConfiguration(context.Context) (map[string]docs.Reading, error) {
	return map[string]docs.Reading{}, nil
}

func (f *fakeDevice) DescribeConfiguration(context.Context) (map[string]docs.DataKey, error) {
	return map[string]docs.DataKey{}, nil
}

func (f *fakeDevice) Unstage(context.Context) error {
	f.mu.Lock()
	f.staged = false
	f.unstaged++
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) CollectAssetDocs() []docs.AssetDoc { return nil }

func TestCountTriggerFailure(t *testing.T) {
	re := boot(t)
	rec := &recorder{}
	re.Subscribe(rec)

	good := &fakeDevice{name: "good"}
	bad := &fakeDevice{name: "bad", triggerErr: errors.New("shutter closed")}
	_, err := re.Count(context.Background(), []runengine.Device{good, bad}, 3, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutter closed")

	assert.Equal(t, []string{"start", "stop"}, rec.names())
	stop := rec.all(docs.NameStop)[0].(docs.Stop)
	assert.Equal(t, runengine.ExitFail, stop.ExitStatus)
	assert.Contains(t, stop.Reason, "shutter closed")
	assert.Empty(t, stop.NumEvents)
	assert.Equal(t, 1, good.unstaged)
	assert.Equal(t, 1, bad.unstaged)
	assert.Equal(t, runengine.ExitFail, re.LastRun().ExitStatus)
}

func TestCountStageFailureUnstagesStaged(t *testing.T) {
	re := boot(t)
	rec := &recorder{}
	re.Subscribe(rec)

	first := &fakeDevice{name: "first"}
	second := &fakeDevice{name: "second", stageErr: errors.New("no hardware")}
	third := &fakeDevice{name: "third"}
	uid, err := re.Count(context.Background(), []runengine.Device{first, second, third}, 1, nil)
	require.Error(t, err)
	assert.Empty(t, uid)
	assert.Empty(t, rec.names())
	assert.Equal(t, 1, first.unstaged)
	assert.Zero(t, second.unstaged)
	assert.Zero(t, third.unstaged)
}

func TestCountAbort(t *testing.T) {
	re := boot(t)
	rec := &recorder{}
	re.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{name: "slow", block: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := re.Count(ctx, []runengine.Device{dev}, 5, nil)
		done <- err
	}()
	require.Eventually(t, re.Running, time.Second, time.Millisecond)

	_, err := re.Count(context.Background(), []runengine.Device{&fakeDevice{name: "other"}}, 1, nil)
	assert.ErrorIs(t, err, runengine.ErrBusy)

	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	stop := rec.all(docs.NameStop)[0].(docs.Stop)
	assert.Equal(t, runengine.ExitAbort, stop.ExitStatus)
	assert.Equal(t, 1, dev.unstaged)
}

func TestUnsubscribe(t *testing.T) {
	re := boot(t)
	rec := &recorder{}
	unsubscribe := re.Subscribe(rec)
	failing := runengine.SinkFunc(func(context.Context, docs.Envelope) error {
		return errors.New("broker down")
	})
	re.Subscribe(failing)

	_, err := re.Count(context.Background(), []runengine.Device{&fakeDevice{name: "d"}}, 1, nil)
	require.NoError(t, err)
	n := len(rec.names())
	assert.Equal(t, 4, n)

	unsubscribe()
	_, err = re.Count(context.Background(), []runengine.Device{&fakeDevice{name: "d"}}, 1, nil)
	require.NoError(t, err)
	assert.Len(t, rec.names(), n)
}

func TestCountRejectsBadArguments(t *testing.T) {
	re := boot(t)
	_, err := re.Count(context.Background(), []runengine.Device{&fakeDevice{name: "d"}}, 0, nil)
	assert.Error(t, err)
	_, err = re.Count(context.Background(), nil, 1, nil)
	assert.Error(t, err)
}
