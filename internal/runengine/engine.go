// Package runengine runs acquisition plans over devices and emits the run
// documents to subscribed sinks. Nothing is built at import time: main calls
// Boot once, and the returned engine owns the persistent run metadata.
package runengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/metrics"
	"tes-profile-go/internal/persist"
)

const (
	DefaultBeamline = "TES"
	PrimaryStream   = "primary"

	ExitSuccess = "success"
	ExitFail    = "fail"
	ExitAbort   = "abort"
)

var ErrBusy = errors.New("a run is already in progress")

type Config struct {
	MetadataDir  string
	Beamline     string
	Codec        persist.Codec
	WriteThrough bool
	Logger       *zap.Logger
}

// RunInfo summarises the latest run.
type RunInfo struct {
	UID        string  `json:"uid"`
	ScanID     int64   `json:"scan_id"`
	PlanName   string  `json:"plan_name"`
	ExitStatus string  `json:"exit_status"`
	Reason     string  `json:"reason,omitempty"`
	Events     int     `json:"events"`
	Started    float64 `json:"started"`
	Finished   float64 `json:"finished,omitempty"`
}

type RunEngine struct {
	MD *persist.Dict

	logger *zap.Logger
	run    sync.Mutex

	mu      sync.RWMutex
	sinks   map[int]Sink
	nextID  int
	running bool
	last    RunInfo
}

// Boot opens the persistent metadata and stamps the beamline id. A partially
// unreadable metadata directory is logged and the readable keys are kept.
func Boot(cfg Config) (*RunEngine, error) {
	log := logger.OrNop(cfg.Logger)
	if cfg.MetadataDir == "" {
		return nil, errors.New("metadata directory is required")
	}
	if cfg.Beamline == "" {
		cfg.Beamline = DefaultBeamline
	}
	opts := []persist.Option{persist.WithLogger(log)}
	if cfg.Codec != nil {
		opts = append(opts, persist.WithCodec(cfg.Codec))
	}
	if cfg.WriteThrough {
		opts = append(opts, persist.WithWriteThrough())
	}
	md, err := persist.Open(cfg.MetadataDir, opts...)
	if md == nil {
		return nil, fmt.Errorf("open metadata %s: %w", cfg.MetadataDir, err)
	}
	if err != nil {
		log.Warn("metadata loaded with errors", zap.String("dir", cfg.MetadataDir), zap.Error(err))
	}
	if err := md.Set("beamline_id", cfg.Beamline); err != nil {
		_ = md.Close()
		return nil, err
	}
	log.Info("run engine booted",
		zap.String("metadata_dir", md.Directory()),
		zap.String("beamline", cfg.Beamline),
		zap.Int("md_keys", md.Len()),
	)
	return &RunEngine{
		MD:     md,
		logger: log,
		sinks:  make(map[int]Sink),
	}, nil
}

// Subscribe registers a sink and returns the function that removes it.
func (re *RunEngine) Subscribe(s Sink) func() {
	re.mu.Lock()
	id := re.nextID
	re.nextID++
	re.sinks[id] = s
	re.mu.Unlock()
	return func() {
		re.mu.Lock()
		delete(re.sinks, id)
		re.mu.Unlock()
	}
}

func (re *RunEngine) Running() bool {
	re.mu.RLock()
	defer re.mu.RUnlock()
	return re.running
}

func (re *RunEngine) LastRun() RunInfo {
	re.mu.RLock()
	defer re.mu.RUnlock()
	return re.last
}

// Close flushes the metadata.
func (re *RunEngine) Close() error {
	return re.MD.Close()
}

func (re *RunEngine) emit(ctx context.Context, name string, doc any) {
	env := docs.Envelope{Name: name, Doc: doc}
	metrics.DocumentsEmittedTotal.WithLabelValues(name).Inc()

	re.mu.RLock()
	ids := make([]int, 0, len(re.sinks))
	for id := range re.sinks {
		ids = append(ids, id)
	}
	sinks := make([]Sink, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		sinks = append(sinks, re.sinks[id])
	}
	re.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Emit(ctx, env); err != nil {
			metrics.PublishErrorsTotal.WithLabelValues(fmt.Sprintf("%T", s)).Inc()
			re.logger.Warn("sink failed", zap.String("doc", name), zap.Error(err))
		}
	}
}

// nextScanID increments the persisted scan_id.
func (re *RunEngine) nextScanID() (int64, error) {
	var current int64
	if v, err := re.MD.Get("scan_id"); err == nil {
		n, ok := asInt64(v)
		if !ok {
			return 0, fmt.Errorf("scan_id has type %T", v)
		}
		current = n
	}
	next := current + 1
	if err := re.MD.Set("scan_id", next); err != nil {
		return 0, err
	}
	return next, nil
}

func (re *RunEngine) begin(plan string) error {
	if !re.run.TryLock() {
		return ErrBusy
	}
	re.mu.Lock()
	re.running = true
	re.last = RunInfo{PlanName: plan, Started: docs.Now()}
	re.mu.Unlock()
	return nil
}

func (re *RunEngine) end(info RunInfo) {
	re.mu.Lock()
	re.running = false
	re.last = info
	re.mu.Unlock()
	re.run.Unlock()
}

func exitStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return ExitAbort
	default:
		return ExitFail
	}
}
