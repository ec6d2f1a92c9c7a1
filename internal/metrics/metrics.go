package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCapturedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_vstream_frames_captured_total",
		Help: "Frames pulled from the video stream, by detector",
	}, []string{"detector"})

	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_triggers_total",
		Help: "Detector triggers, by detector and status",
	}, []string{"detector", "status"})

	TriggerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tes_trigger_duration_seconds",
		Help:    "Wall time spent in a detector trigger",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"detector"})

	DocumentsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_documents_emitted_total",
		Help: "Event-model documents emitted by the run engine, by name",
	}, []string{"name"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_runs_total",
		Help: "Completed runs, by exit status",
	}, []string{"exit_status"})

	MetadataFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_metadata_flushes_total",
		Help: "Persistent metadata flushes, by result",
	}, []string{"result"})

	PublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_publish_errors_total",
		Help: "Document consumer failures, by sink",
	}, []string{"sink"})

	PVPutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tes_pv_puts_total",
		Help: "Process variable writes, by result",
	}, []string{"result"})
)
